package shared

import "errors"

// Engine errors. Each maps to one failure signal surfaced to callers;
// transient kinds are retried internally before they escape.
var (
	// Admission errors
	ErrAuctionNotFound   = errors.New("auction not found")
	ErrAuctionClosed     = errors.New("auction is not open for bidding")
	ErrSelfBidNotAllowed = errors.New("sellers cannot bid on their own auctions")
	ErrInvalidAmount     = errors.New("bid amount must be a positive value in minor units")
	ErrBidTooLow         = errors.New("bid amount is below the minimum next bid")
	ErrConflict          = errors.New("concurrent update conflict, retry with backoff")

	// State machine errors
	ErrInvalidTransition = errors.New("illegal auction status transition")

	// Lifecycle validation errors
	ErrInvalidStartTime  = errors.New("start time cannot be in the past")
	ErrInvalidEndTime    = errors.New("end time must be after start time")
	ErrInvalidPrice      = errors.New("starting price must be greater than 0")
	ErrInvalidIncrement  = errors.New("bid increment must be greater than 0")
	ErrInvalidReserve    = errors.New("reserve price must be at least the starting price")
	ErrNotSeller         = errors.New("only the seller may perform this action")
	ErrInvalidTimeFormat = errors.New("invalid time format")

	// Transport errors
	ErrMessageTypeRequired = errors.New("message type is required")
	ErrUnknownMessageType  = errors.New("unknown message type")
	ErrAuctionIDRequired   = errors.New("auction_id is required")
	ErrAmountRequired      = errors.New("amount is required")

	// Store errors
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrVersionMismatch  = errors.New("stale version, record was modified")
	ErrNoBidsFound      = errors.New("no bids found")
	ErrDuplicateBid     = errors.New("bid with this id already exists")
)

// Retryable reports whether an error is transient: the caller may re-read and
// try again rather than give up.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrVersionMismatch) ||
		errors.Is(err, ErrStoreUnavailable)
}
