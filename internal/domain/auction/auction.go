package auction

import (
	"time"

	"github.com/google/uuid"

	"bazaar-auction-engine/internal/domain/money"
	"bazaar-auction-engine/internal/domain/shared"
)

// Auction represents one listed item under timed competitive bidding.
//
// ReservePrice is seller-private: it is consulted only at settlement and must
// never be serialized to bidders. Version is the optimistic concurrency token;
// every mutation carries the version it read and the store rejects stale
// writes.
type Auction struct {
	ID              uuid.UUID     `json:"id"`
	SellerID        uuid.UUID     `json:"seller_id"`
	StartingPrice   money.Amount  `json:"starting_price"`
	CurrentPrice    money.Amount  `json:"current_price"`
	ReservePrice    *money.Amount `json:"-"`
	BidIncrement    money.Amount  `json:"bid_increment"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time"`
	OriginalEndTime time.Time     `json:"original_end_time"`
	AntiSnipeWindow time.Duration `json:"anti_snipe_window"`
	Extensions      int           `json:"extensions"`
	Status          Status        `json:"status"`
	TotalBids       int           `json:"total_bids"`
	WinnerID        *uuid.UUID    `json:"winner_id,omitempty"`
	Version         int64         `json:"version"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// MinNextBid is the smallest amount that would currently be admitted: the
// starting price while unbid, otherwise current price plus one increment.
func (a *Auction) MinNextBid() money.Amount {
	if a.TotalBids == 0 {
		return a.StartingPrice
	}
	return a.CurrentPrice.Add(a.BidIncrement)
}

// AcceptsBidAt reports whether the auction is open for bidding at now.
func (a *Auction) AcceptsBidAt(now time.Time) bool {
	return a.Status.Open() && !a.StartTime.After(now) && now.Before(a.EndTime)
}

// ReserveMet reports whether the current price satisfies the reserve. An
// auction without a reserve always meets it.
func (a *Auction) ReserveMet() bool {
	if a.ReservePrice == nil {
		return true
	}
	return a.CurrentPrice.GreaterThanOrEqual(*a.ReservePrice)
}

// ApplyBid records an admitted bid on the snapshot: price, counter, deadline
// extension and the ending-soon flip. The caller is responsible for writing
// the snapshot back with CAS. Returns ErrBidTooLow when amount does not
// strictly improve on MinNextBid against this snapshot.
func (a *Auction) ApplyBid(amount money.Amount, bidTime time.Time, endingSoonThreshold time.Duration, maxExtensions int) error {
	if amount.LessThan(a.MinNextBid()) {
		return shared.ErrBidTooLow
	}

	a.CurrentPrice = amount
	a.TotalBids++

	newEnd := ExtendDeadline(a.EndTime, a.AntiSnipeWindow, bidTime)
	if !newEnd.Equal(a.EndTime) {
		if maxExtensions == 0 || a.Extensions < maxExtensions {
			a.EndTime = newEnd
			a.Extensions++
		}
	}

	if a.Status == StatusActive && endingSoonThreshold > 0 && a.EndTime.Sub(bidTime) <= endingSoonThreshold {
		a.Status = StatusEndingSoon
	}

	a.UpdatedAt = bidTime
	return nil
}
