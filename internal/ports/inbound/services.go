package inbound

import (
	"context"
	"time"

	"github.com/google/uuid"

	"bazaar-auction-engine/internal/domain/auction"
	"bazaar-auction-engine/internal/domain/bid"
	"bazaar-auction-engine/internal/domain/money"
)

// AdmissionService admits bids against auctions.
type AdmissionService interface {
	// PlaceBid validates and atomically admits a single bid
	PlaceBid(ctx context.Context, req PlaceBidRequest) (*BidReceipt, error)

	// ListBids retrieves the bid history of an auction
	ListBids(ctx context.Context, auctionID uuid.UUID) ([]*bid.Bid, error)
}

// AuctionService owns auction lifecycle operations up to the state machine's
// constraints. Settlement is driven by the scheduler, not exposed here.
type AuctionService interface {
	// CreateAuction creates a new auction in pending (or active when
	// auto-approval is on)
	CreateAuction(ctx context.Context, req CreateAuctionRequest) (*auction.Auction, error)

	// ApproveAuction moves a pending auction to active
	ApproveAuction(ctx context.Context, auctionID uuid.UUID) (*auction.Auction, error)

	// CancelAuction withdraws an open or pending auction
	CancelAuction(ctx context.Context, auctionID, actorID uuid.UUID) (*auction.Auction, error)

	// GetAuction retrieves an auction by ID
	GetAuction(ctx context.Context, auctionID uuid.UUID) (*auction.Auction, error)

	// ListAuctions retrieves auctions with optional status filter
	ListAuctions(ctx context.Context, req ListAuctionsRequest) ([]*auction.Auction, error)
}

// PlaceBidRequest carries one bid attempt. IdempotencyKey is optional; a
// retry carrying the same key returns the original receipt instead of
// admitting a second bid.
type PlaceBidRequest struct {
	AuctionID      uuid.UUID    `json:"auction_id"`
	BidderID       uuid.UUID    `json:"bidder_id"`
	Amount         money.Amount `json:"amount"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
}

// BidReceipt is returned to the bidder on admission (or on an idempotent
// replay of one).
type BidReceipt struct {
	BidID        uuid.UUID    `json:"bid_id"`
	CurrentPrice money.Amount `json:"current_price"`
	MinNextBid   money.Amount `json:"min_next_bid"`
	TotalBids    int          `json:"total_bids"`
	IsWinning    bool         `json:"is_winning"`
	EndTime      time.Time    `json:"end_time"`
}

// CreateAuctionRequest carries a seller's listing submission.
type CreateAuctionRequest struct {
	SellerID        uuid.UUID     `json:"seller_id"`
	StartingPrice   money.Amount  `json:"starting_price"`
	ReservePrice    *money.Amount `json:"reserve_price,omitempty"`
	BidIncrement    money.Amount  `json:"bid_increment"`
	StartTime       string        `json:"start_time"`
	EndTime         string        `json:"end_time"`
	AntiSnipeWindow time.Duration `json:"anti_snipe_window"`
}

// ListAuctionsRequest filters and paginates auction listings.
type ListAuctionsRequest struct {
	Status   *auction.Status `json:"status,omitempty"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}
