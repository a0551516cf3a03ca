package outbound

import (
	"context"

	"github.com/google/uuid"

	"bazaar-auction-engine/internal/domain/auction"
	"bazaar-auction-engine/internal/domain/bid"
)

// AuctionRepository defines versioned auction storage. All mutations go
// through UpdateVersioned, which writes only when the stored version still
// matches the one the caller read (shared.ErrVersionMismatch otherwise).
type AuctionRepository interface {
	// Create persists a new auction at version 1
	Create(ctx context.Context, a *auction.Auction) error

	// GetByID retrieves an auction by ID
	GetByID(ctx context.Context, id uuid.UUID) (*auction.Auction, error)

	// List retrieves auctions with an optional status filter and pagination
	List(ctx context.Context, status *auction.Status, page, pageSize int) ([]*auction.Auction, error)

	// ListDue retrieves open auctions whose deadline has passed, oldest first
	ListDue(ctx context.Context, limit int) ([]*auction.Auction, error)

	// UpdateVersioned writes the auction if the stored version equals
	// expectedVersion, bumping both the stored and a's version by one
	UpdateVersioned(ctx context.Context, a *auction.Auction, expectedVersion int64) error
}

// BidRepository defines bid storage. RecordAdmitted is the money-critical
// write: it must atomically insert the new winning bid, clear the previous
// winning flag and commit the auction snapshot under its CAS version.
type BidRepository interface {
	// RecordAdmitted persists an admitted bid together with the auction
	// snapshot it was validated against. Fails with shared.ErrVersionMismatch
	// when the auction moved underneath the caller, leaving no trace of the bid.
	RecordAdmitted(ctx context.Context, b *bid.Bid, a *auction.Auction, expectedVersion int64) error

	// GetByID retrieves a bid by ID
	GetByID(ctx context.Context, id uuid.UUID) (*bid.Bid, error)

	// GetByIdempotencyKey retrieves a previously admitted bid by its dedupe key
	GetByIdempotencyKey(ctx context.Context, auctionID uuid.UUID, key string) (*bid.Bid, error)

	// GetWinning retrieves the current winning bid for an auction
	GetWinning(ctx context.Context, auctionID uuid.UUID) (*bid.Bid, error)

	// ListByAuction retrieves all bids for an auction ordered by creation time
	ListByAuction(ctx context.Context, auctionID uuid.UUID) ([]*bid.Bid, error)
}
