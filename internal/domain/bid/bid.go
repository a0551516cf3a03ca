package bid

import (
	"time"

	"github.com/google/uuid"

	"bazaar-auction-engine/internal/domain/money"
)

// Bid represents one admitted attempt to raise the price of an auction.
//
// CreatedAt is server-assigned, never taken from the client. IsWinning is
// derived state: at most one bid per auction carries it at any committed
// instant, and it flips to false when a later bid supersedes it. Bids are
// never mutated otherwise and never deleted.
type Bid struct {
	ID             uuid.UUID    `json:"id"`
	AuctionID      uuid.UUID    `json:"auction_id"`
	BidderID       uuid.UUID    `json:"bidder_id"`
	Amount         money.Amount `json:"amount"`
	IsWinning      bool         `json:"is_winning"`
	IdempotencyKey string       `json:"-"`
	CreatedAt      time.Time    `json:"created_at"`
}
