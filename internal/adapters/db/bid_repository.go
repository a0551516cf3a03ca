package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"bazaar-auction-engine/internal/domain/auction"
	"bazaar-auction-engine/internal/domain/bid"
	"bazaar-auction-engine/internal/domain/shared"
)

// BidRepository implements the bid repository interface over postgres.
type BidRepository struct {
	conn *Connection
}

// NewBidRepository creates a new bid repository
func NewBidRepository(conn *Connection) *BidRepository {
	return &BidRepository{conn: conn}
}

const bidColumns = `id, auction_id, bidder_id, amount, is_winning, idempotency_key, created_at`

// RecordAdmitted persists an admitted bid in one transaction with the auction
// snapshot it was validated against: the versioned auction write gates the
// whole thing, the previous winning flag is cleared and the new bid inserted
// as winning. A version mismatch rolls everything back, leaving no trace of
// the bid.
func (r *BidRepository) RecordAdmitted(ctx context.Context, b *bid.Bid, a *auction.Auction, expectedVersion int64) error {
	return r.conn.ExecuteTransaction(func(tx *sql.Tx) error {
		// Check the key ahead of the versioned update so a duplicate
		// submission that lost the race reads as a replay, not a version
		// conflict. The unique index on (auction_id, idempotency_key) still
		// breaks the tie when two duplicates insert concurrently.
		if b.IdempotencyKey != "" {
			var existingID uuid.UUID
			dupQuery := `SELECT id FROM bids WHERE auction_id = $1 AND idempotency_key = $2`
			err := tx.QueryRowContext(ctx, dupQuery, b.AuctionID, b.IdempotencyKey).Scan(&existingID)
			if err == nil {
				return shared.ErrDuplicateBid
			}
			if err != sql.ErrNoRows {
				return fmt.Errorf("failed to check idempotency key: %w", err)
			}
		}

		if err := updateAuctionVersioned(ctx, tx, a, expectedVersion); err != nil {
			return err
		}

		clearQuery := `UPDATE bids SET is_winning = FALSE WHERE auction_id = $1 AND is_winning = TRUE`
		if _, err := tx.ExecContext(ctx, clearQuery, b.AuctionID); err != nil {
			return fmt.Errorf("failed to clear previous winning bid: %w", err)
		}

		insertQuery := `
			INSERT INTO bids (` + bidColumns + `)
			VALUES ($1, $2, $3, $4, TRUE, NULLIF($5, ''), $6)
		`
		_, err := tx.ExecContext(ctx, insertQuery,
			b.ID,
			b.AuctionID,
			b.BidderID,
			b.Amount,
			b.IdempotencyKey,
			b.CreatedAt,
		)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
				return shared.ErrDuplicateBid
			}
			return fmt.Errorf("failed to insert bid: %w", err)
		}
		return nil
	})
}

func scanBid(row rowScanner) (*bid.Bid, error) {
	var b bid.Bid
	var key sql.NullString

	err := row.Scan(
		&b.ID,
		&b.AuctionID,
		&b.BidderID,
		&b.Amount,
		&b.IsWinning,
		&key,
		&b.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if key.Valid {
		b.IdempotencyKey = key.String
	}
	return &b, nil
}

// GetByID retrieves a bid by ID
func (r *BidRepository) GetByID(ctx context.Context, id uuid.UUID) (*bid.Bid, error) {
	query := `SELECT ` + bidColumns + ` FROM bids WHERE id = $1`

	b, err := scanBid(r.conn.GetDB().QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, shared.ErrNoBidsFound
		}
		return nil, fmt.Errorf("failed to get bid: %w", err)
	}
	return b, nil
}

// GetByIdempotencyKey retrieves a previously admitted bid by its dedupe key
func (r *BidRepository) GetByIdempotencyKey(ctx context.Context, auctionID uuid.UUID, key string) (*bid.Bid, error) {
	query := `SELECT ` + bidColumns + ` FROM bids WHERE auction_id = $1 AND idempotency_key = $2`

	b, err := scanBid(r.conn.GetDB().QueryRowContext(ctx, query, auctionID, key))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, shared.ErrNoBidsFound
		}
		return nil, fmt.Errorf("failed to get bid by idempotency key: %w", err)
	}
	return b, nil
}

// GetWinning retrieves the current winning bid for an auction
func (r *BidRepository) GetWinning(ctx context.Context, auctionID uuid.UUID) (*bid.Bid, error) {
	query := `SELECT ` + bidColumns + ` FROM bids WHERE auction_id = $1 AND is_winning = TRUE`

	b, err := scanBid(r.conn.GetDB().QueryRowContext(ctx, query, auctionID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, shared.ErrNoBidsFound
		}
		return nil, fmt.Errorf("failed to get winning bid: %w", err)
	}
	return b, nil
}

// ListByAuction retrieves all bids for an auction ordered by creation time
func (r *BidRepository) ListByAuction(ctx context.Context, auctionID uuid.UUID) ([]*bid.Bid, error) {
	query := `SELECT ` + bidColumns + ` FROM bids WHERE auction_id = $1 ORDER BY created_at ASC`

	rows, err := r.conn.GetDB().QueryContext(ctx, query, auctionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bids: %w", err)
	}
	defer rows.Close()

	var bids []*bid.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bid: %w", err)
		}
		bids = append(bids, b)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bids: %w", err)
	}
	return bids, nil
}
