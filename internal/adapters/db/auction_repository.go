package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bazaar-auction-engine/internal/domain/auction"
	"bazaar-auction-engine/internal/domain/shared"
)

// AuctionRepository implements the auction repository interface over postgres.
// Writes are guarded by the version column: UPDATE matches on the version the
// caller read and bumps it, so a stale writer affects zero rows.
type AuctionRepository struct {
	conn *Connection
}

// NewAuctionRepository creates a new auction repository
func NewAuctionRepository(conn *Connection) *AuctionRepository {
	return &AuctionRepository{conn: conn}
}

const auctionColumns = `id, seller_id, starting_price, current_price, reserve_price, bid_increment,
		start_time, end_time, original_end_time, anti_snipe_seconds, extensions,
		status, total_bids, winner_id, version, created_at, updated_at`

// Create creates a new auction at version 1
func (r *AuctionRepository) Create(ctx context.Context, a *auction.Auction) error {
	query := `
		INSERT INTO auctions (` + auctionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	var reserve decimal.NullDecimal
	if a.ReservePrice != nil {
		reserve = decimal.NullDecimal{Decimal: *a.ReservePrice, Valid: true}
	}
	var winner uuid.NullUUID
	if a.WinnerID != nil {
		winner = uuid.NullUUID{UUID: *a.WinnerID, Valid: true}
	}

	_, err := r.conn.GetDB().ExecContext(ctx, query,
		a.ID,
		a.SellerID,
		a.StartingPrice,
		a.CurrentPrice,
		reserve,
		a.BidIncrement,
		a.StartTime,
		a.EndTime,
		a.OriginalEndTime,
		int64(a.AntiSnipeWindow/time.Second),
		a.Extensions,
		a.Status,
		a.TotalBids,
		winner,
		a.Version,
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create auction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuction(row rowScanner) (*auction.Auction, error) {
	var a auction.Auction
	var reserve decimal.NullDecimal
	var winner uuid.NullUUID
	var antiSnipeSeconds int64

	err := row.Scan(
		&a.ID,
		&a.SellerID,
		&a.StartingPrice,
		&a.CurrentPrice,
		&reserve,
		&a.BidIncrement,
		&a.StartTime,
		&a.EndTime,
		&a.OriginalEndTime,
		&antiSnipeSeconds,
		&a.Extensions,
		&a.Status,
		&a.TotalBids,
		&winner,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if reserve.Valid {
		a.ReservePrice = &reserve.Decimal
	}
	if winner.Valid {
		a.WinnerID = &winner.UUID
	}
	a.AntiSnipeWindow = time.Duration(antiSnipeSeconds) * time.Second
	return &a, nil
}

// GetByID retrieves an auction by ID
func (r *AuctionRepository) GetByID(ctx context.Context, id uuid.UUID) (*auction.Auction, error) {
	query := `SELECT ` + auctionColumns + ` FROM auctions WHERE id = $1`

	a, err := scanAuction(r.conn.GetDB().QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, shared.ErrAuctionNotFound
		}
		return nil, fmt.Errorf("failed to get auction: %w", err)
	}
	return a, nil
}

// List retrieves auctions with an optional status filter and pagination
func (r *AuctionRepository) List(ctx context.Context, status *auction.Status, page, pageSize int) ([]*auction.Auction, error) {
	baseQuery := `SELECT ` + auctionColumns + ` FROM auctions`

	var whereClause string
	var args []interface{}
	argCount := 1

	if status != nil {
		whereClause = " WHERE status = $1"
		args = append(args, *status)
		argCount++
	}

	query := fmt.Sprintf("%s%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d", baseQuery, whereClause, argCount, argCount+1)
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := r.conn.GetDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list auctions: %w", err)
	}
	defer rows.Close()

	var auctions []*auction.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan auction: %w", err)
		}
		auctions = append(auctions, a)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating auctions: %w", err)
	}
	return auctions, nil
}

// ListDue retrieves open auctions whose deadline has passed, oldest deadline
// first
func (r *AuctionRepository) ListDue(ctx context.Context, limit int) ([]*auction.Auction, error) {
	query := `
		SELECT ` + auctionColumns + `
		FROM auctions
		WHERE status IN ('active', 'ending_soon') AND end_time <= NOW()
		ORDER BY end_time ASC
		LIMIT $1
	`

	rows, err := r.conn.GetDB().QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due auctions: %w", err)
	}
	defer rows.Close()

	var auctions []*auction.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan auction: %w", err)
		}
		auctions = append(auctions, a)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating due auctions: %w", err)
	}
	return auctions, nil
}

// UpdateVersioned writes the auction if the stored version still equals
// expectedVersion, bumping the version by one
func (r *AuctionRepository) UpdateVersioned(ctx context.Context, a *auction.Auction, expectedVersion int64) error {
	return r.conn.ExecuteTransaction(func(tx *sql.Tx) error {
		return updateAuctionVersioned(ctx, tx, a, expectedVersion)
	})
}

// updateAuctionVersioned is the CAS write, shared with the bid repository's
// admitted-bid transaction.
func updateAuctionVersioned(ctx context.Context, tx *sql.Tx, a *auction.Auction, expectedVersion int64) error {
	query := `
		UPDATE auctions
		SET current_price = $2, end_time = $3, status = $4, total_bids = $5,
		    winner_id = $6, extensions = $7, updated_at = $8, version = version + 1
		WHERE id = $1 AND version = $9
	`

	var winner uuid.NullUUID
	if a.WinnerID != nil {
		winner = uuid.NullUUID{UUID: *a.WinnerID, Valid: true}
	}

	result, err := tx.ExecContext(ctx, query,
		a.ID,
		a.CurrentPrice,
		a.EndTime,
		a.Status,
		a.TotalBids,
		winner,
		a.Extensions,
		a.UpdatedAt,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update auction: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Either the auction is gone or another writer got there first; the
		// caller re-reads and finds out which.
		return shared.ErrVersionMismatch
	}

	a.Version = expectedVersion + 1
	return nil
}
