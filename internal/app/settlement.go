package app

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bazaar-auction-engine/internal/domain/auction"
	"bazaar-auction-engine/internal/domain/shared"
	"bazaar-auction-engine/internal/ports/outbound"
)

// SettlementService closes due auctions exactly once. It shares the CAS
// discipline of admission: re-read, re-check, versioned write. A second pass
// over an already-terminal auction is a no-op because the status re-check
// fails before any write is attempted.
type SettlementService struct {
	auctionRepo outbound.AuctionRepository
	bidRepo     outbound.BidRepository
	broadcaster outbound.Broadcaster
	clock       shared.Clock
	commitLock  *CommitLock
	maxRetries  int
	logger      zerolog.Logger
}

type SettlementServiceParams struct {
	AuctionRepo outbound.AuctionRepository
	BidRepo     outbound.BidRepository
	Broadcaster outbound.Broadcaster
	Clock       shared.Clock
	CommitLock  *CommitLock
	MaxRetries  int
	Logger      zerolog.Logger
}

// NewSettlementService creates a new settlement service
func NewSettlementService(params SettlementServiceParams) *SettlementService {
	clock := params.Clock
	if clock == nil {
		clock = shared.SystemClock{}
	}
	retries := params.MaxRetries
	if retries <= 0 {
		retries = 5
	}
	commitLock := params.CommitLock
	if commitLock == nil {
		commitLock = NewCommitLock()
	}
	return &SettlementService{
		auctionRepo: params.AuctionRepo,
		bidRepo:     params.BidRepo,
		broadcaster: params.Broadcaster,
		clock:       clock,
		commitLock:  commitLock,
		maxRetries:  retries,
		logger:      params.Logger.With().Str("component", "settlement_service").Logger(),
	}
}

// Settle closes one due auction.
//
// Returns (result, nil, nil) when the auction was settled by this call,
// (nil, requeueAt, nil) when a concurrent admission extended the deadline and
// the auction must be re-queued for its new close time, and (nil, nil, nil)
// when there was nothing to do (already terminal, or never activated).
// Transient store errors surface after the retry budget so the scheduler can
// re-queue rather than drop the auction.
func (service *SettlementService) Settle(ctx context.Context, auctionID uuid.UUID) (*shared.SettlementResult, *time.Time, error) {
	var lastErr error
	for attempt := 0; attempt < service.maxRetries; attempt++ {
		result, requeueAt, err := service.trySettle(ctx, auctionID)
		if err == nil {
			return result, requeueAt, nil
		}
		if !shared.Retryable(err) {
			return nil, nil, err
		}
		lastErr = err
		service.logger.Debug().
			Err(err).
			Int("attempt", attempt+1).
			Str("auction_id", auctionID.String()).
			Msg("Settlement write conflicted, re-reading")
	}
	return nil, nil, lastErr
}

func (service *SettlementService) trySettle(ctx context.Context, auctionID uuid.UUID) (*shared.SettlementResult, *time.Time, error) {
	current, err := service.auctionRepo.GetByID(ctx, auctionID)
	if err != nil {
		if errors.Is(err, shared.ErrAuctionNotFound) {
			// Nothing to close; stale queue entry.
			return nil, nil, nil
		}
		return nil, nil, err
	}

	if !current.Status.Open() {
		// Terminal or never activated: idempotent no-op.
		return nil, nil, nil
	}

	now := service.clock.Now()
	if now.Before(current.EndTime) {
		// A concurrent admission pushed the deadline; honor it.
		requeueAt := current.EndTime
		return nil, &requeueAt, nil
	}

	readVersion := current.Version
	snapshot := *current

	result := &shared.SettlementResult{AuctionID: auctionID}
	target := auction.StatusEnded

	switch {
	case snapshot.TotalBids == 0:
		result.Outcome = shared.OutcomeNoBids
	case !snapshot.ReserveMet():
		// Highest bidder is not a winner when the reserve goes unmet.
		result.Outcome = shared.OutcomeReserveNot
	default:
		winning, err := service.bidRepo.GetWinning(ctx, auctionID)
		if err != nil {
			return nil, nil, err
		}
		target = auction.StatusSold
		result.Outcome = shared.OutcomeSold
		result.WinnerID = &winning.BidderID
		price := snapshot.CurrentPrice
		result.FinalPrice = &price
		snapshot.WinnerID = &winning.BidderID
	}

	newStatus, err := snapshot.Status.Transition(target)
	if err != nil {
		return nil, nil, err
	}
	snapshot.Status = newStatus
	snapshot.UpdatedAt = now

	// Same ordering discipline as admission: no bid event published before
	// this write may land after the settlement event.
	service.commitLock.Lock(auctionID)
	defer service.commitLock.Unlock(auctionID)

	if err := service.auctionRepo.UpdateVersioned(ctx, &snapshot, readVersion); err != nil {
		return nil, nil, err
	}

	logEvent := service.logger.Info().
		Str("auction_id", auctionID.String()).
		Str("outcome", string(result.Outcome))
	if result.WinnerID != nil {
		logEvent = logEvent.Str("winner_id", result.WinnerID.String())
	}
	if result.FinalPrice != nil {
		logEvent = logEvent.Str("final_price", result.FinalPrice.String())
	}
	logEvent.Msg("Auction settled")

	service.emitSettled(ctx, result, now)
	return result, nil, nil
}

func (service *SettlementService) emitSettled(ctx context.Context, result *shared.SettlementResult, now time.Time) {
	if service.broadcaster == nil {
		return
	}

	payload := map[string]interface{}{
		"outcome": string(result.Outcome),
	}
	if result.WinnerID != nil {
		payload["winner_id"] = result.WinnerID.String()
	}
	if result.FinalPrice != nil {
		payload["final_price"] = result.FinalPrice.String()
	}

	event := outbound.Event{
		Type:      outbound.EventTypeAuctionSettled,
		AuctionID: result.AuctionID,
		Payload:   payload,
		Timestamp: now.Unix(),
	}
	if err := service.broadcaster.Publish(ctx, result.AuctionID, event); err != nil {
		service.logger.Error().Err(err).
			Str("auction_id", result.AuctionID.String()).
			Msg("Failed to broadcast settlement event")
	}
}
