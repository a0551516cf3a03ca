package app

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bazaar-auction-engine/internal/domain/auction"
	"bazaar-auction-engine/internal/domain/bid"
	"bazaar-auction-engine/internal/domain/money"
	"bazaar-auction-engine/internal/domain/shared"
	"bazaar-auction-engine/internal/ports/inbound"
	"bazaar-auction-engine/internal/ports/outbound"
)

// DeadlineScheduler is the slice of the settlement scheduler the services
// need: keeping an auction's close deadline current.
type DeadlineScheduler interface {
	ScheduleAuction(auctionID uuid.UUID, endTime time.Time) error
}

// AdmissionService validates and atomically admits bids. All price movement
// on an auction funnels through here; per-auction serialization is achieved
// with optimistic versioned writes, never a global lock.
type AdmissionService struct {
	auctionRepo outbound.AuctionRepository
	bidRepo     outbound.BidRepository
	broadcaster outbound.Broadcaster
	scheduler   DeadlineScheduler
	clock       shared.Clock
	commitLock  *CommitLock

	maxRetries          int
	backoff             time.Duration
	endingSoonThreshold time.Duration
	maxExtensions       int

	logger zerolog.Logger
}

type AdmissionServiceParams struct {
	AuctionRepo outbound.AuctionRepository
	BidRepo     outbound.BidRepository
	Broadcaster outbound.Broadcaster
	Scheduler   DeadlineScheduler
	Clock       shared.Clock
	CommitLock  *CommitLock

	MaxRetries          int
	Backoff             time.Duration
	EndingSoonThreshold time.Duration
	MaxExtensions       int

	Logger zerolog.Logger
}

// NewAdmissionService creates a new admission service
func NewAdmissionService(params AdmissionServiceParams) *AdmissionService {
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
	return &AdmissionService{
		auctionRepo:         params.AuctionRepo,
		bidRepo:             params.BidRepo,
		broadcaster:         params.Broadcaster,
		scheduler:           params.Scheduler,
		clock:               clock,
		commitLock:          commitLock,
		maxRetries:          retries,
		backoff:             params.Backoff,
		endingSoonThreshold: params.EndingSoonThreshold,
		maxExtensions:       params.MaxExtensions,
		logger:              params.Logger.With().Str("component", "admission_service").Logger(),
	}
}

// PlaceBid admits a single bid against one auction.
//
// Preconditions are checked in a fixed order, each with its own error:
// existence, open status and deadline, self-bid, amount validity, minimum
// next bid. Validation always runs against a freshly read snapshot; the
// versioned write rejects the admission if any concurrent bid landed in
// between, and the loop re-reads and revalidates. After the retry budget is
// spent the caller gets ErrConflict and should back off, not lower its bid.
func (service *AdmissionService) PlaceBid(ctx context.Context, req inbound.PlaceBidRequest) (*inbound.BidReceipt, error) {
	service.logger.Debug().
		Str("auction_id", req.AuctionID.String()).
		Str("bidder_id", req.BidderID.String()).
		Str("amount", req.Amount.String()).
		Msg("Bid submitted")

	if req.IdempotencyKey != "" {
		if receipt, err := service.replayByKey(ctx, req); receipt != nil || err != nil {
			return receipt, err
		}
	}

	var lastErr error
	for attempt := 0; attempt < service.maxRetries; attempt++ {
		if attempt > 0 {
			if err := service.wait(ctx, attempt); err != nil {
				return nil, err
			}
		}

		receipt, err := service.tryAdmit(ctx, req)
		if err == nil {
			return receipt, nil
		}
		if errors.Is(err, shared.ErrDuplicateBid) && req.IdempotencyKey != "" {
			// A submission with the same key won the write race; hand its
			// caller the original receipt instead of an error.
			receipt, replayErr := service.replayByKey(ctx, req)
			if replayErr != nil {
				return nil, replayErr
			}
			if receipt != nil {
				return receipt, nil
			}
			return nil, err
		}
		if !shared.Retryable(err) {
			return nil, err
		}
		lastErr = err
		service.logger.Debug().
			Err(err).
			Int("attempt", attempt+1).
			Str("auction_id", req.AuctionID.String()).
			Msg("Admission write conflicted, re-reading")
	}

	service.logger.Warn().
		Err(lastErr).
		Str("auction_id", req.AuctionID.String()).
		Int("attempts", service.maxRetries).
		Msg("Admission retry budget exhausted")
	return nil, shared.ErrConflict
}

// tryAdmit runs one read-validate-write cycle.
func (service *AdmissionService) tryAdmit(ctx context.Context, req inbound.PlaceBidRequest) (*inbound.BidReceipt, error) {
	current, err := service.auctionRepo.GetByID(ctx, req.AuctionID)
	if err != nil {
		return nil, err
	}

	now := service.clock.Now()
	if !current.AcceptsBidAt(now) {
		return nil, shared.ErrAuctionClosed
	}
	if req.BidderID == current.SellerID {
		return nil, shared.ErrSelfBidNotAllowed
	}
	if !money.IsValidBidAmount(req.Amount) {
		return nil, shared.ErrInvalidAmount
	}

	// Remember who held the high bid so the outbid signal can name them.
	var previousBidder *uuid.UUID
	if current.TotalBids > 0 {
		if winning, err := service.bidRepo.GetWinning(ctx, req.AuctionID); err == nil {
			previousBidder = &winning.BidderID
		} else if !errors.Is(err, shared.ErrNoBidsFound) {
			return nil, err
		}
	}

	readVersion := current.Version
	wasEndingSoon := current.Status == auction.StatusEndingSoon
	previousEnd := current.EndTime

	snapshot := *current
	if err := snapshot.ApplyBid(req.Amount, now, service.endingSoonThreshold, service.maxExtensions); err != nil {
		return nil, err
	}

	newBid := &bid.Bid{
		ID:             uuid.New(),
		AuctionID:      req.AuctionID,
		BidderID:       req.BidderID,
		Amount:         req.Amount,
		IsWinning:      true,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
	}

	// The write and its fan-out hold the auction's commit lock together so
	// subscribers see events in the order the store accepted the writes.
	service.commitLock.Lock(req.AuctionID)
	defer service.commitLock.Unlock(req.AuctionID)

	if err := service.bidRepo.RecordAdmitted(ctx, newBid, &snapshot, readVersion); err != nil {
		return nil, err
	}

	service.logger.Info().
		Str("auction_id", req.AuctionID.String()).
		Str("bid_id", newBid.ID.String()).
		Str("bidder_id", req.BidderID.String()).
		Str("current_price", snapshot.CurrentPrice.String()).
		Int("total_bids", snapshot.TotalBids).
		Msg("Bid admitted")

	service.afterAdmit(ctx, &snapshot, newBid, previousBidder, wasEndingSoon, previousEnd)

	return &inbound.BidReceipt{
		BidID:        newBid.ID,
		CurrentPrice: snapshot.CurrentPrice,
		MinNextBid:   snapshot.MinNextBid(),
		TotalBids:    snapshot.TotalBids,
		IsWinning:    true,
		EndTime:      snapshot.EndTime,
	}, nil
}

// afterAdmit handles the best-effort side effects of a committed admission:
// deadline rescheduling and event fan-out. Failures here are logged, never
// rolled back into the authoritative write.
func (service *AdmissionService) afterAdmit(ctx context.Context, a *auction.Auction, newBid *bid.Bid, previousBidder *uuid.UUID, wasEndingSoon bool, previousEnd time.Time) {
	if service.scheduler != nil && !a.EndTime.Equal(previousEnd) {
		if err := service.scheduler.ScheduleAuction(a.ID, a.EndTime); err != nil {
			service.logger.Error().Err(err).
				Str("auction_id", a.ID.String()).
				Time("end_time", a.EndTime).
				Msg("Failed to reschedule extended deadline")
		}
	}

	if service.broadcaster == nil {
		return
	}

	payload := map[string]interface{}{
		"bid_id":        newBid.ID.String(),
		"bidder_id":     newBid.BidderID.String(),
		"current_price": a.CurrentPrice.String(),
		"min_next_bid":  a.MinNextBid().String(),
		"total_bids":    a.TotalBids,
		"end_time":      a.EndTime.UTC().Format(time.RFC3339),
	}
	if previousBidder != nil && *previousBidder != newBid.BidderID {
		payload["previous_bidder_id"] = previousBidder.String()
	}

	event := outbound.Event{
		Type:      outbound.EventTypeBidPlaced,
		AuctionID: a.ID,
		Payload:   payload,
		Timestamp: newBid.CreatedAt.Unix(),
	}
	if err := service.broadcaster.Publish(ctx, a.ID, event); err != nil {
		service.logger.Error().Err(err).
			Str("bid_id", newBid.ID.String()).
			Msg("Failed to broadcast bid event")
	}

	if !wasEndingSoon && a.Status == auction.StatusEndingSoon {
		endingSoon := outbound.Event{
			Type:      outbound.EventTypeAuctionEndingSoon,
			AuctionID: a.ID,
			Payload: map[string]interface{}{
				"end_time": a.EndTime.UTC().Format(time.RFC3339),
			},
			Timestamp: newBid.CreatedAt.Unix(),
		}
		if err := service.broadcaster.Publish(ctx, a.ID, endingSoon); err != nil {
			service.logger.Error().Err(err).
				Str("auction_id", a.ID.String()).
				Msg("Failed to broadcast ending-soon event")
		}
	}
}

// replayByKey returns the original receipt when the idempotency key has been
// seen before. (nil, nil) means the key is fresh and admission proceeds.
func (service *AdmissionService) replayByKey(ctx context.Context, req inbound.PlaceBidRequest) (*inbound.BidReceipt, error) {
	existing, err := service.bidRepo.GetByIdempotencyKey(ctx, req.AuctionID, req.IdempotencyKey)
	if err != nil {
		if errors.Is(err, shared.ErrNoBidsFound) {
			return nil, nil
		}
		return nil, err
	}

	current, err := service.auctionRepo.GetByID(ctx, req.AuctionID)
	if err != nil {
		return nil, err
	}

	service.logger.Info().
		Str("auction_id", req.AuctionID.String()).
		Str("bid_id", existing.ID.String()).
		Str("idempotency_key", req.IdempotencyKey).
		Msg("Replaying admitted bid for idempotency key")

	return &inbound.BidReceipt{
		BidID:        existing.ID,
		CurrentPrice: current.CurrentPrice,
		MinNextBid:   current.MinNextBid(),
		TotalBids:    current.TotalBids,
		IsWinning:    existing.IsWinning,
		EndTime:      current.EndTime,
	}, nil
}

// wait sleeps with exponential backoff before the next CAS attempt.
func (service *AdmissionService) wait(ctx context.Context, attempt int) error {
	if service.backoff <= 0 {
		return ctx.Err()
	}
	delay := service.backoff << uint(attempt-1)
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListBids retrieves the bid history of an auction.
func (service *AdmissionService) ListBids(ctx context.Context, auctionID uuid.UUID) ([]*bid.Bid, error) {
	return service.bidRepo.ListByAuction(ctx, auctionID)
}
