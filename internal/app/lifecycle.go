package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bazaar-auction-engine/internal/domain/auction"
	"bazaar-auction-engine/internal/domain/shared"
	"bazaar-auction-engine/internal/ports/inbound"
	"bazaar-auction-engine/internal/ports/outbound"
)

// AuctionService owns auction lifecycle decisions: creation, approval and
// cancellation, all validated against the state machine. Price movement and
// settlement belong to AdmissionService and SettlementService.
type AuctionService struct {
	auctionRepo outbound.AuctionRepository
	broadcaster outbound.Broadcaster
	scheduler   DeadlineScheduler
	clock       shared.Clock
	commitLock  *CommitLock
	autoApprove bool
	logger      zerolog.Logger
}

type AuctionServiceParams struct {
	AuctionRepo outbound.AuctionRepository
	Broadcaster outbound.Broadcaster
	Scheduler   DeadlineScheduler
	Clock       shared.Clock
	CommitLock  *CommitLock
	AutoApprove bool
	Logger      zerolog.Logger
}

// NewAuctionService creates a new auction lifecycle service
func NewAuctionService(params AuctionServiceParams) *AuctionService {
	clock := params.Clock
	if clock == nil {
		clock = shared.SystemClock{}
	}
	commitLock := params.CommitLock
	if commitLock == nil {
		commitLock = NewCommitLock()
	}
	return &AuctionService{
		auctionRepo: params.AuctionRepo,
		broadcaster: params.Broadcaster,
		scheduler:   params.Scheduler,
		clock:       clock,
		commitLock:  commitLock,
		autoApprove: params.AutoApprove,
		logger:      params.Logger.With().Str("component", "auction_service").Logger(),
	}
}

// SetScheduler sets the deadline scheduler after construction. Mirrors the
// wiring order in main, where the scheduler needs the services first.
func (service *AuctionService) SetScheduler(scheduler DeadlineScheduler) {
	service.scheduler = scheduler
}

// CreateAuction validates a seller's submission and persists it. With
// auto-approval on, the auction activates immediately; otherwise it waits in
// pending for ApproveAuction.
func (service *AuctionService) CreateAuction(ctx context.Context, req inbound.CreateAuctionRequest) (*auction.Auction, error) {
	service.logger.Info().
		Str("seller_id", req.SellerID.String()).
		Str("starting_price", req.StartingPrice.String()).
		Str("bid_increment", req.BidIncrement.String()).
		Msg("Creating auction")

	startTime, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		service.logger.Warn().Err(err).Str("start_time", req.StartTime).Msg("Invalid start time format")
		return nil, shared.ErrInvalidTimeFormat
	}
	endTime, err := time.Parse(time.RFC3339, req.EndTime)
	if err != nil {
		service.logger.Warn().Err(err).Str("end_time", req.EndTime).Msg("Invalid end time format")
		return nil, shared.ErrInvalidTimeFormat
	}

	now := service.clock.Now()
	if startTime.Before(now) {
		return nil, shared.ErrInvalidStartTime
	}
	if !endTime.After(startTime) {
		return nil, shared.ErrInvalidEndTime
	}
	if !req.StartingPrice.IsPositive() {
		return nil, shared.ErrInvalidPrice
	}
	if !req.BidIncrement.IsPositive() {
		return nil, shared.ErrInvalidIncrement
	}
	if req.ReservePrice != nil && req.ReservePrice.LessThan(req.StartingPrice) {
		return nil, shared.ErrInvalidReserve
	}
	if req.AntiSnipeWindow < 0 {
		return nil, shared.ErrInvalidEndTime
	}

	status := auction.StatusPending
	if service.autoApprove {
		status = auction.StatusActive
	}

	a := &auction.Auction{
		ID:              uuid.New(),
		SellerID:        req.SellerID,
		StartingPrice:   req.StartingPrice,
		CurrentPrice:    req.StartingPrice,
		ReservePrice:    req.ReservePrice,
		BidIncrement:    req.BidIncrement,
		StartTime:       startTime,
		EndTime:         endTime,
		OriginalEndTime: endTime,
		AntiSnipeWindow: req.AntiSnipeWindow,
		Status:          status,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := service.auctionRepo.Create(ctx, a); err != nil {
		service.logger.Error().Err(err).Str("auction_id", a.ID.String()).Msg("Failed to persist auction")
		return nil, err
	}

	service.logger.Info().
		Str("auction_id", a.ID.String()).
		Str("status", string(a.Status)).
		Time("end_time", a.EndTime).
		Msg("Auction created")

	if a.Status == auction.StatusActive {
		service.scheduleClose(a)
	}
	return a, nil
}

// ApproveAuction moves a pending auction to active and queues its close.
func (service *AuctionService) ApproveAuction(ctx context.Context, auctionID uuid.UUID) (*auction.Auction, error) {
	a, err := service.transition(ctx, auctionID, auction.StatusActive, nil)
	if err != nil {
		return nil, err
	}
	service.scheduleClose(a)
	return a, nil
}

// CancelAuction withdraws an auction before settlement. Only the seller may
// cancel; terminal auctions are rejected by the state machine.
func (service *AuctionService) CancelAuction(ctx context.Context, auctionID, actorID uuid.UUID) (*auction.Auction, error) {
	guard := func(a *auction.Auction) error {
		if a.SellerID != actorID {
			return shared.ErrNotSeller
		}
		return nil
	}

	// Cancellation publishes after its write, so it holds the commit lock
	// like admission and settlement do.
	service.commitLock.Lock(auctionID)
	defer service.commitLock.Unlock(auctionID)

	a, err := service.transition(ctx, auctionID, auction.StatusCancelled, guard)
	if err != nil {
		return nil, err
	}

	service.logger.Info().
		Str("auction_id", a.ID.String()).
		Str("actor_id", actorID.String()).
		Msg("Auction cancelled")

	if service.broadcaster != nil {
		event := outbound.Event{
			Type:      outbound.EventTypeAuctionCancelled,
			AuctionID: a.ID,
			Payload:   map[string]interface{}{"status": string(a.Status)},
			Timestamp: service.clock.Now().Unix(),
		}
		if err := service.broadcaster.Publish(ctx, a.ID, event); err != nil {
			service.logger.Error().Err(err).Str("auction_id", a.ID.String()).Msg("Failed to broadcast cancellation")
		}
	}
	return a, nil
}

// transition applies one state-machine move under the CAS discipline.
func (service *AuctionService) transition(ctx context.Context, auctionID uuid.UUID, target auction.Status, guard func(*auction.Auction) error) (*auction.Auction, error) {
	for attempt := 0; attempt < 3; attempt++ {
		current, err := service.auctionRepo.GetByID(ctx, auctionID)
		if err != nil {
			return nil, err
		}
		if guard != nil {
			if err := guard(current); err != nil {
				return nil, err
			}
		}

		readVersion := current.Version
		snapshot := *current
		newStatus, err := snapshot.Status.Transition(target)
		if err != nil {
			return nil, err
		}
		snapshot.Status = newStatus
		snapshot.UpdatedAt = service.clock.Now()

		err = service.auctionRepo.UpdateVersioned(ctx, &snapshot, readVersion)
		if err == nil {
			return &snapshot, nil
		}
		if !shared.Retryable(err) {
			return nil, err
		}
	}
	return nil, shared.ErrConflict
}

// GetAuction retrieves an auction by ID.
func (service *AuctionService) GetAuction(ctx context.Context, auctionID uuid.UUID) (*auction.Auction, error) {
	return service.auctionRepo.GetByID(ctx, auctionID)
}

// ListAuctions retrieves auctions with optional status filter and pagination.
func (service *AuctionService) ListAuctions(ctx context.Context, req inbound.ListAuctionsRequest) ([]*auction.Auction, error) {
	if req.Page <= 0 {
		req.Page = 1
	}
	if req.PageSize <= 0 {
		req.PageSize = 10
	}
	return service.auctionRepo.List(ctx, req.Status, req.Page, req.PageSize)
}

func (service *AuctionService) scheduleClose(a *auction.Auction) {
	if service.scheduler == nil {
		return
	}
	if err := service.scheduler.ScheduleAuction(a.ID, a.EndTime); err != nil {
		// Creation already committed; the scheduler's periodic due-scan picks
		// the auction up on its next cycle.
		service.logger.Error().Err(err).
			Str("auction_id", a.ID.String()).
			Time("end_time", a.EndTime).
			Msg("Failed to queue auction close")
	}
}
