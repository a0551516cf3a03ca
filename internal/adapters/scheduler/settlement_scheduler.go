package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"bazaar-auction-engine/internal/domain/shared"
	"bazaar-auction-engine/internal/ports/outbound"
)

const deadlineKey = "auction:deadlines"

// Settler is the settlement entry point the scheduler drives. A non-nil
// requeueAt means a concurrent admission moved the deadline and the auction
// must be rescheduled rather than closed.
type Settler interface {
	Settle(ctx context.Context, auctionID uuid.UUID) (*shared.SettlementResult, *time.Time, error)
}

// SettlementScheduler closes auctions when their deadline passes. Deadlines
// live in a Redis sorted set scored by close time; a ticker drains the due
// range each interval. Anti-snipe extensions re-add the member with a higher
// score, so an extended auction simply comes due later. A periodic store scan
// backstops the queue against entries lost to Redis hiccups.
type SettlementScheduler struct {
	redis       *redis.Client
	settler     Settler
	auctionRepo outbound.AuctionRepository
	interval    time.Duration
	batchSize   int
	logger      zerolog.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

type SettlementSchedulerParams struct {
	RedisClient *redis.Client
	Settler     Settler
	AuctionRepo outbound.AuctionRepository
	Interval    time.Duration
	BatchSize   int
	Logger      zerolog.Logger
}

// NewSettlementScheduler creates a stopped scheduler; call Start to run it.
func NewSettlementScheduler(params SettlementSchedulerParams) *SettlementScheduler {
	ctx, cancel := context.WithCancel(context.Background())

	interval := params.Interval
	if interval <= 0 {
		interval = time.Second
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = 10
	}

	return &SettlementScheduler{
		redis:       params.RedisClient,
		settler:     params.Settler,
		auctionRepo: params.AuctionRepo,
		interval:    interval,
		batchSize:   batch,
		logger:      params.Logger.With().Str("component", "settlement_scheduler").Logger(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// ScheduleAuction queues (or re-queues) an auction's close deadline. Re-adding
// an existing member just moves its score, which is exactly what an anti-snipe
// extension needs.
func (s *SettlementScheduler) ScheduleAuction(auctionID uuid.UUID, endTime time.Time) error {
	err := s.redis.ZAdd(s.ctx, deadlineKey, redis.Z{
		Score:  float64(endTime.Unix()),
		Member: auctionID.String(),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to schedule auction close: %w", err)
	}

	s.logger.Debug().
		Str("auction_id", auctionID.String()).
		Time("end_time", endTime).
		Msg("Auction close scheduled")
	return nil
}

// Start begins the scheduler loop
func (s *SettlementScheduler) Start() {
	s.logger.Info().Dur("interval", s.interval).Msg("Starting settlement scheduler")
	s.wg.Add(1)
	go s.run()
}

// Stop gracefully stops the scheduler
func (s *SettlementScheduler) Stop() {
	s.logger.Info().Msg("Stopping settlement scheduler")
	s.cancel()
	s.wg.Wait()
}

func (s *SettlementScheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Store scan runs on a slower cadence than the queue drain.
	scanEvery := 30
	tick := 0

	for {
		select {
		case <-ticker.C:
			s.drainDue()
			tick++
			if tick%scanEvery == 0 {
				s.scanStore()
			}
		case <-s.ctx.Done():
			s.logger.Info().Msg("Scheduler loop stopped")
			return
		}
	}
}

// drainDue settles every queued auction whose deadline has passed.
func (s *SettlementScheduler) drainDue() {
	now := time.Now().Unix()

	due, err := s.redis.ZRangeByScore(s.ctx, deadlineKey, &redis.ZRangeBy{
		Min:   "0",
		Max:   strconv.FormatInt(now, 10),
		Count: int64(s.batchSize),
	}).Result()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read due auctions from deadline queue")
		return
	}

	for _, member := range due {
		auctionID, err := uuid.Parse(member)
		if err != nil {
			s.logger.Error().Err(err).Str("member", member).Msg("Dropping malformed deadline queue entry")
			s.redis.ZRem(s.ctx, deadlineKey, member)
			continue
		}
		s.settleOne(auctionID)
	}
}

// settleOne drives one auction through settlement and maintains its queue
// entry. Transient failures leave the entry in place so the next scan retries;
// a due auction is never silently dropped.
func (s *SettlementScheduler) settleOne(auctionID uuid.UUID) {
	result, requeueAt, err := s.settler.Settle(s.ctx, auctionID)
	if err != nil {
		s.logger.Error().Err(err).
			Str("auction_id", auctionID.String()).
			Msg("Settlement failed, leaving auction queued for retry")
		return
	}

	if requeueAt != nil {
		if err := s.ScheduleAuction(auctionID, *requeueAt); err != nil {
			s.logger.Error().Err(err).Str("auction_id", auctionID.String()).Msg("Failed to requeue extended auction")
		}
		return
	}

	if err := s.redis.ZRem(s.ctx, deadlineKey, auctionID.String()).Err(); err != nil {
		// Harmless: a terminal auction settles as a no-op on the next pass.
		s.logger.Warn().Err(err).Str("auction_id", auctionID.String()).Msg("Failed to remove settled auction from queue")
	}

	if result != nil {
		s.logger.Info().
			Str("auction_id", auctionID.String()).
			Str("outcome", string(result.Outcome)).
			Msg("Auction closed by scheduler")
	}
}

// scanStore settles due auctions straight from the store, covering deadlines
// that never made it into the Redis queue.
func (s *SettlementScheduler) scanStore() {
	if s.auctionRepo == nil {
		return
	}

	due, err := s.auctionRepo.ListDue(s.ctx, s.batchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("Store due-scan failed")
		return
	}

	for _, a := range due {
		s.settleOne(a.ID)
	}
}
