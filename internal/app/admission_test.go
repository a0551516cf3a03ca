package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"bazaar-auction-engine/internal/adapters/broadcaster"
	"bazaar-auction-engine/internal/adapters/memstore"
	"bazaar-auction-engine/internal/domain/auction"
	"bazaar-auction-engine/internal/domain/bid"
	"bazaar-auction-engine/internal/domain/money"
	"bazaar-auction-engine/internal/domain/shared"
	"bazaar-auction-engine/internal/ports/inbound"
	"bazaar-auction-engine/internal/ports/outbound"
)

type admissionFixture struct {
	clock   *shared.ManualClock
	store   *memstore.Store
	events  *broadcaster.LocalBroadcaster
	service *AdmissionService
}

func newAdmissionFixture(t *testing.T) *admissionFixture {
	t.Helper()
	clock := shared.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := memstore.New(clock)
	events := broadcaster.NewLocalBroadcaster(broadcaster.LocalBroadcasterParams{Logger: zerolog.Nop()})
	t.Cleanup(func() { events.Close() })

	service := NewAdmissionService(AdmissionServiceParams{
		AuctionRepo:         store.Auctions(),
		BidRepo:             store.Bids(),
		Broadcaster:         events,
		Clock:               clock,
		MaxRetries:          5,
		EndingSoonThreshold: 10 * time.Minute,
		Logger:              zerolog.Nop(),
	})
	return &admissionFixture{clock: clock, store: store, events: events, service: service}
}

func (f *admissionFixture) createAuction(t *testing.T, starting, increment string, mutate func(*auction.Auction)) *auction.Auction {
	t.Helper()
	now := f.clock.Now()
	a := &auction.Auction{
		ID:              uuid.New(),
		SellerID:        uuid.New(),
		StartingPrice:   money.MustFromString(starting),
		CurrentPrice:    money.MustFromString(starting),
		BidIncrement:    money.MustFromString(increment),
		StartTime:       now.Add(-time.Hour),
		EndTime:         now.Add(time.Hour),
		OriginalEndTime: now.Add(time.Hour),
		AntiSnipeWindow: 5 * time.Minute,
		Status:          auction.StatusActive,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if mutate != nil {
		mutate(a)
	}
	require.NoError(t, f.store.Auctions().Create(context.Background(), a))
	return a
}

func TestPlaceBidFirstBidScenario(t *testing.T) {
	f := newAdmissionFixture(t)
	a := f.createAuction(t, "10", "1", nil)
	ctx := context.Background()

	receipt, err := f.service.PlaceBid(ctx, inbound.PlaceBidRequest{
		AuctionID: a.ID,
		BidderID:  uuid.New(),
		Amount:    money.MustFromString("15"),
	})
	require.NoError(t, err)
	require.True(t, money.MustFromString("15").Equal(receipt.CurrentPrice))
	require.True(t, money.MustFromString("16").Equal(receipt.MinNextBid))
	require.Equal(t, 1, receipt.TotalBids)
	require.True(t, receipt.IsWinning)

	// An identical amount no longer clears the bar.
	_, err = f.service.PlaceBid(ctx, inbound.PlaceBidRequest{
		AuctionID: a.ID,
		BidderID:  uuid.New(),
		Amount:    money.MustFromString("15"),
	})
	require.ErrorIs(t, err, shared.ErrBidTooLow)
}

func TestPlaceBidPreconditions(t *testing.T) {
	f := newAdmissionFixture(t)
	ctx := context.Background()

	seller := uuid.New()
	a := f.createAuction(t, "10", "1", func(a *auction.Auction) { a.SellerID = seller })

	tests := []struct {
		name    string
		req     inbound.PlaceBidRequest
		wantErr error
	}{
		{
			name:    "unknown_auction",
			req:     inbound.PlaceBidRequest{AuctionID: uuid.New(), BidderID: uuid.New(), Amount: money.MustFromString("11")},
			wantErr: shared.ErrAuctionNotFound,
		},
		{
			name:    "self_bid",
			req:     inbound.PlaceBidRequest{AuctionID: a.ID, BidderID: seller, Amount: money.MustFromString("11")},
			wantErr: shared.ErrSelfBidNotAllowed,
		},
		{
			name:    "negative_amount",
			req:     inbound.PlaceBidRequest{AuctionID: a.ID, BidderID: uuid.New(), Amount: money.MustFromString("-5")},
			wantErr: shared.ErrInvalidAmount,
		},
		{
			name:    "below_starting_price",
			req:     inbound.PlaceBidRequest{AuctionID: a.ID, BidderID: uuid.New(), Amount: money.MustFromString("9.99")},
			wantErr: shared.ErrBidTooLow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.PlaceBid(ctx, tt.req)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestPlaceBidClosedAuction(t *testing.T) {
	f := newAdmissionFixture(t)
	ctx := context.Background()

	for _, status := range []auction.Status{auction.StatusPending, auction.StatusEnded, auction.StatusSold, auction.StatusCancelled} {
		a := f.createAuction(t, "10", "1", func(a *auction.Auction) { a.Status = status })
		_, err := f.service.PlaceBid(ctx, inbound.PlaceBidRequest{AuctionID: a.ID, BidderID: uuid.New(), Amount: money.MustFromString("11")})
		require.ErrorIs(t, err, shared.ErrAuctionClosed, "status %s", status)
	}

	// Deadline passed but status not yet flipped by the scheduler.
	a := f.createAuction(t, "10", "1", nil)
	f.clock.Set(a.EndTime)
	_, err := f.service.PlaceBid(ctx, inbound.PlaceBidRequest{AuctionID: a.ID, BidderID: uuid.New(), Amount: money.MustFromString("11")})
	require.ErrorIs(t, err, shared.ErrAuctionClosed)
}

func TestPlaceBidConcurrentAdmissions(t *testing.T) {
	f := newAdmissionFixture(t)
	a := f.createAuction(t, "10", "1", nil)
	ctx := context.Background()

	amounts := []string{"20", "22"}
	errs := make([]error, len(amounts))
	var wg sync.WaitGroup
	for i, amt := range amounts {
		wg.Add(1)
		go func(i int, amt string) {
			defer wg.Done()
			_, errs[i] = f.service.PlaceBid(ctx, inbound.PlaceBidRequest{
				AuctionID: a.ID,
				BidderID:  uuid.New(),
				Amount:    money.MustFromString(amt),
			})
		}(i, amt)
	}
	wg.Wait()

	// Commit order decides whether the lower bid survives revalidation, so
	// assert on the committed state rather than per-call outcomes.
	final, err := f.store.Auctions().GetByID(ctx, a.ID)
	require.NoError(t, err)

	admitted := 0
	for _, e := range errs {
		if e == nil {
			admitted++
		}
	}
	require.GreaterOrEqual(t, admitted, 1)
	require.Equal(t, admitted, final.TotalBids)
	require.True(t, money.MustFromString("22").Equal(final.CurrentPrice), "max admitted amount wins")

	bids, err := f.store.Bids().ListByAuction(ctx, a.ID)
	require.NoError(t, err)
	winners := 0
	for _, b := range bids {
		if b.IsWinning {
			winners++
		}
	}
	require.Equal(t, 1, winners)
}

func TestPlaceBidHighContentionMonotonicPrice(t *testing.T) {
	f := newAdmissionFixture(t)
	f.service.maxRetries = 50
	a := f.createAuction(t, "10", "1", nil)
	ctx := context.Background()

	const bidders = 16
	results := make([]error, bidders)
	var wg sync.WaitGroup
	for i := 0; i < bidders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			amount := money.FromMinorUnits(int64(1500 + i*200)) // 15.00, 17.00, ...
			_, results[i] = f.service.PlaceBid(ctx, inbound.PlaceBidRequest{
				AuctionID: a.ID,
				BidderID:  uuid.New(),
				Amount:    amount,
			})
		}(i)
	}
	wg.Wait()

	admitted := 0
	for _, err := range results {
		if err == nil {
			admitted++
			continue
		}
		if !errors.Is(err, shared.ErrBidTooLow) && !errors.Is(err, shared.ErrConflict) {
			t.Fatalf("unexpected rejection: %v", err)
		}
	}

	final, err := f.store.Auctions().GetByID(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, admitted, final.TotalBids)

	// The highest amount always clears whatever price it revalidates against.
	require.True(t, money.FromMinorUnits(int64(1500+(bidders-1)*200)).Equal(final.CurrentPrice))

	// Committed bid history is strictly increasing in amount.
	bids, err := f.store.Bids().ListByAuction(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, bids, admitted)
	for i := 1; i < len(bids); i++ {
		require.True(t, bids[i].Amount.GreaterThan(bids[i-1].Amount), "price must never move backwards")
	}
}

func TestPlaceBidIdempotencyKeyReplay(t *testing.T) {
	f := newAdmissionFixture(t)
	a := f.createAuction(t, "10", "1", nil)
	ctx := context.Background()
	bidder := uuid.New()

	req := inbound.PlaceBidRequest{
		AuctionID:      a.ID,
		BidderID:       bidder,
		Amount:         money.MustFromString("15"),
		IdempotencyKey: "intent-abc",
	}

	first, err := f.service.PlaceBid(ctx, req)
	require.NoError(t, err)

	// A client-side timeout retry must not double-admit the intent.
	replay, err := f.service.PlaceBid(ctx, req)
	require.NoError(t, err)
	require.Equal(t, first.BidID, replay.BidID)
	require.Equal(t, 1, replay.TotalBids)

	bids, err := f.store.Bids().ListByAuction(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, bids, 1)
}

func TestPlaceBidAntiSnipeExtends(t *testing.T) {
	f := newAdmissionFixture(t)
	a := f.createAuction(t, "10", "1", nil)
	ctx := context.Background()

	sched := &recordingScheduler{}
	f.service.scheduler = sched

	f.clock.Set(a.EndTime.Add(-2 * time.Minute))
	receipt, err := f.service.PlaceBid(ctx, inbound.PlaceBidRequest{AuctionID: a.ID, BidderID: uuid.New(), Amount: money.MustFromString("11")})
	require.NoError(t, err)

	wantEnd := f.clock.Now().Add(5 * time.Minute)
	require.True(t, wantEnd.Equal(receipt.EndTime))
	require.Len(t, sched.calls, 1, "extended deadline must be rescheduled")
	require.True(t, wantEnd.Equal(sched.calls[0].endTime))
}

func TestPlaceBidEmitsOrderedEvents(t *testing.T) {
	f := newAdmissionFixture(t)
	a := f.createAuction(t, "10", "1", nil)
	ctx := context.Background()

	ch, err := f.events.Subscribe(ctx, a.ID, "watcher")
	require.NoError(t, err)

	firstBidder := uuid.New()
	secondBidder := uuid.New()

	_, err = f.service.PlaceBid(ctx, inbound.PlaceBidRequest{AuctionID: a.ID, BidderID: firstBidder, Amount: money.MustFromString("15")})
	require.NoError(t, err)
	_, err = f.service.PlaceBid(ctx, inbound.PlaceBidRequest{AuctionID: a.ID, BidderID: secondBidder, Amount: money.MustFromString("16")})
	require.NoError(t, err)

	ev1 := <-ch
	ev2 := <-ch
	require.Equal(t, outbound.EventTypeBidPlaced, ev1.Type)
	require.Equal(t, uint64(1), ev1.Seq)
	require.Equal(t, uint64(2), ev2.Seq)

	// The second admission names the bidder it displaced.
	require.Equal(t, firstBidder.String(), ev2.Payload["previous_bidder_id"])
	require.Equal(t, "16", ev2.Payload["current_price"])
	require.Equal(t, "17", ev2.Payload["min_next_bid"])
}

func TestPlaceBidEventOrderFollowsCommitOrder(t *testing.T) {
	f := newAdmissionFixture(t)
	a := f.createAuction(t, "10", "1", nil)
	ctx := context.Background()

	gate := &gatedScheduler{entered: make(chan struct{}), release: make(chan struct{})}
	f.service.scheduler = gate

	ch, err := f.events.Subscribe(ctx, a.ID, "watcher")
	require.NoError(t, err)

	// The first bid lands in the anti-snipe window, so its deadline
	// reschedule stalls on the gate after the write commits but before any
	// event goes out. A second, higher bid arrives while the first is
	// stalled; its event must not overtake the first bid's.
	f.clock.Set(a.EndTime.Add(-2 * time.Minute))

	var wg sync.WaitGroup
	var firstErr, secondErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = f.service.PlaceBid(ctx, inbound.PlaceBidRequest{AuctionID: a.ID, BidderID: uuid.New(), Amount: money.MustFromString("20")})
	}()
	<-gate.entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, secondErr = f.service.PlaceBid(ctx, inbound.PlaceBidRequest{AuctionID: a.ID, BidderID: uuid.New(), Amount: money.MustFromString("22")})
	}()
	time.Sleep(50 * time.Millisecond)
	close(gate.release)
	wg.Wait()
	require.NoError(t, firstErr)
	require.NoError(t, secondErr)

	ev1 := <-ch
	require.Equal(t, outbound.EventTypeBidPlaced, ev1.Type)
	require.Equal(t, uint64(1), ev1.Seq)
	require.Equal(t, "20", ev1.Payload["current_price"])

	ev2 := <-ch
	require.Equal(t, outbound.EventTypeAuctionEndingSoon, ev2.Type)
	require.Equal(t, uint64(2), ev2.Seq)

	ev3 := <-ch
	require.Equal(t, outbound.EventTypeBidPlaced, ev3.Type)
	require.Equal(t, uint64(3), ev3.Seq)
	require.Equal(t, "22", ev3.Payload["current_price"])
}

func TestPlaceBidDuplicateKeyLosesWriteRaceAndReplays(t *testing.T) {
	f := newAdmissionFixture(t)
	a := f.createAuction(t, "10", "1", nil)
	ctx := context.Background()

	repo := &laggingKeyBidRepo{BidRepository: f.store.Bids()}
	f.service.bidRepo = repo

	first, err := f.service.PlaceBid(ctx, inbound.PlaceBidRequest{
		AuctionID:      a.ID,
		BidderID:       uuid.New(),
		Amount:         money.MustFromString("15"),
		IdempotencyKey: "intent-race",
	})
	require.NoError(t, err)

	// A duplicate submission whose pre-admission lookup raced ahead of the
	// first write: the store-level key check rejects the insert and the
	// caller still gets the original receipt.
	atomic.StoreInt32(&repo.misses, 1)
	replay, err := f.service.PlaceBid(ctx, inbound.PlaceBidRequest{
		AuctionID:      a.ID,
		BidderID:       uuid.New(),
		Amount:         money.MustFromString("16"),
		IdempotencyKey: "intent-race",
	})
	require.NoError(t, err)
	require.Equal(t, first.BidID, replay.BidID)

	bids, err := f.service.ListBids(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, bids, 1)
}

func TestPlaceBidConflictAfterRetryBudget(t *testing.T) {
	f := newAdmissionFixture(t)
	a := f.createAuction(t, "10", "1", nil)
	ctx := context.Background()

	f.service.bidRepo = &alwaysConflictBidRepo{inner: f.store.Bids()}

	_, err := f.service.PlaceBid(ctx, inbound.PlaceBidRequest{AuctionID: a.ID, BidderID: uuid.New(), Amount: money.MustFromString("15")})
	require.ErrorIs(t, err, shared.ErrConflict)
}

type recordingScheduler struct {
	mu    sync.Mutex
	calls []schedulerCall
}

type schedulerCall struct {
	auctionID uuid.UUID
	endTime   time.Time
}

func (r *recordingScheduler) ScheduleAuction(auctionID uuid.UUID, endTime time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, schedulerCall{auctionID, endTime})
	return nil
}

// gatedScheduler blocks its first reschedule until released, holding the
// caller between its committed write and its event fan-out.
type gatedScheduler struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedScheduler) ScheduleAuction(uuid.UUID, time.Time) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return nil
}

// laggingKeyBidRepo makes the key index miss a configurable number of
// lookups, standing in for a reader racing ahead of a concurrent write.
type laggingKeyBidRepo struct {
	outbound.BidRepository
	misses int32
}

func (r *laggingKeyBidRepo) GetByIdempotencyKey(ctx context.Context, auctionID uuid.UUID, key string) (*bid.Bid, error) {
	if atomic.AddInt32(&r.misses, -1) >= 0 {
		return nil, shared.ErrNoBidsFound
	}
	return r.BidRepository.GetByIdempotencyKey(ctx, auctionID, key)
}

// alwaysConflictBidRepo simulates a permanently contended auction row.
type alwaysConflictBidRepo struct {
	inner outbound.BidRepository
}

func (r *alwaysConflictBidRepo) RecordAdmitted(context.Context, *bid.Bid, *auction.Auction, int64) error {
	return shared.ErrVersionMismatch
}

func (r *alwaysConflictBidRepo) GetByID(ctx context.Context, id uuid.UUID) (*bid.Bid, error) {
	return r.inner.GetByID(ctx, id)
}

func (r *alwaysConflictBidRepo) GetByIdempotencyKey(ctx context.Context, auctionID uuid.UUID, key string) (*bid.Bid, error) {
	return r.inner.GetByIdempotencyKey(ctx, auctionID, key)
}

func (r *alwaysConflictBidRepo) GetWinning(ctx context.Context, auctionID uuid.UUID) (*bid.Bid, error) {
	return r.inner.GetWinning(ctx, auctionID)
}

func (r *alwaysConflictBidRepo) ListByAuction(ctx context.Context, auctionID uuid.UUID) ([]*bid.Bid, error) {
	return r.inner.ListByAuction(ctx, auctionID)
}
