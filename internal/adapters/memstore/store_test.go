package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"bazaar-auction-engine/internal/domain/auction"
	"bazaar-auction-engine/internal/domain/bid"
	"bazaar-auction-engine/internal/domain/money"
	"bazaar-auction-engine/internal/domain/shared"
)

func newAuction(clock shared.Clock) *auction.Auction {
	now := clock.Now()
	return &auction.Auction{
		ID:              uuid.New(),
		SellerID:        uuid.New(),
		StartingPrice:   money.MustFromString("10"),
		CurrentPrice:    money.MustFromString("10"),
		BidIncrement:    money.MustFromString("1"),
		StartTime:       now,
		EndTime:         now.Add(time.Hour),
		OriginalEndTime: now.Add(time.Hour),
		Status:          auction.StatusActive,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestUpdateVersionedRejectsStaleWrite(t *testing.T) {
	ctx := context.Background()
	clock := shared.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := New(clock)

	a := newAuction(clock)
	require.NoError(t, store.Auctions().Create(ctx, a))

	read, err := store.Auctions().GetByID(ctx, a.ID)
	require.NoError(t, err)

	readVersion := read.Version

	// First writer wins.
	read.CurrentPrice = money.MustFromString("15")
	require.NoError(t, store.Auctions().UpdateVersioned(ctx, read, readVersion))
	require.Equal(t, readVersion+1, read.Version)

	// Second writer holding the stale version loses.
	stale := *read
	stale.CurrentPrice = money.MustFromString("12")
	err = store.Auctions().UpdateVersioned(ctx, &stale, readVersion)
	require.ErrorIs(t, err, shared.ErrVersionMismatch)

	final, err := store.Auctions().GetByID(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, money.MustFromString("15").Equal(final.CurrentPrice))
	require.Equal(t, readVersion+1, final.Version)
}

func TestRecordAdmittedFlipsWinningBid(t *testing.T) {
	ctx := context.Background()
	clock := shared.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := New(clock)

	a := newAuction(clock)
	require.NoError(t, store.Auctions().Create(ctx, a))

	first := &bid.Bid{ID: uuid.New(), AuctionID: a.ID, BidderID: uuid.New(), Amount: money.MustFromString("15"), CreatedAt: clock.Now()}
	snap1, _ := store.Auctions().GetByID(ctx, a.ID)
	snap1.CurrentPrice = first.Amount
	snap1.TotalBids = 1
	require.NoError(t, store.Bids().RecordAdmitted(ctx, first, snap1, snap1.Version))

	second := &bid.Bid{ID: uuid.New(), AuctionID: a.ID, BidderID: uuid.New(), Amount: money.MustFromString("16"), CreatedAt: clock.Now()}
	snap2, _ := store.Auctions().GetByID(ctx, a.ID)
	snap2.CurrentPrice = second.Amount
	snap2.TotalBids = 2
	require.NoError(t, store.Bids().RecordAdmitted(ctx, second, snap2, snap2.Version))

	winning, err := store.Bids().GetWinning(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, second.ID, winning.ID)

	all, err := store.Bids().ListByAuction(ctx, a.ID)
	require.NoError(t, err)
	winners := 0
	for _, b := range all {
		if b.IsWinning {
			winners++
		}
	}
	require.Equal(t, 1, winners, "at most one winning bid per auction")
}

func TestRecordAdmittedLeavesNoTraceOnVersionMismatch(t *testing.T) {
	ctx := context.Background()
	clock := shared.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := New(clock)

	a := newAuction(clock)
	require.NoError(t, store.Auctions().Create(ctx, a))

	b := &bid.Bid{ID: uuid.New(), AuctionID: a.ID, BidderID: uuid.New(), Amount: money.MustFromString("15"), CreatedAt: clock.Now()}
	snap, _ := store.Auctions().GetByID(ctx, a.ID)
	snap.CurrentPrice = b.Amount
	snap.TotalBids = 1

	err := store.Bids().RecordAdmitted(ctx, b, snap, snap.Version+7)
	require.ErrorIs(t, err, shared.ErrVersionMismatch)

	_, err = store.Bids().GetByID(ctx, b.ID)
	require.ErrorIs(t, err, shared.ErrNoBidsFound)
	_, err = store.Bids().GetWinning(ctx, a.ID)
	require.ErrorIs(t, err, shared.ErrNoBidsFound)
}

func TestGetByIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	clock := shared.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := New(clock)

	a := newAuction(clock)
	require.NoError(t, store.Auctions().Create(ctx, a))

	b := &bid.Bid{ID: uuid.New(), AuctionID: a.ID, BidderID: uuid.New(), Amount: money.MustFromString("15"), IdempotencyKey: "intent-1", CreatedAt: clock.Now()}
	snap, _ := store.Auctions().GetByID(ctx, a.ID)
	snap.CurrentPrice = b.Amount
	snap.TotalBids = 1
	require.NoError(t, store.Bids().RecordAdmitted(ctx, b, snap, snap.Version))

	found, err := store.Bids().GetByIdempotencyKey(ctx, a.ID, "intent-1")
	require.NoError(t, err)
	require.Equal(t, b.ID, found.ID)

	_, err = store.Bids().GetByIdempotencyKey(ctx, a.ID, "intent-2")
	require.ErrorIs(t, err, shared.ErrNoBidsFound)
}

func TestRecordAdmittedRejectsDuplicateIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	clock := shared.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := New(clock)

	a := newAuction(clock)
	require.NoError(t, store.Auctions().Create(ctx, a))

	first := &bid.Bid{ID: uuid.New(), AuctionID: a.ID, BidderID: uuid.New(), Amount: money.MustFromString("15"), IdempotencyKey: "intent-1", CreatedAt: clock.Now()}
	snap1, _ := store.Auctions().GetByID(ctx, a.ID)
	snap1.CurrentPrice = first.Amount
	snap1.TotalBids = 1
	require.NoError(t, store.Bids().RecordAdmitted(ctx, first, snap1, snap1.Version))

	// Same key again with a fresh snapshot: rejected as a duplicate, not as
	// a version conflict, and the store is untouched.
	dup := &bid.Bid{ID: uuid.New(), AuctionID: a.ID, BidderID: uuid.New(), Amount: money.MustFromString("16"), IdempotencyKey: "intent-1", CreatedAt: clock.Now()}
	snap2, _ := store.Auctions().GetByID(ctx, a.ID)
	snap2.CurrentPrice = dup.Amount
	snap2.TotalBids = 2

	err := store.Bids().RecordAdmitted(ctx, dup, snap2, snap2.Version)
	require.ErrorIs(t, err, shared.ErrDuplicateBid)

	_, err = store.Bids().GetByID(ctx, dup.ID)
	require.ErrorIs(t, err, shared.ErrNoBidsFound)

	final, err := store.Auctions().GetByID(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, snap1.Version, final.Version)
	require.True(t, first.Amount.Equal(final.CurrentPrice))
}

func TestListDue(t *testing.T) {
	ctx := context.Background()
	clock := shared.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := New(clock)

	due := newAuction(clock)
	due.EndTime = clock.Now().Add(-time.Minute)
	require.NoError(t, store.Auctions().Create(ctx, due))

	open := newAuction(clock)
	require.NoError(t, store.Auctions().Create(ctx, open))

	closed := newAuction(clock)
	closed.EndTime = clock.Now().Add(-time.Minute)
	closed.Status = auction.StatusEnded
	require.NoError(t, store.Auctions().Create(ctx, closed))

	result, err := store.Auctions().ListDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, due.ID, result[0].ID)
}
