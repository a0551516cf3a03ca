// Package memstore provides in-memory versioned repositories. It backs the
// engine's tests and single-node deployments; the postgres adapter is the
// durable equivalent. One mutex guards auctions and bids together so the
// admitted-bid write (auction snapshot + winning flip + insert) is atomic.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"bazaar-auction-engine/internal/domain/auction"
	"bazaar-auction-engine/internal/domain/bid"
	"bazaar-auction-engine/internal/domain/shared"
	"bazaar-auction-engine/internal/ports/outbound"
)

// Store holds auctions and bids behind one lock.
type Store struct {
	mu       sync.RWMutex
	clock    shared.Clock
	auctions map[uuid.UUID]*auction.Auction
	bids     map[uuid.UUID]*bid.Bid
	byAuct   map[uuid.UUID][]uuid.UUID
	winning  map[uuid.UUID]uuid.UUID
	dedupe   map[dedupeKey]uuid.UUID
}

type dedupeKey struct {
	auctionID uuid.UUID
	key       string
}

// New creates an empty store reading time from clock.
func New(clock shared.Clock) *Store {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	return &Store{
		clock:    clock,
		auctions: make(map[uuid.UUID]*auction.Auction),
		bids:     make(map[uuid.UUID]*bid.Bid),
		byAuct:   make(map[uuid.UUID][]uuid.UUID),
		winning:  make(map[uuid.UUID]uuid.UUID),
		dedupe:   make(map[dedupeKey]uuid.UUID),
	}
}

// Auctions returns the auction repository view of the store.
func (s *Store) Auctions() outbound.AuctionRepository { return &auctionRepo{s} }

// Bids returns the bid repository view of the store.
func (s *Store) Bids() outbound.BidRepository { return &bidRepo{s} }

func copyAuction(a *auction.Auction) *auction.Auction {
	dup := *a
	if a.ReservePrice != nil {
		reserve := *a.ReservePrice
		dup.ReservePrice = &reserve
	}
	if a.WinnerID != nil {
		winner := *a.WinnerID
		dup.WinnerID = &winner
	}
	return &dup
}

func copyBid(b *bid.Bid) *bid.Bid {
	dup := *b
	return &dup
}

type auctionRepo struct{ s *Store }

func (r *auctionRepo) Create(_ context.Context, a *auction.Auction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, exists := r.s.auctions[a.ID]; exists {
		return shared.ErrConflict
	}
	stored := copyAuction(a)
	if stored.Version == 0 {
		stored.Version = 1
	}
	r.s.auctions[a.ID] = stored
	return nil
}

func (r *auctionRepo) GetByID(_ context.Context, id uuid.UUID) (*auction.Auction, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	stored, ok := r.s.auctions[id]
	if !ok {
		return nil, shared.ErrAuctionNotFound
	}
	return copyAuction(stored), nil
}

func (r *auctionRepo) List(_ context.Context, status *auction.Status, page, pageSize int) ([]*auction.Auction, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var all []*auction.Auction
	for _, a := range r.s.auctions {
		if status != nil && a.Status != *status {
			continue
		}
		all = append(all, copyAuction(a))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	start := (page - 1) * pageSize
	if start >= len(all) {
		return nil, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

func (r *auctionRepo) ListDue(_ context.Context, limit int) ([]*auction.Auction, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	now := r.s.clock.Now()
	var due []*auction.Auction
	for _, a := range r.s.auctions {
		if a.Status.Open() && !a.EndTime.After(now) {
			due = append(due, copyAuction(a))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].EndTime.Before(due[j].EndTime) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *auctionRepo) UpdateVersioned(_ context.Context, a *auction.Auction, expectedVersion int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.updateVersionedLocked(a, expectedVersion)
}

// updateVersionedLocked is the CAS write; callers hold the lock.
func (s *Store) updateVersionedLocked(a *auction.Auction, expectedVersion int64) error {
	stored, ok := s.auctions[a.ID]
	if !ok {
		return shared.ErrAuctionNotFound
	}
	if stored.Version != expectedVersion {
		return shared.ErrVersionMismatch
	}
	a.Version = expectedVersion + 1
	s.auctions[a.ID] = copyAuction(a)
	return nil
}

type bidRepo struct{ s *Store }

func (r *bidRepo) RecordAdmitted(_ context.Context, b *bid.Bid, a *auction.Auction, expectedVersion int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, exists := r.s.bids[b.ID]; exists {
		return shared.ErrDuplicateBid
	}
	// Key uniqueness is checked before the version so a racing duplicate
	// surfaces as a replayable duplicate, not a version conflict.
	if b.IdempotencyKey != "" {
		if _, exists := r.s.dedupe[dedupeKey{b.AuctionID, b.IdempotencyKey}]; exists {
			return shared.ErrDuplicateBid
		}
	}

	// The auction CAS write gates everything: if it fails no trace of the bid
	// remains.
	if err := r.s.updateVersionedLocked(a, expectedVersion); err != nil {
		return err
	}

	if prevID, ok := r.s.winning[b.AuctionID]; ok {
		r.s.bids[prevID].IsWinning = false
	}

	stored := copyBid(b)
	stored.IsWinning = true
	r.s.bids[b.ID] = stored
	r.s.byAuct[b.AuctionID] = append(r.s.byAuct[b.AuctionID], b.ID)
	r.s.winning[b.AuctionID] = b.ID
	if b.IdempotencyKey != "" {
		r.s.dedupe[dedupeKey{b.AuctionID, b.IdempotencyKey}] = b.ID
	}
	return nil
}

func (r *bidRepo) GetByID(_ context.Context, id uuid.UUID) (*bid.Bid, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	stored, ok := r.s.bids[id]
	if !ok {
		return nil, shared.ErrNoBidsFound
	}
	return copyBid(stored), nil
}

func (r *bidRepo) GetByIdempotencyKey(_ context.Context, auctionID uuid.UUID, key string) (*bid.Bid, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	id, ok := r.s.dedupe[dedupeKey{auctionID, key}]
	if !ok {
		return nil, shared.ErrNoBidsFound
	}
	return copyBid(r.s.bids[id]), nil
}

func (r *bidRepo) GetWinning(_ context.Context, auctionID uuid.UUID) (*bid.Bid, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	id, ok := r.s.winning[auctionID]
	if !ok {
		return nil, shared.ErrNoBidsFound
	}
	return copyBid(r.s.bids[id]), nil
}

func (r *bidRepo) ListByAuction(_ context.Context, auctionID uuid.UUID) ([]*bid.Bid, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	ids := r.s.byAuct[auctionID]
	bids := make([]*bid.Bid, 0, len(ids))
	for _, id := range ids {
		bids = append(bids, copyBid(r.s.bids[id]))
	}
	return bids, nil
}
