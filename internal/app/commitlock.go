package app

import (
	"sync"

	"github.com/google/uuid"
)

// CommitLock serializes the commit-to-publish window per auction. The
// versioned write alone fixes the commit order in the store, but events are
// stamped at publish time; a writer that commits first yet publishes second
// would hand subscribers a stream that contradicts the store. Holding the
// auction's lock from the write until the event is out keeps fan-out order
// equal to commit order. All services writing the same store must share one
// instance.
type CommitLock struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*commitLockEntry
}

type commitLockEntry struct {
	mu   sync.Mutex
	refs int
}

// NewCommitLock creates an empty lock registry.
func NewCommitLock() *CommitLock {
	return &CommitLock{entries: make(map[uuid.UUID]*commitLockEntry)}
}

// Lock acquires the per-auction lock, creating it on first use.
func (l *CommitLock) Lock(auctionID uuid.UUID) {
	l.mu.Lock()
	entry, ok := l.entries[auctionID]
	if !ok {
		entry = &commitLockEntry{}
		l.entries[auctionID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
}

// Unlock releases the per-auction lock and drops it once nobody waits.
func (l *CommitLock) Unlock(auctionID uuid.UUID) {
	l.mu.Lock()
	entry := l.entries[auctionID]
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, auctionID)
	}
	l.mu.Unlock()

	entry.mu.Unlock()
}
