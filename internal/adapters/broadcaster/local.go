package broadcaster

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/smallnest/chanx"

	"bazaar-auction-engine/internal/ports/outbound"
)

// LocalBroadcaster fans events out to in-process subscribers, one ordered
// topic per auction. Sequence numbers are stamped at publish under the topic
// lock, so subscribers of one auction observe a strictly increasing seq.
// Per-subscriber buffers are unbounded, which keeps a slow consumer from ever
// blocking the publisher or its sibling subscribers; the subscriber detects
// its own lag from seq gaps after a resync.
type LocalBroadcaster struct {
	mu     sync.RWMutex
	topics map[uuid.UUID]*topic
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
}

type topic struct {
	mu   sync.Mutex
	seq  uint64
	subs map[string]*chanx.UnboundedChan[outbound.Event]
}

type LocalBroadcasterParams struct {
	Logger zerolog.Logger
}

// NewLocalBroadcaster creates an in-process broadcaster.
func NewLocalBroadcaster(params LocalBroadcasterParams) *LocalBroadcaster {
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalBroadcaster{
		topics: make(map[uuid.UUID]*topic),
		ctx:    ctx,
		cancel: cancel,
		logger: params.Logger.With().Str("component", "broadcaster").Logger(),
	}
}

// Subscribe binds subscriberID to the auction's topic. Subscribing twice with
// the same id replaces the previous channel, closing it.
func (b *LocalBroadcaster) Subscribe(_ context.Context, auctionID uuid.UUID, subscriberID string) (<-chan outbound.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, context.Canceled
	}

	t, ok := b.topics[auctionID]
	if !ok {
		t = &topic{subs: make(map[string]*chanx.UnboundedChan[outbound.Event])}
		b.topics[auctionID] = t
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, exists := t.subs[subscriberID]; exists {
		close(prev.In)
	}
	ch := chanx.NewUnboundedChan[outbound.Event](b.ctx, 16)
	t.subs[subscriberID] = ch

	b.logger.Debug().
		Str("auction_id", auctionID.String()).
		Str("subscriber_id", subscriberID).
		Msg("Subscriber attached to auction topic")
	return ch.Out, nil
}

// Unsubscribe detaches subscriberID from the auction's topic and closes its
// channel. Idle topics are dropped.
func (b *LocalBroadcaster) Unsubscribe(_ context.Context, auctionID uuid.UUID, subscriberID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[auctionID]
	if !ok {
		return nil
	}

	t.mu.Lock()
	if ch, exists := t.subs[subscriberID]; exists {
		close(ch.In)
		delete(t.subs, subscriberID)
	}
	idle := len(t.subs) == 0
	t.mu.Unlock()

	if idle {
		delete(b.topics, auctionID)
	}
	return nil
}

// Publish stamps the event with the topic's next sequence number and fans it
// out. Returns the stamped event so bridges can forward it unchanged.
func (b *LocalBroadcaster) publishStamped(auctionID uuid.UUID, event outbound.Event) outbound.Event {
	b.mu.Lock()
	t, ok := b.topics[auctionID]
	if !ok {
		t = &topic{subs: make(map[string]*chanx.UnboundedChan[outbound.Event])}
		b.topics[auctionID] = t
	}
	b.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	event.Seq = t.seq
	event.AuctionID = auctionID
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	for _, ch := range t.subs {
		ch.In <- event
	}
	return event
}

// Publish implements outbound.Broadcaster.
func (b *LocalBroadcaster) Publish(_ context.Context, auctionID uuid.UUID, event outbound.Event) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return context.Canceled
	}

	stamped := b.publishStamped(auctionID, event)
	b.logger.Debug().
		Str("auction_id", auctionID.String()).
		Str("event_type", string(stamped.Type)).
		Uint64("seq", stamped.Seq).
		Msg("Event published")
	return nil
}

// deliver fans out an event that already carries a sequence number (one
// stamped by the node that committed the write). The topic counter tracks the
// highest seq seen so local publishes stay ahead of forwarded ones.
func (b *LocalBroadcaster) deliver(auctionID uuid.UUID, event outbound.Event) {
	b.mu.RLock()
	t, ok := b.topics[auctionID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if event.Seq > t.seq {
		t.seq = event.Seq
	}
	for _, ch := range t.subs {
		ch.In <- event
	}
}

// Close tears down every subscription.
func (b *LocalBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.cancel()

	for auctionID, t := range b.topics {
		t.mu.Lock()
		for id, ch := range t.subs {
			close(ch.In)
			delete(t.subs, id)
		}
		t.mu.Unlock()
		delete(b.topics, auctionID)
	}
	return nil
}
