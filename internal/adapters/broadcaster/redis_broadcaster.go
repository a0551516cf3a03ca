package broadcaster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"bazaar-auction-engine/internal/ports/outbound"
)

// RedisBroadcaster bridges the in-process fan-out across engine nodes via
// Redis pub/sub. The node committing a write stamps the sequence number and
// publishes both locally and to Redis; peers forward the already-stamped
// event to their own subscribers. A node skips its own envelopes so local
// subscribers see each event once.
//
// Seq comes from the committing node's per-topic counter, so the stream for
// one auction is well ordered only while a single node commits that
// auction's writes. Concurrent writers on separate nodes stay correct in the
// store through the versioned write, but their events would be stamped from
// independent counters and could collide. Deployments admitting bids for one
// auction on more than one node must route that auction's writes to a single
// node.
type RedisBroadcaster struct {
	local  *LocalBroadcaster
	client *redis.Client
	nodeID string
	pubsub *redis.PubSub
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// envelope is the wire form of a forwarded event.
type envelope struct {
	Origin string         `json:"origin"`
	Event  outbound.Event `json:"event"`
}

const channelPattern = "auction.events.*"

func eventChannel(auctionID uuid.UUID) string {
	return "auction.events." + auctionID.String()
}

type RedisBroadcasterParams struct {
	RedisClient *redis.Client
	Logger      zerolog.Logger
}

// NewRedisBroadcaster creates the bridge and starts its forwarding loop.
func NewRedisBroadcaster(params RedisBroadcasterParams) *RedisBroadcaster {
	ctx, cancel := context.WithCancel(context.Background())

	b := &RedisBroadcaster{
		local:  NewLocalBroadcaster(LocalBroadcasterParams{Logger: params.Logger}),
		client: params.RedisClient,
		nodeID: uuid.New().String(),
		ctx:    ctx,
		cancel: cancel,
		logger: params.Logger.With().Str("component", "redis_broadcaster").Logger(),
	}

	b.pubsub = b.client.PSubscribe(ctx, channelPattern)
	b.wg.Add(1)
	go b.forwardLoop()
	return b
}

// Subscribe implements outbound.Broadcaster.
func (b *RedisBroadcaster) Subscribe(ctx context.Context, auctionID uuid.UUID, subscriberID string) (<-chan outbound.Event, error) {
	return b.local.Subscribe(ctx, auctionID, subscriberID)
}

// Unsubscribe implements outbound.Broadcaster.
func (b *RedisBroadcaster) Unsubscribe(ctx context.Context, auctionID uuid.UUID, subscriberID string) error {
	return b.local.Unsubscribe(ctx, auctionID, subscriberID)
}

// Publish stamps the event locally, fans it out, then forwards it to peers.
// Redis being down degrades the engine to single-node delivery; the
// authoritative state write has already committed and is never affected.
func (b *RedisBroadcaster) Publish(ctx context.Context, auctionID uuid.UUID, event outbound.Event) error {
	stamped := b.local.publishStamped(auctionID, event)

	payload, err := json.Marshal(envelope{Origin: b.nodeID, Event: stamped})
	if err != nil {
		return fmt.Errorf("failed to marshal event envelope: %w", err)
	}

	if err := b.client.Publish(ctx, eventChannel(auctionID), payload).Err(); err != nil {
		b.logger.Error().Err(err).
			Str("auction_id", auctionID.String()).
			Uint64("seq", stamped.Seq).
			Msg("Failed to forward event to Redis, delivered locally only")
		return nil
	}

	b.logger.Debug().
		Str("auction_id", auctionID.String()).
		Str("event_type", string(stamped.Type)).
		Uint64("seq", stamped.Seq).
		Msg("Event published")
	return nil
}

// forwardLoop receives peer envelopes and hands them to local subscribers.
func (b *RedisBroadcaster) forwardLoop() {
	defer b.wg.Done()

	ch := b.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Error().Err(err).Str("channel", msg.Channel).Msg("Failed to unmarshal event envelope")
				continue
			}
			if env.Origin == b.nodeID {
				continue
			}
			b.local.deliver(env.Event.AuctionID, env.Event)
		case <-b.ctx.Done():
			return
		}
	}
}

// Close stops the forwarding loop and tears down local subscriptions.
func (b *RedisBroadcaster) Close() error {
	b.cancel()
	if err := b.pubsub.Close(); err != nil {
		b.logger.Error().Err(err).Msg("Error closing Redis pubsub")
	}
	b.wg.Wait()
	return b.local.Close()
}
