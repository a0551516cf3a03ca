package outbound

import (
	"context"

	"github.com/google/uuid"
)

// EventType represents the type of event fanned out to subscribers.
type EventType string

const (
	EventTypeBidPlaced         EventType = "bid.placed"
	EventTypeAuctionSettled    EventType = "auction.settled"
	EventTypeAuctionEndingSoon EventType = "auction.ending_soon"
	EventTypeAuctionCancelled  EventType = "auction.cancelled"
)

// Event is one entry in an auction's ordered topic. Seq is assigned by the
// broadcaster at publish time and increases monotonically per auction, so
// subscribers can detect gaps or duplicates and resync instead of silently
// diverging. Ordering holds only within a single auction's topic.
type Event struct {
	Seq       uint64                 `json:"seq"`
	Type      EventType              `json:"type"`
	AuctionID uuid.UUID              `json:"auction_id"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp int64                  `json:"timestamp"`
}

// Broadcaster is the per-auction ordered pub/sub fan-out. Delivery is
// at-least-once and best-effort per subscriber: a slow or dead subscriber
// never blocks the others and never affects authoritative state.
type Broadcaster interface {
	// Subscribe binds a subscriber to an auction's topic and returns the
	// receive channel. The channel closes on Unsubscribe or Close.
	Subscribe(ctx context.Context, auctionID uuid.UUID, subscriberID string) (<-chan Event, error)

	// Unsubscribe removes a subscriber from an auction's topic
	Unsubscribe(ctx context.Context, auctionID uuid.UUID, subscriberID string) error

	// Publish appends an event to the auction's topic, stamping its Seq
	Publish(ctx context.Context, auctionID uuid.UUID, event Event) error

	// Close tears down all subscriptions
	Close() error
}
