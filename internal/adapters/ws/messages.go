package ws

import (
	"encoding/json"
	"fmt"
	"time"

	"bazaar-auction-engine/internal/domain/shared"

	"github.com/google/uuid"
)

type MessageType string

const (
	// Client to Server message types
	MessageTypeSubscribe      MessageType = "subscribe"
	MessageTypeUnsubscribe    MessageType = "unsubscribe"
	MessageTypePlaceBid       MessageType = "place_bid"
	MessageTypeCreateAuction  MessageType = "create_auction"
	MessageTypeApproveAuction MessageType = "approve_auction"
	MessageTypeCancelAuction  MessageType = "cancel_auction"
	MessageTypeGetAuction     MessageType = "get_auction"
	MessageTypeListAuctions   MessageType = "list_auctions"
	MessageTypeListBids       MessageType = "list_bids"
	MessageTypePing           MessageType = "ping"

	// Server to Client message types
	MessageTypeBidReceipt        MessageType = "bid_receipt"
	MessageTypeBidPlaced         MessageType = "bid_placed"
	MessageTypeAuctionSettled    MessageType = "auction_settled"
	MessageTypeAuctionEndingSoon MessageType = "auction_ending_soon"
	MessageTypeAuctionCancelled  MessageType = "auction_cancelled"
	MessageTypeAuctionCreated    MessageType = "auction_created"
	MessageTypeAuctionUpdate     MessageType = "auction_update"
	MessageTypeError             MessageType = "error"
	MessageTypePong              MessageType = "pong"
)

type ClientMessage struct {
	Type      MessageType            `json:"type"`
	AuctionID *uuid.UUID             `json:"auction_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// ServerMessage represents a message sent from server to client. Seq is set
// only on messages derived from a topic event; clients use it to detect gaps
// within one auction's stream.
type ServerMessage struct {
	Type      MessageType            `json:"type"`
	AuctionID *uuid.UUID             `json:"auction_id,omitempty"`
	Seq       *uint64                `json:"seq,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Error     *string                `json:"error,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

func NewServerMessage(msgType MessageType) *ServerMessage {
	return &ServerMessage{
		Type:      msgType,
		Data:      make(map[string]interface{}),
		Timestamp: time.Now().Unix(),
	}
}

func NewErrorMessage(err string, auctionID *uuid.UUID) *ServerMessage {
	return &ServerMessage{
		Type:      MessageTypeError,
		AuctionID: auctionID,
		Error:     &err,
		Timestamp: time.Now().Unix(),
	}
}

func (m *ClientMessage) validateAuctionID() error {
	if m.AuctionID == nil || *m.AuctionID == uuid.Nil {
		return shared.ErrAuctionIDRequired
	}
	return nil
}

// ParseClientMessage parses a JSON message from client
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse client message: %w", err)
	}

	if msg.Type == "" {
		return nil, shared.ErrMessageTypeRequired
	}

	return &msg, nil
}

// Validate validates a client message. Prices travel as decimal strings, not
// JSON numbers; parsing happens in the handler.
func (m *ClientMessage) Validate() error {
	switch m.Type {
	case MessageTypeSubscribe, MessageTypeUnsubscribe, MessageTypeGetAuction,
		MessageTypeApproveAuction, MessageTypeCancelAuction, MessageTypeListBids:
		if err := m.validateAuctionID(); err != nil {
			return err
		}
	case MessageTypePlaceBid:
		if err := m.validateAuctionID(); err != nil {
			return err
		}
		if amount, ok := m.Data["amount"].(string); !ok || amount == "" {
			return shared.ErrAmountRequired
		}
	case MessageTypeCreateAuction:
		if m.Data["start_time"] == nil {
			return shared.ErrInvalidStartTime
		}
		if m.Data["end_time"] == nil {
			return shared.ErrInvalidEndTime
		}
		if m.Data["starting_price"] == nil {
			return shared.ErrInvalidPrice
		}
		if m.Data["bid_increment"] == nil {
			return shared.ErrInvalidIncrement
		}
	case MessageTypeListAuctions:

	case MessageTypePing:

	default:
		return shared.ErrUnknownMessageType
	}

	return nil
}
