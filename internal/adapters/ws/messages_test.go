package ws

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"bazaar-auction-engine/internal/domain/shared"
)

func TestParseClientMessage(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		msg, err := ParseClientMessage([]byte(`{"type":"ping"}`))
		require.NoError(t, err)
		require.Equal(t, MessageTypePing, msg.Type)
	})

	t.Run("not_json", func(t *testing.T) {
		_, err := ParseClientMessage([]byte(`{`))
		require.Error(t, err)
	})

	t.Run("missing_type", func(t *testing.T) {
		_, err := ParseClientMessage([]byte(`{"data":{}}`))
		require.ErrorIs(t, err, shared.ErrMessageTypeRequired)
	})
}

func TestClientMessageValidate(t *testing.T) {
	auctionID := uuid.New()

	tests := []struct {
		name    string
		msg     ClientMessage
		wantErr error
	}{
		{
			name:    "subscribe_without_auction_id",
			msg:     ClientMessage{Type: MessageTypeSubscribe},
			wantErr: shared.ErrAuctionIDRequired,
		},
		{
			name:    "place_bid_without_amount",
			msg:     ClientMessage{Type: MessageTypePlaceBid, AuctionID: &auctionID, Data: map[string]interface{}{}},
			wantErr: shared.ErrAmountRequired,
		},
		{
			name: "place_bid_numeric_amount_rejected",
			msg: ClientMessage{Type: MessageTypePlaceBid, AuctionID: &auctionID, Data: map[string]interface{}{
				"amount": 15.0,
			}},
			wantErr: shared.ErrAmountRequired,
		},
		{
			name: "place_bid_with_string_amount",
			msg: ClientMessage{Type: MessageTypePlaceBid, AuctionID: &auctionID, Data: map[string]interface{}{
				"amount": "15.00",
			}},
		},
		{
			name: "create_auction_missing_increment",
			msg: ClientMessage{Type: MessageTypeCreateAuction, Data: map[string]interface{}{
				"start_time":     "2025-06-01T12:00:00Z",
				"end_time":       "2025-06-01T13:00:00Z",
				"starting_price": "10",
			}},
			wantErr: shared.ErrInvalidIncrement,
		},
		{
			name:    "unknown_type",
			msg:     ClientMessage{Type: "shout"},
			wantErr: shared.ErrUnknownMessageType,
		},
		{
			name: "list_auctions_needs_nothing",
			msg:  ClientMessage{Type: MessageTypeListAuctions},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}
