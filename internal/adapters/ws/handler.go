package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"bazaar-auction-engine/internal/domain/auction"
	"bazaar-auction-engine/internal/domain/money"
	"bazaar-auction-engine/internal/domain/shared"
	"bazaar-auction-engine/internal/ports/inbound"
	"bazaar-auction-engine/internal/ports/outbound"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WsHandler manages WebSocket connections and message routing
type WsHandler struct {
	clients          map[string]*WsClient // clientID -> Client
	clientsMu        sync.RWMutex
	subscriptions    map[string]map[uuid.UUID]struct{} // clientID -> subscribed auctions
	subscriptionsMu  sync.Mutex
	upgrader         websocket.Upgrader
	auctionService   inbound.AuctionService
	admissionService inbound.AdmissionService
	broadcaster      outbound.Broadcaster
	logger           zerolog.Logger
}

type WsHandlerParams struct {
	Upgrader         websocket.Upgrader
	AuctionService   inbound.AuctionService
	AdmissionService inbound.AdmissionService
	Broadcaster      outbound.Broadcaster
	Logger           zerolog.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(params WsHandlerParams) *WsHandler {
	return &WsHandler{
		clients:          make(map[string]*WsClient),
		subscriptions:    make(map[string]map[uuid.UUID]struct{}),
		upgrader:         params.Upgrader,
		auctionService:   params.AuctionService,
		admissionService: params.AdmissionService,
		broadcaster:      params.Broadcaster,
		logger:           params.Logger.With().Str("component", "ws_handler").Logger(),
	}
}

// HandleWebSocket handles WebSocket connection upgrades
func (handler *WsHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userIDStr := r.URL.Query().Get("user_id")
	if userIDStr == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		http.Error(w, "invalid user_id format", http.StatusBadRequest)
		return
	}

	conn, err := handler.upgrader.Upgrade(w, r, nil)
	if err != nil {
		handler.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := NewClient(WsClientParams{
		UserID:  userID,
		Conn:    conn,
		Handler: handler,
		Logger:  handler.logger,
	})

	handler.registerClient(client)
	client.Start()

	// Wait for client to disconnect
	go func() {
		<-client.ctx.Done()
		handler.unregisterClient(client)
	}()

	handler.logger.Info().Str("client_id", client.id).Str("user_id", client.userID.String()).Msg("WebSocket client connected")
}

func (handler *WsHandler) registerClient(client *WsClient) {
	handler.clientsMu.Lock()
	defer handler.clientsMu.Unlock()
	handler.clients[client.id] = client
	handler.logger.Debug().Str("client_id", client.id).Int("total_clients", len(handler.clients)).Msg("Client registered")
}

func (handler *WsHandler) unregisterClient(client *WsClient) {
	handler.clientsMu.Lock()
	delete(handler.clients, client.id)
	total := len(handler.clients)
	handler.clientsMu.Unlock()

	// Drop every topic subscription the client held; each Unsubscribe closes
	// the corresponding forwarder's channel and ends its goroutine.
	handler.subscriptionsMu.Lock()
	topics := handler.subscriptions[client.id]
	delete(handler.subscriptions, client.id)
	handler.subscriptionsMu.Unlock()

	ctx := context.Background()
	for auctionID := range topics {
		if err := handler.broadcaster.Unsubscribe(ctx, auctionID, client.id); err != nil {
			handler.logger.Error().Err(err).Str("client_id", client.id).Str("auction_id", auctionID.String()).Msg("Failed to drop subscription on disconnect")
		}
	}

	client.Stop()

	handler.logger.Info().Str("client_id", client.id).Str("user_id", client.userID.String()).Int("total_clients", total).Msg("WebSocket client disconnected")
}

func (handler *WsHandler) trackSubscription(clientID string, auctionID uuid.UUID) {
	handler.subscriptionsMu.Lock()
	defer handler.subscriptionsMu.Unlock()
	if handler.subscriptions[clientID] == nil {
		handler.subscriptions[clientID] = make(map[uuid.UUID]struct{})
	}
	handler.subscriptions[clientID][auctionID] = struct{}{}
}

func (handler *WsHandler) untrackSubscription(clientID string, auctionID uuid.UUID) {
	handler.subscriptionsMu.Lock()
	defer handler.subscriptionsMu.Unlock()
	delete(handler.subscriptions[clientID], auctionID)
}

// forwardEvents drains one topic subscription into the client's send queue.
// Ends when the subscription channel closes (unsubscribe or broadcaster
// shutdown) or the client disconnects.
func (handler *WsHandler) forwardEvents(client *WsClient, auctionID uuid.UUID, events <-chan outbound.Event) {
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := client.Send(handler.convertEventToMessage(event)); err != nil {
				handler.logger.Debug().
					Err(err).Str("client_id", client.id).Str("auction_id", auctionID.String()).Msg("Dropped event for client")
			}
		case <-client.ctx.Done():
			return
		}
	}
}

func (handler *WsHandler) HandleClientMessage(client *WsClient, msg *ClientMessage) error {
	switch msg.Type {
	case MessageTypeSubscribe:
		return handler.handleSubscribe(client, msg)

	case MessageTypeUnsubscribe:
		return handler.handleUnsubscribe(client, msg)

	case MessageTypePlaceBid:
		return handler.handlePlaceBid(client, msg)

	case MessageTypeCreateAuction:
		return handler.handleCreateAuction(client, msg)

	case MessageTypeApproveAuction:
		return handler.handleApproveAuction(client, msg)

	case MessageTypeCancelAuction:
		return handler.handleCancelAuction(client, msg)

	case MessageTypeGetAuction:
		return handler.handleGetAuction(client, msg)

	case MessageTypeListAuctions:
		return handler.handleListAuctions(client, msg)

	case MessageTypeListBids:
		return handler.handleListBids(client, msg)

	default:
		handler.logger.Warn().Str("client_id", client.id).Str("message_type", string(msg.Type)).Msg("Unknown message type from client")
		return shared.ErrUnknownMessageType
	}
}

func (handler *WsHandler) convertEventToMessage(event outbound.Event) *ServerMessage {
	msg := &ServerMessage{
		AuctionID: &event.AuctionID,
		Data:      event.Payload,
		Timestamp: event.Timestamp,
	}
	seq := event.Seq
	msg.Seq = &seq

	switch event.Type {
	case outbound.EventTypeBidPlaced:
		msg.Type = MessageTypeBidPlaced
	case outbound.EventTypeAuctionSettled:
		msg.Type = MessageTypeAuctionSettled
	case outbound.EventTypeAuctionEndingSoon:
		msg.Type = MessageTypeAuctionEndingSoon
	case outbound.EventTypeAuctionCancelled:
		msg.Type = MessageTypeAuctionCancelled
	default:
		msg.Type = MessageTypeAuctionUpdate
	}
	return msg
}

// GetConnectedClients returns the number of connected clients
func (handler *WsHandler) GetConnectedClients() int {
	handler.clientsMu.RLock()
	defer handler.clientsMu.RUnlock()
	return len(handler.clients)
}

func (handler *WsHandler) handleSubscribe(client *WsClient, msg *ClientMessage) error {
	events, err := handler.broadcaster.Subscribe(context.Background(), *msg.AuctionID, client.id)
	if err != nil {
		handler.logger.Error().Err(err).Str("client_id", client.id).Str("auction_id", msg.AuctionID.String()).Msg("Failed to subscribe to auction")
		return err
	}
	handler.trackSubscription(client.id, *msg.AuctionID)
	go handler.forwardEvents(client, *msg.AuctionID, events)

	response := NewServerMessage(MessageTypeAuctionUpdate)
	response.AuctionID = msg.AuctionID
	response.Data["status"] = "subscribed"

	handler.logger.Info().Str("client_id", client.id).Str("auction_id", msg.AuctionID.String()).Msg("Client subscribed to auction")
	return client.Send(response)
}

// handleUnsubscribe handles unsubscription from auction events
func (handler *WsHandler) handleUnsubscribe(client *WsClient, msg *ClientMessage) error {
	if err := handler.broadcaster.Unsubscribe(context.Background(), *msg.AuctionID, client.id); err != nil {
		return err
	}
	handler.untrackSubscription(client.id, *msg.AuctionID)

	response := NewServerMessage(MessageTypeAuctionUpdate)
	response.AuctionID = msg.AuctionID
	response.Data["status"] = "unsubscribed"

	handler.logger.Info().Str("client_id", client.id).Str("auction_id", msg.AuctionID.String()).Msg("Client unsubscribed from auction")
	return client.Send(response)
}

// handlePlaceBid handles bid placement
func (handler *WsHandler) handlePlaceBid(client *WsClient, msg *ClientMessage) error {
	amountStr, _ := msg.Data["amount"].(string)
	amount, err := money.FromString(amountStr)
	if err != nil {
		return shared.ErrInvalidAmount
	}

	idempotencyKey, _ := msg.Data["idempotency_key"].(string)

	receipt, err := handler.admissionService.PlaceBid(context.Background(), inbound.PlaceBidRequest{
		AuctionID:      *msg.AuctionID,
		BidderID:       client.userID,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		errorMsg := NewErrorMessage(err.Error(), msg.AuctionID)
		return client.Send(errorMsg)
	}

	handler.logger.Info().Str("bid_id", receipt.BidID.String()).Str("auction_id", msg.AuctionID.String()).Str("user_id", client.userID.String()).Str("amount", amount.String()).Msg("Bid placed successfully")

	response := NewServerMessage(MessageTypeBidReceipt)
	response.AuctionID = msg.AuctionID
	response.Data["bid_id"] = receipt.BidID.String()
	response.Data["current_price"] = receipt.CurrentPrice.String()
	response.Data["min_next_bid"] = receipt.MinNextBid.String()
	response.Data["total_bids"] = receipt.TotalBids
	response.Data["is_winning"] = receipt.IsWinning
	response.Data["end_time"] = receipt.EndTime.UTC().Format(time.RFC3339)
	return client.Send(response)
}

// handleCreateAuction handles auction creation
func (handler *WsHandler) handleCreateAuction(client *WsClient, msg *ClientMessage) error {
	startTimeStr, ok := msg.Data["start_time"].(string)
	if !ok {
		return shared.ErrInvalidStartTime
	}

	endTimeStr, ok := msg.Data["end_time"].(string)
	if !ok {
		return shared.ErrInvalidEndTime
	}

	startingPriceStr, ok := msg.Data["starting_price"].(string)
	if !ok {
		return shared.ErrInvalidPrice
	}
	startingPrice, err := money.FromString(startingPriceStr)
	if err != nil {
		return shared.ErrInvalidPrice
	}

	incrementStr, ok := msg.Data["bid_increment"].(string)
	if !ok {
		return shared.ErrInvalidIncrement
	}
	increment, err := money.FromString(incrementStr)
	if err != nil {
		return shared.ErrInvalidIncrement
	}

	var reservePrice *money.Amount
	if reserveStr, ok := msg.Data["reserve_price"].(string); ok && reserveStr != "" {
		reserve, err := money.FromString(reserveStr)
		if err != nil {
			return shared.ErrInvalidReserve
		}
		reservePrice = &reserve
	}

	var antiSnipeWindow time.Duration
	if secs, ok := msg.Data["anti_snipe_seconds"].(float64); ok {
		antiSnipeWindow = time.Duration(secs) * time.Second
	}

	created, err := handler.auctionService.CreateAuction(context.Background(), inbound.CreateAuctionRequest{
		SellerID:        client.userID,
		StartingPrice:   startingPrice,
		ReservePrice:    reservePrice,
		BidIncrement:    increment,
		StartTime:       startTimeStr,
		EndTime:         endTimeStr,
		AntiSnipeWindow: antiSnipeWindow,
	})
	if err != nil {
		errorMsg := NewErrorMessage(err.Error(), nil)
		return client.Send(errorMsg)
	}

	response := handler.createAuctionResponse(created, MessageTypeAuctionCreated, nil)

	handler.logger.Info().Str("auction_id", created.ID.String()).Str("user_id", client.userID.String()).Msg("Auction created successfully")
	return client.Send(response)
}

// handleApproveAuction moves a pending auction to active
func (handler *WsHandler) handleApproveAuction(client *WsClient, msg *ClientMessage) error {
	approved, err := handler.auctionService.ApproveAuction(context.Background(), *msg.AuctionID)
	if err != nil {
		errorMsg := NewErrorMessage(err.Error(), msg.AuctionID)
		return client.Send(errorMsg)
	}

	handler.logger.Info().Str("auction_id", approved.ID.String()).Str("user_id", client.userID.String()).Msg("Auction approved")
	return client.Send(handler.createAuctionResponse(approved, MessageTypeAuctionUpdate, msg.AuctionID))
}

// handleCancelAuction withdraws an auction on behalf of the connected seller
func (handler *WsHandler) handleCancelAuction(client *WsClient, msg *ClientMessage) error {
	cancelled, err := handler.auctionService.CancelAuction(context.Background(), *msg.AuctionID, client.userID)
	if err != nil {
		errorMsg := NewErrorMessage(err.Error(), msg.AuctionID)
		return client.Send(errorMsg)
	}

	handler.logger.Info().Str("auction_id", cancelled.ID.String()).Str("user_id", client.userID.String()).Msg("Auction cancelled")
	return client.Send(handler.createAuctionResponse(cancelled, MessageTypeAuctionUpdate, msg.AuctionID))
}

// handleGetAuction handles getting auction details
func (handler *WsHandler) handleGetAuction(client *WsClient, msg *ClientMessage) error {
	found, err := handler.auctionService.GetAuction(context.Background(), *msg.AuctionID)
	if err != nil {
		errorMsg := NewErrorMessage(err.Error(), msg.AuctionID)
		return client.Send(errorMsg)
	}

	return client.Send(handler.createAuctionResponse(found, MessageTypeAuctionUpdate, msg.AuctionID))
}

// handleListAuctions handles listing auctions
func (handler *WsHandler) handleListAuctions(client *WsClient, msg *ClientMessage) error {
	page := 1
	if pageVal, ok := msg.Data["page"].(float64); ok {
		page = int(pageVal)
	}

	pageSize := 10
	if sizeVal, ok := msg.Data["page_size"].(float64); ok {
		pageSize = int(sizeVal)
	}

	var status *auction.Status
	if statusStr, ok := msg.Data["status"].(string); ok && statusStr != "" {
		s := auction.Status(statusStr)
		status = &s
	}

	auctions, err := handler.auctionService.ListAuctions(context.Background(), inbound.ListAuctionsRequest{
		Status:   status,
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		errorMsg := NewErrorMessage(err.Error(), nil)
		return client.Send(errorMsg)
	}

	response := NewServerMessage(MessageTypeAuctionUpdate)
	response.Data["auctions"] = auctions
	response.Data["count"] = len(auctions)

	return client.Send(response)
}

// handleListBids returns the bid history of one auction
func (handler *WsHandler) handleListBids(client *WsClient, msg *ClientMessage) error {
	bids, err := handler.admissionService.ListBids(context.Background(), *msg.AuctionID)
	if err != nil {
		errorMsg := NewErrorMessage(err.Error(), msg.AuctionID)
		return client.Send(errorMsg)
	}

	response := NewServerMessage(MessageTypeAuctionUpdate)
	response.AuctionID = msg.AuctionID
	response.Data["bids"] = bids
	response.Data["count"] = len(bids)

	return client.Send(response)
}

func (handler *WsHandler) createAuctionResponse(a *auction.Auction, msgType MessageType, auctionID *uuid.UUID) *ServerMessage {
	response := NewServerMessage(msgType)
	if auctionID != nil {
		response.AuctionID = auctionID
	}

	// Reserve price never goes over the wire.
	response.Data["auction_id"] = a.ID
	response.Data["seller_id"] = a.SellerID
	response.Data["start_time"] = a.StartTime.UTC().Format(time.RFC3339)
	response.Data["end_time"] = a.EndTime.UTC().Format(time.RFC3339)
	response.Data["starting_price"] = a.StartingPrice.String()
	response.Data["current_price"] = a.CurrentPrice.String()
	response.Data["min_next_bid"] = a.MinNextBid().String()
	response.Data["bid_increment"] = a.BidIncrement.String()
	response.Data["total_bids"] = a.TotalBids
	response.Data["status"] = a.Status

	return response
}
