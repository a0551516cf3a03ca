package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bazaar-auction-engine/internal/config"

	"github.com/alitto/pond"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	sendQueueSize = 100
	enqueueWait   = 100 * time.Millisecond
	writeWait     = 10 * time.Second
)

// WsClient owns one WebSocket connection: a read loop feeding the worker
// pool and a write loop draining the send queue. The queue channel is never
// closed; teardown happens through the client context, so a Send racing
// Stop either enqueues or gets an error, never a panic.
type WsClient struct {
	id         string
	userID     uuid.UUID
	conn       *websocket.Conn
	sendQueue  chan *ServerMessage
	ctx        context.Context
	cancel     context.CancelFunc
	handler    *WsHandler
	workerPool *pond.WorkerPool
	stopOnce   sync.Once
	logger     zerolog.Logger
}

type WsClientParams struct {
	UserID  uuid.UUID
	Conn    *websocket.Conn
	Handler *WsHandler
	Logger  zerolog.Logger
}

// NewClient creates a new WebSocket client
func NewClient(params WsClientParams) *WsClient {
	ctx, cancel := context.WithCancel(context.Background())

	pool := pond.New(
		config.WSMaxWorkers,
		config.WSMaxCapacity,
		pond.Context(ctx),
		pond.Strategy(pond.Balanced()),
	)
	id := uuid.New().String()
	return &WsClient{
		id:         id,
		userID:     params.UserID,
		conn:       params.Conn,
		sendQueue:  make(chan *ServerMessage, sendQueueSize),
		ctx:        ctx,
		cancel:     cancel,
		handler:    params.Handler,
		workerPool: pool,
		logger:     params.Logger.With().Str("client_id", id).Str("user_id", params.UserID.String()).Logger(),
	}
}

func (client *WsClient) Start() {
	go client.writeLoop()
	go client.readLoop()
}

// Stop tears the client down once: the context unblocks both loops and any
// in-flight Send, then the connection and the worker pool go away.
func (client *WsClient) Stop() {
	client.stopOnce.Do(func() {
		client.cancel()
		client.conn.Close()
		client.workerPool.Stop()
	})
}

// Send queues a message for the write loop. It fails fast on a closed
// client and gives a full queue a short grace period to drain.
func (client *WsClient) Send(msg *ServerMessage) error {
	select {
	case <-client.ctx.Done():
		return fmt.Errorf("client %s is closed", client.id)
	default:
	}

	select {
	case client.sendQueue <- msg:
		return nil
	case <-client.ctx.Done():
		return fmt.Errorf("client %s is closed", client.id)
	case <-time.After(enqueueWait):
		return fmt.Errorf("send queue for client %s is full", client.id)
	}
}

func (client *WsClient) writeLoop() {
	for {
		select {
		case msg := <-client.sendQueue:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteJSON(msg); err != nil {
				client.logger.Debug().Err(err).Msg("Write failed, closing client")
				client.cancel()
				return
			}
		case <-client.ctx.Done():
			return
		}
	}
}

func (client *WsClient) readLoop() {
	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				client.logger.Error().Err(err).Msg("WebSocket read error for client")
			} else {
				client.logger.Info().Str("error", err.Error()).Msg("WebSocket connection closed for client")
			}
			// Cancelling here tells the handler to unregister the client.
			client.cancel()
			return
		}
		client.logger.Debug().Str("message", string(payload)).Msg("Message received from client")

		if client.ctx.Err() != nil {
			return
		}
		client.workerPool.Submit(func() {
			if err := client.handleMessage(payload); err != nil {
				client.logger.Error().Err(err).Msg("Failed to handle client message")
				if sendErr := client.Send(NewErrorMessage(err.Error(), nil)); sendErr != nil {
					client.logger.Debug().Err(sendErr).Msg("Could not deliver error to client")
				}
			}
		})
	}
}

func (client *WsClient) handleMessage(data []byte) error {
	msg, err := ParseClientMessage(data)
	if err != nil {
		return fmt.Errorf("invalid message format: %w", err)
	}

	if err := msg.Validate(); err != nil {
		return fmt.Errorf("message validation failed: %w", err)
	}

	if msg.Type == MessageTypePing {
		return client.Send(NewServerMessage(MessageTypePong))
	}

	if client.handler != nil {
		return client.handler.HandleClientMessage(client, msg)
	}
	return fmt.Errorf("handler not available")
}
