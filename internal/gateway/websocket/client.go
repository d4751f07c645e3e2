package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub006/internal/common/logger"
	ws "github.com/ariana-dot-dev/ariana-sub006/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	defaultPongWait   = 60 * time.Second
	defaultSendBuffer = 256
)

// Client represents a single WebSocket connection.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	// Subscriptions by ID. Guarded by hub.mu.
	subs map[string]*subscription

	pongWait time.Duration
	logger   *logger.Logger
}

// NewClient creates a client. pongWait is the idle timeout: a peer that
// answers neither pings nor sends anything within it is dropped.
func NewClient(id string, conn *websocket.Conn, hub *Hub, pongWait time.Duration, sendBuffer int, log *logger.Logger) *Client {
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &Client{
		ID:       id,
		conn:     conn,
		hub:      hub,
		send:     make(chan []byte, sendBuffer),
		subs:     make(map[string]*subscription),
		pongWait: pongWait,
		logger:   log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps messages from the WebSocket connection to the hub.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))

		var msg ws.ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("", ws.ErrorCodeBadRequest, "invalid message format")
			continue
		}
		c.handleMessage(ctx, &msg)
	}
}

func (c *Client) handleMessage(ctx context.Context, msg *ws.ClientMessage) {
	c.logger.Debug("Received message",
		zap.String("action", msg.Action),
		zap.String("id", msg.ID),
		zap.String("topic", msg.Topic))

	switch msg.Action {
	case ws.ActionSubscribe:
		c.hub.subscribe(ctx, c, msg)
	case ws.ActionUnsubscribe:
		if msg.ID == "" {
			c.sendError("", ws.ErrorCodeBadRequest, "id is required")
			return
		}
		if !c.hub.unsubscribe(c, msg.ID) {
			c.sendError(msg.ID, ws.ErrorCodeNotFound, "no such subscription")
		}
	case ws.ActionPing:
		c.sendMessage(ws.NewPong())
	default:
		c.sendError(msg.ID, ws.ErrorCodeUnknownAction, "unknown action: "+msg.Action)
	}
}

func (c *Client) sendMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}
	c.hub.push(c, data)
}

func (c *Client) sendError(requestID, code, message string) {
	msg, err := ws.NewError(requestID, code, message)
	if err != nil {
		c.logger.Error("Failed to create error message", zap.Error(err))
		return
	}
	c.sendMessage(msg)
}

// WritePump pumps messages from the hub to the WebSocket connection, one
// JSON message per frame.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.pongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
