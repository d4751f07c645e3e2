package websocket

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub006/internal/common/config"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/logger"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades HTTP requests to sync connections.
type Handler struct {
	hub        *Hub
	pongWait   time.Duration
	sendBuffer int
	logger     *logger.Logger
}

// NewHandler creates a new WebSocket handler.
func NewHandler(hub *Hub, cfg config.SyncConfig, log *logger.Logger) *Handler {
	return &Handler{
		hub:        hub,
		pongWait:   cfg.PongWait,
		sendBuffer: cfg.SendBuffer,
		logger:     log.WithFields(zap.String("component", "ws_handler")),
	}
}

// RegisterRoutes mounts the sync endpoint.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/ws", h.HandleConnection)
}

// HandleConnection upgrades HTTP to WebSocket and serves the client until it
// disconnects.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	client := NewClient(clientID, conn, h.hub, h.pongWait, h.sendBuffer, h.logger)
	if !h.hub.Register(client) {
		_ = conn.Close()
		return
	}

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}
