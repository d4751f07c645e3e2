// Package websocket implements the client sync gateway: clients subscribe to
// topics, receive a snapshot of the topic state, then deltas driven by agent
// change events on the local bus.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/repository"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/metrics"
	"github.com/ariana-dot-dev/ariana-sub006/internal/events"
	"github.com/ariana-dot-dev/ariana-sub006/internal/events/bus"
	ws "github.com/ariana-dot-dev/ariana-sub006/pkg/websocket"
)

// subscription is one client's interest in one topic key.
type subscription struct {
	id     string
	topic  *topic
	key    string
	client *Client
}

// Hub manages client connections and their topic subscriptions.
type Hub struct {
	clients map[*Client]bool

	// Subscriptions indexed by topic key.
	subscribers map[string]map[*subscription]struct{}

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	source Source
	busSub bus.Subscription

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub rendering topics from source.
func NewHub(source Source, log *logger.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		subscribers: make(map[string]map[*subscription]struct{}),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		done:        make(chan struct{}),
		source:      source,
		logger:      log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Listen subscribes the hub to agent changes on b. Pass the local bus: changes
// from other workers reach it through the relay.
func (h *Hub) Listen(b bus.EventBus) error {
	sub, err := b.Subscribe(events.AllAgentChanges, h.onChange)
	if err != nil {
		return err
	}
	h.busSub = sub
	return nil
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			if h.busSub != nil {
				_ = h.busSub.Unsubscribe()
			}
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			metrics.SyncClients.Inc()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// Register adds a client. It reports false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client and all its subscriptions.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount returns the number of subscriptions for a topic key.
func (h *Hub) SubscriberCount(topicName, id string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[topicName+":"+id])
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		metrics.SyncSubscriptions.Sub(float64(len(client.subs)))
		metrics.SyncClients.Dec()
		close(client.send)
		delete(h.clients, client)
	}
	h.subscribers = make(map[string]map[*subscription]struct{})
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	for _, sub := range client.subs {
		h.dropLocked(sub)
	}
	metrics.SyncClients.Dec()
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// dropLocked removes sub from the index. h.mu must be held.
func (h *Hub) dropLocked(sub *subscription) {
	delete(sub.client.subs, sub.id)
	if subs, ok := h.subscribers[sub.key]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subscribers, sub.key)
		}
	}
	metrics.SyncSubscriptions.Dec()
}

// subscribe registers the subscription before rendering the snapshot, so a
// change racing the snapshot is delivered as a delta rather than lost.
func (h *Hub) subscribe(ctx context.Context, c *Client, msg *ws.ClientMessage) {
	t, ok := topics[msg.Topic]
	if !ok {
		c.sendError(msg.ID, ws.ErrorCodeUnknownTopic, errUnknownTopic.Error()+": "+msg.Topic)
		return
	}
	id := msg.Param(t.param)
	if id == "" {
		c.sendError(msg.ID, ws.ErrorCodeBadRequest, t.param+" is required")
		return
	}

	sub := &subscription{id: msg.ID, topic: t, key: t.key(id), client: c}
	if sub.id == "" {
		sub.id = uuid.New().String()
	}

	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	if prev, ok := c.subs[sub.id]; ok {
		h.dropLocked(prev)
	}
	c.subs[sub.id] = sub
	if h.subscribers[sub.key] == nil {
		h.subscribers[sub.key] = make(map[*subscription]struct{})
	}
	h.subscribers[sub.key][sub] = struct{}{}
	metrics.SyncSubscriptions.Inc()
	h.mu.Unlock()

	data, version, err := t.snapshot(ctx, h.source, id)
	if err != nil {
		h.unsubscribe(c, sub.id)
		if errors.Is(err, repository.ErrAgentNotFound) {
			c.sendError(msg.ID, ws.ErrorCodeNotFound, err.Error())
			return
		}
		h.logger.Error("Failed to render snapshot",
			zap.String("topic", t.name), zap.String("key", sub.key), zap.Error(err))
		c.sendError(msg.ID, ws.ErrorCodeInternalError, "failed to load topic state")
		return
	}

	out, err := ws.NewSnapshot(sub.id, t.name, version, data)
	if err != nil {
		h.logger.Error("Failed to build snapshot message", zap.Error(err))
		return
	}
	h.deliver(sub, out)
}

func (h *Hub) unsubscribe(c *Client, subID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := c.subs[subID]
	if !ok {
		return false
	}
	h.dropLocked(sub)
	return true
}

// onChange renders deltas for every topic key the change is visible under and
// fans them out. Deltas are computed once per key.
func (h *Hub) onChange(ctx context.Context, ev *bus.Event) error {
	cs, err := events.DecodeChangeSet(ev)
	if err != nil {
		h.logger.Warn("Dropping malformed change event", zap.Error(err))
		return nil
	}

	for _, t := range topics {
		id := t.scope(cs)
		if id == "" {
			continue
		}
		subs := h.targets(t.key(id))
		if len(subs) == 0 {
			continue
		}
		deltas, err := t.deltas(ctx, h.source, cs)
		if err != nil {
			h.logger.Error("Failed to render deltas",
				zap.String("topic", t.name),
				zap.String("agent_id", cs.AgentID),
				zap.Error(err))
			continue
		}
		for _, sub := range subs {
			for _, d := range deltas {
				msg, err := ws.NewDelta(sub.id, t.name, cs.EventsVersion, d)
				if err != nil {
					h.logger.Error("Failed to build delta message", zap.Error(err))
					continue
				}
				h.deliver(sub, msg)
			}
		}
	}
	return nil
}

func (h *Hub) targets(key string) []*subscription {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*subscription, 0, len(h.subscribers[key]))
	for sub := range h.subscribers[key] {
		out = append(out, sub)
	}
	return out
}

// deliver queues msg on the subscriber's connection if the subscription is
// still live. A client whose buffer is full is disconnected: it has missed a
// delta and must resubscribe to resynchronize.
func (h *Hub) deliver(sub *subscription, msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if sub.client.subs[sub.id] != sub {
		return
	}
	h.pushLocked(sub.client, data)
}

// push queues raw data on a client connection.
func (h *Hub) push(c *Client, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.pushLocked(c, data)
}

// pushLocked requires h.mu held; send is only closed under the write lock.
func (h *Hub) pushLocked(c *Client, data []byte) {
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
		h.logger.Warn("Client send buffer full, disconnecting", zap.String("client_id", c.ID))
		go h.Unregister(c)
	}
}
