package bus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub006/internal/common/logger"
)

const memorySubscriptionBuffer = 1024

// MemoryEventBus implements EventBus in-process. Each subscription has its own
// ordered delivery goroutine, so a slow handler delays only its own events.
type MemoryEventBus struct {
	subscriptions map[*memorySubscription]struct{}
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

type delivery struct {
	ctx   context.Context
	event *Event
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	handler EventHandler
	queue   chan delivery
	done    chan struct{}
	once    sync.Once
}

// Unsubscribe removes the subscription and stops its delivery goroutine.
func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subscriptions, s)
	s.bus.mu.Unlock()
	s.stop()
	return nil
}

func (s *memorySubscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *memorySubscription) run() {
	for {
		select {
		case <-s.done:
			return
		case d := <-s.queue:
			if err := s.handler(d.ctx, d.event); err != nil {
				s.bus.logger.Error("Event handler error",
					zap.String("subject", s.subject),
					zap.String("event_id", d.event.ID),
					zap.Error(err))
			}
		}
	}
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[*memorySubscription]struct{}),
		logger:        log,
	}
}

// Publish queues the event for every matching subscriber. Events published
// from one goroutine reach each subscriber in publish order.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	var targets []*memorySubscription
	for sub := range b.subscriptions {
		if MatchSubject(sub.subject, subject) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	// Handlers outlive the publishing request.
	dctx := context.WithoutCancel(ctx)
	for _, sub := range targets {
		select {
		case sub.queue <- delivery{ctx: dctx, event: event}:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.Int("subscribers", len(targets)))
	return nil
}

// Subscribe creates a subscription to a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		handler: handler,
		queue:   make(chan delivery, memorySubscriptionBuffer),
		done:    make(chan struct{}),
	}
	b.subscriptions[sub] = struct{}{}
	go sub.run()

	b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// Close closes the event bus and stops every subscription.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subscriptions {
		sub.stop()
	}
	b.subscriptions = make(map[*memorySubscription]struct{})
	b.logger.Info("Memory event bus closed")
}

// IsConnected returns true until Close is called.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
