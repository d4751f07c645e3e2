package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub006/internal/common/logger"
)

// pg_notify payloads are capped at 8000 bytes by the server.
const maxNotifyPayload = 7900

// PostgresEventBus relays events through LISTEN/NOTIFY on a single channel.
// Subject matching happens locally on each listener.
type PostgresEventBus struct {
	pool    *pgxpool.Pool
	channel string
	logger  *logger.Logger

	mu     sync.RWMutex
	subs   map[*pgSubscription]struct{}
	closed bool

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	connected bool
}

type pgSubscription struct {
	bus     *PostgresEventBus
	subject string
	handler EventHandler
	mu      sync.Mutex
	active  bool
}

func (s *pgSubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	return nil
}

func (s *pgSubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewPostgresEventBus connects to dsn and starts listening on channel.
func NewPostgresEventBus(ctx context.Context, dsn, channel string, log *logger.Logger) (*PostgresEventBus, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	lctx, cancel := context.WithCancel(context.Background())
	b := &PostgresEventBus{
		pool:    pool,
		channel: channel,
		logger:  log,
		subs:    make(map[*pgSubscription]struct{}),
		cancel:  cancel,
	}
	b.wg.Add(1)
	go b.listen(lctx)
	return b, nil
}

type pgEnvelope struct {
	Subject string `json:"subject"`
	Event   *Event `json:"event"`
}

// Publish sends the event through pg_notify.
func (b *PostgresEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	payload, err := json.Marshal(pgEnvelope{Subject: subject, Event: event})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if len(payload) > maxNotifyPayload {
		return fmt.Errorf("event %s payload too large for notify (%d bytes)", event.ID, len(payload))
	}
	if _, err := b.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, b.channel, string(payload)); err != nil {
		return fmt.Errorf("failed to notify: %w", err)
	}
	return nil
}

// Subscribe registers a local handler for notifications whose subject matches.
func (b *PostgresEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}
	sub := &pgSubscription{bus: b, subject: subject, handler: handler, active: true}
	b.subs[sub] = struct{}{}
	return sub, nil
}

func (b *PostgresEventBus) listen(ctx context.Context) {
	defer b.wg.Done()
	for {
		err := b.listenOnce(ctx)
		b.setConnected(false)
		if ctx.Err() != nil {
			return
		}
		b.logger.Warn("Postgres listener disconnected, retrying", zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (b *PostgresEventBus) listenOnce(ctx context.Context) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{b.channel}.Sanitize()); err != nil {
		return err
	}
	b.setConnected(true)
	b.logger.Info("Listening for relay notifications", zap.String("channel", b.channel))

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var env pgEnvelope
		if err := json.Unmarshal([]byte(n.Payload), &env); err != nil || env.Event == nil {
			b.logger.Warn("Dropping malformed notification", zap.Error(err))
			continue
		}
		if env.Event.Subject == "" {
			env.Event.Subject = env.Subject
		}
		b.dispatch(ctx, env.Subject, env.Event)
	}
}

func (b *PostgresEventBus) dispatch(ctx context.Context, subject string, event *Event) {
	b.mu.RLock()
	var targets []*pgSubscription
	for sub := range b.subs {
		if MatchSubject(sub.subject, subject) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if !sub.IsValid() {
			continue
		}
		if err := sub.handler(ctx, event); err != nil {
			b.logger.Error("Event handler failed",
				zap.String("subject", subject),
				zap.String("event_id", event.ID),
				zap.Error(err))
		}
	}
}

func (b *PostgresEventBus) setConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}

// Close stops the listener and closes the pool.
func (b *PostgresEventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	b.pool.Close()
}

// IsConnected reports whether the listener currently holds a LISTEN connection.
func (b *PostgresEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected && !b.closed
}
