package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub006/internal/common/config"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/logger"
)

// NATSEventBus relays events between workers over a NATS server. Every
// subject is namespaced under a prefix so several deployments can share one
// server.
type NATSEventBus struct {
	conn   *nats.Conn
	prefix string
	logger *logger.Logger
}

// NewNATSEventBus connects to cfg.URL. prefix is prepended to every subject.
func NewNATSEventBus(cfg config.NATSConfig, prefix string, log *logger.Logger) (*NATSEventBus, error) {
	log = log.Component("nats-relay")
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected, relayed changes are buffered", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			log.Error("NATS async error", fields...)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	log.Info("Connected to NATS", zap.String("url", conn.ConnectedUrl()), zap.String("prefix", prefix))
	return &NATSEventBus{conn: conn, prefix: prefix, logger: log}, nil
}

func (b *NATSEventBus) wire(subject string) string {
	if b.prefix == "" {
		return subject
	}
	return b.prefix + "." + subject
}

func (b *NATSEventBus) Publish(_ context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.ID, err)
	}
	if err := b.conn.Publish(b.wire(subject), data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe listens on pattern under the prefix. Handlers see the unprefixed
// subject.
func (b *NATSEventBus) Subscribe(pattern string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.Subscribe(b.wire(pattern), func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Warn("Dropping malformed relay message", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if event.Subject == "" {
			event.Subject = strings.TrimPrefix(msg.Subject, b.prefix+".")
		}
		if err := handler(context.Background(), &event); err != nil {
			b.logger.Warn("Relay handler failed",
				zap.String("subject", event.Subject),
				zap.String("event_id", event.ID),
				zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", pattern, err)
	}
	return natsSubscription{sub}, nil
}

// Close drains pending publishes before closing.
func (b *NATSEventBus) Close() {
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("NATS drain failed", zap.Error(err))
		b.conn.Close()
	}
}

func (b *NATSEventBus) IsConnected() bool { return b.conn.IsConnected() }

type natsSubscription struct{ sub *nats.Subscription }

func (s natsSubscription) Unsubscribe() error { return s.sub.Unsubscribe() }

func (s natsSubscription) IsValid() bool { return s.sub.IsValid() }
