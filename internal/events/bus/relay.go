package bus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub006/internal/common/logger"
)

// Relay is the bus every component publishes to. It delivers locally and
// forwards to a shared remote backend; remote events from other instances are
// re-published on the local bus. Subscribers only ever see the local bus.
type Relay struct {
	local      *MemoryEventBus
	remote     EventBus
	instanceID string
	logger     *logger.Logger

	mu         sync.Mutex
	remoteSubs []Subscription
}

// NewRelay wraps local with an optional remote backend. A nil remote makes the
// relay a plain local bus (single worker deployments).
func NewRelay(local *MemoryEventBus, remote EventBus, instanceID string, log *logger.Logger) *Relay {
	return &Relay{
		local:      local,
		remote:     remote,
		instanceID: instanceID,
		logger:     log.WithFields(zap.String("component", "event-relay"), zap.String("instance_id", instanceID)),
	}
}

// InstanceID returns the origin tag stamped on events from this worker.
func (r *Relay) InstanceID() string { return r.instanceID }

// Start subscribes to the remote backend for each pattern.
func (r *Relay) Start(patterns ...string) error {
	if r.remote == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range patterns {
		sub, err := r.remote.Subscribe(p, r.onRemote)
		if err != nil {
			return fmt.Errorf("relay subscribe %s: %w", p, err)
		}
		r.remoteSubs = append(r.remoteSubs, sub)
	}
	r.logger.Info("Event relay started", zap.Strings("patterns", patterns))
	return nil
}

func (r *Relay) onRemote(ctx context.Context, event *Event) error {
	if event.Origin == r.instanceID {
		return nil
	}
	if event.Subject == "" {
		r.logger.Warn("Dropping relayed event without subject", zap.String("event_id", event.ID))
		return nil
	}
	return r.local.Publish(ctx, event.Subject, event)
}

// Publish delivers the event locally, then forwards it to the remote backend.
// A remote failure is returned but local delivery has already happened.
func (r *Relay) Publish(ctx context.Context, subject string, event *Event) error {
	ev := event.clone()
	ev.Subject = subject
	if ev.Origin == "" {
		ev.Origin = r.instanceID
	}
	if err := r.local.Publish(ctx, subject, ev); err != nil {
		return err
	}
	if r.remote == nil {
		return nil
	}
	if err := r.remote.Publish(ctx, subject, ev); err != nil {
		r.logger.Warn("Failed to relay event", zap.String("subject", subject), zap.Error(err))
		return fmt.Errorf("relay publish: %w", err)
	}
	return nil
}

// Subscribe subscribes on the local bus.
func (r *Relay) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return r.local.Subscribe(subject, handler)
}

// Close unsubscribes from the remote and closes both buses.
func (r *Relay) Close() {
	r.mu.Lock()
	for _, s := range r.remoteSubs {
		_ = s.Unsubscribe()
	}
	r.remoteSubs = nil
	r.mu.Unlock()
	if r.remote != nil {
		r.remote.Close()
	}
	r.local.Close()
}

// IsConnected reports local liveness and, when configured, remote connectivity.
func (r *Relay) IsConnected() bool {
	if !r.local.IsConnected() {
		return false
	}
	return r.remote == nil || r.remote.IsConnected()
}
