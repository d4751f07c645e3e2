package events

import (
	"context"
	"fmt"

	"github.com/ariana-dot-dev/ariana-sub006/internal/common/config"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub006/internal/events/bus"
)

// Provide builds the relay bus for the configured backend. The returned
// cleanup closes local and remote buses.
func Provide(ctx context.Context, cfg *config.Config, log *logger.Logger) (*bus.Relay, func() error, error) {
	local := bus.NewMemoryEventBus(log)

	var remote bus.EventBus
	switch cfg.Events.Relay {
	case "nats":
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, cfg.Events.Channel, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS relay: %w", err)
		}
		remote = natsBus
	case "postgres":
		pgBus, err := bus.NewPostgresEventBus(ctx, cfg.Database.DSN(), cfg.Events.Channel, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize postgres relay: %w", err)
		}
		remote = pgBus
	}

	relay := bus.NewRelay(local, remote, cfg.Worker.InstanceID, log)
	if err := relay.Start(AllAgentChanges, AllAgentInterrupts); err != nil {
		relay.Close()
		return nil, nil, err
	}
	return relay, func() error { relay.Close(); return nil }, nil
}
