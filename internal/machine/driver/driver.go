// Package driver provides the machine capabilities the control plane needs:
// a liveness probe and an incremental disk snapshot.
package driver

import (
	"context"
	"fmt"

	"github.com/ariana-dot-dev/ariana-sub006/internal/agentclient"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/config"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub006/internal/machine/models"
)

// Prober checks that a machine's agent server is alive.
type Prober interface {
	Probe(ctx context.Context, m models.Machine) error
}

// Snapshotter checkpoints a machine's disk.
type Snapshotter interface {
	Snapshot(ctx context.Context, m models.Machine) (*SnapshotResult, error)
}

// AddressResolver looks up where a machine's agent server listens. Drivers
// that cannot discover addresses do not implement it.
type AddressResolver interface {
	ResolveAddress(ctx context.Context, machineID string) (string, error)
}

// Driver is a machine backend.
type Driver interface {
	Prober
	Snapshotter
	Name() string
}

// SnapshotResult identifies a completed snapshot.
type SnapshotResult struct {
	ID    string
	Bytes int64
}

// New builds the driver selected by cfg.Driver.
func New(cfg config.MachinesConfig, client *agentclient.Client, log *logger.Logger) (Driver, error) {
	switch cfg.Driver {
	case "", "http":
		return NewHTTPDriver(client), nil
	case "docker":
		return NewDockerDriver(cfg, log)
	case "sprites":
		return NewSpritesDriver(cfg, log)
	default:
		return nil, fmt.Errorf("unknown machine driver %q", cfg.Driver)
	}
}
