package driver

import (
	"context"

	"github.com/ariana-dot-dev/ariana-sub006/internal/agentclient"
	"github.com/ariana-dot-dev/ariana-sub006/internal/machine/models"
)

// HTTPDriver talks to the agent server on each machine directly.
type HTTPDriver struct {
	client *agentclient.Client
}

// NewHTTPDriver creates a driver over the agent server client.
func NewHTTPDriver(client *agentclient.Client) *HTTPDriver {
	return &HTTPDriver{client: client}
}

func (d *HTTPDriver) Name() string { return "http" }

// Probe sends a nonce ping to the agent server.
func (d *HTTPDriver) Probe(ctx context.Context, m models.Machine) error {
	return d.client.Ping(ctx, m.Address)
}

// Snapshot asks the agent server to checkpoint its disk.
func (d *HTTPDriver) Snapshot(ctx context.Context, m models.Machine) (*SnapshotResult, error) {
	resp, err := d.client.Snapshot(ctx, m.Address, m.ID)
	if err != nil {
		return nil, err
	}
	return &SnapshotResult{ID: resp.SnapshotID, Bytes: resp.Bytes}, nil
}
