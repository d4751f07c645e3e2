package driver

import (
	"context"
	"fmt"
	"strings"

	sprites "github.com/superfly/sprites-go"
	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub006/internal/common/config"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub006/internal/machine/models"
)

const spritesAliveMarker = "ariana-alive"

// SpritesDriver runs probes and snapshots as commands inside Sprites VMs.
// Machine IDs are sprite names.
type SpritesDriver struct {
	client      *sprites.Client
	snapshotCmd string
	logger      *logger.Logger
}

// NewSpritesDriver creates a driver using the Sprites API token.
func NewSpritesDriver(cfg config.MachinesConfig, log *logger.Logger) (*SpritesDriver, error) {
	if cfg.SpritesToken == "" {
		return nil, fmt.Errorf("sprites driver requires a token (SPRITES_TOKEN)")
	}
	return &SpritesDriver{
		client:      sprites.New(cfg.SpritesToken),
		snapshotCmd: cfg.SnapshotCmd,
		logger:      log.Component("sprites-driver"),
	}, nil
}

func (d *SpritesDriver) Name() string { return "sprites" }

// Probe runs a trivial command in the sprite.
func (d *SpritesDriver) Probe(ctx context.Context, m models.Machine) error {
	out, err := d.client.Sprite(m.ID).CommandContext(ctx, "echo", spritesAliveMarker).Output()
	if err != nil {
		return fmt.Errorf("sprite %s probe failed: %w", m.ID, err)
	}
	if strings.TrimSpace(string(out)) != spritesAliveMarker {
		return fmt.Errorf("sprite %s returned unexpected probe output", m.ID)
	}
	return nil
}

// Snapshot runs the configured snapshot command; its last output line is the snapshot ID.
func (d *SpritesDriver) Snapshot(ctx context.Context, m models.Machine) (*SnapshotResult, error) {
	out, err := d.client.Sprite(m.ID).CommandContext(ctx, "sh", "-c", d.snapshotCmd).Output()
	if err != nil {
		return nil, fmt.Errorf("sprite %s snapshot failed: %w", m.ID, err)
	}
	id := lastLine(string(out))
	if id == "" {
		return nil, fmt.Errorf("sprite %s snapshot produced no id", m.ID)
	}
	d.logger.Info("Sprite snapshot taken", zap.String("machine_id", m.ID), zap.String("snapshot_id", id))
	return &SnapshotResult{ID: id}, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
