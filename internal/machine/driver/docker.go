package driver

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub006/internal/common/config"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub006/internal/machine/models"
)

// DockerDriver treats each machine as a container. Machine IDs are container
// IDs or names; snapshots are image commits.
type DockerDriver struct {
	cli       *client.Client
	repo      string
	agentPort int
	logger    *logger.Logger
}

// NewDockerDriver connects to the Docker daemon.
func NewDockerDriver(cfg config.MachinesConfig, log *logger.Logger) (*DockerDriver, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}
	if cfg.DockerAPI != "" {
		opts = append(opts, client.WithVersion(cfg.DockerAPI))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerDriver{
		cli:       cli,
		repo:      cfg.SnapshotRepo,
		agentPort: cfg.AgentPort,
		logger:    log.Component("docker-driver"),
	}, nil
}

func (d *DockerDriver) Name() string { return "docker" }

// Probe requires the container to be running and not reported unhealthy.
func (d *DockerDriver) Probe(ctx context.Context, m models.Machine) error {
	inspect, err := d.cli.ContainerInspect(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("failed to inspect container %s: %w", m.ID, err)
	}
	if inspect.State == nil || !inspect.State.Running {
		return fmt.Errorf("container %s is not running", m.ID)
	}
	if inspect.State.Health != nil && inspect.State.Health.Status == container.Unhealthy {
		return fmt.Errorf("container %s is unhealthy", m.ID)
	}
	return nil
}

// Snapshot commits the container filesystem to <repo>:<machine>-<unix>.
// Layers shared with the previous commit are reused by the daemon.
func (d *DockerDriver) Snapshot(ctx context.Context, m models.Machine) (*SnapshotResult, error) {
	ref := snapshotRef(d.repo, m.ID, time.Now())
	resp, err := d.cli.ContainerCommit(ctx, m.ID, container.CommitOptions{
		Reference: ref,
		Comment:   "ariana snapshot",
		Pause:     false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to commit container %s: %w", m.ID, err)
	}
	d.logger.Info("Container snapshot committed",
		zap.String("machine_id", m.ID),
		zap.String("image", ref),
		zap.String("image_id", resp.ID))
	return &SnapshotResult{ID: ref}, nil
}

// ResolveAddress returns <container IP>:<agent port>.
func (d *DockerDriver) ResolveAddress(ctx context.Context, machineID string) (string, error) {
	inspect, err := d.cli.ContainerInspect(ctx, machineID)
	if err != nil {
		return "", err
	}
	if inspect.NetworkSettings != nil {
		if inspect.NetworkSettings.IPAddress != "" {
			return net.JoinHostPort(inspect.NetworkSettings.IPAddress, strconv.Itoa(d.agentPort)), nil
		}
		for _, n := range inspect.NetworkSettings.Networks {
			if n.IPAddress != "" {
				return net.JoinHostPort(n.IPAddress, strconv.Itoa(d.agentPort)), nil
			}
		}
	}
	return "", fmt.Errorf("no IP address found for container %s", machineID)
}

func snapshotRef(repo, machineID string, at time.Time) string {
	tag := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return '-'
	}, strings.TrimPrefix(machineID, "/"))
	if len(tag) > 100 {
		tag = tag[:100]
	}
	return fmt.Sprintf("%s:%s-%d", repo, tag, at.Unix())
}
