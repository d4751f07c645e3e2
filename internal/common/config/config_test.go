package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Reservation.Interval)
	assert.Equal(t, 10*time.Second, cfg.Health.Interval)
	assert.Equal(t, 3*time.Second, cfg.Health.ProbeTimeout)
	assert.Equal(t, 3, cfg.Health.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Snapshot.Interval)
	assert.Equal(t, 48*time.Hour, cfg.Restore.MaxAgentAge)
	assert.NotEmpty(t, cfg.Worker.InstanceID)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("ARIANA_HEALTH_FAILURETHRESHOLD", "5")
	t.Setenv("ARIANA_RESERVATION_INTERVAL", "500ms")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Health.FailureThreshold)
	assert.Equal(t, 500*time.Millisecond, cfg.Reservation.Interval)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	body := "server:\n  port: 9191\nsnapshot:\n  maxRetries: 7\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Snapshot.MaxRetries)
}

func TestValidate_Errors(t *testing.T) {
	t.Setenv("ARIANA_EVENTS_RELAY", "nats")
	_, err := LoadWithPath(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nats.url is required")

	t.Setenv("ARIANA_EVENTS_RELAY", "postgres")
	_, err = LoadWithPath(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires database.driver postgres")
}
