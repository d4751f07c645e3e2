package reservation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/lifecycle"
	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/models"
	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/repository"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub006/internal/db"
	"github.com/ariana-dot-dev/ariana-sub006/internal/events"
	"github.com/ariana-dot-dev/ariana-sub006/internal/events/bus"
	"github.com/ariana-dot-dev/ariana-sub006/internal/machine/store"
)

type fixture struct {
	q     *Queue
	lc    *lifecycle.Service
	repo  *repository.Repository
	store *store.Store
}

func newFixture(t *testing.T, target int) *fixture {
	t.Helper()
	log := logger.NewNop()
	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	repo, err := repository.New(pool)
	require.NoError(t, err)
	st, err := store.New(pool)
	require.NoError(t, err)
	b := bus.NewMemoryEventBus(log)
	t.Cleanup(b.Close)

	lc := lifecycle.NewService(repo, events.NewEmitter(repo, b, "test", log), lifecycle.DefaultConfig(), log)
	return &fixture{q: New(st, lc, target, log), lc: lc, repo: repo, store: st}
}

func (f *fixture) createAgent(t *testing.T) *models.Agent {
	t.Helper()
	a := &models.Agent{OwnerID: "owner-1"}
	require.NoError(t, f.lc.Create(context.Background(), a))
	return a
}

func TestRunOnce_CriticalThenMatched(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	a := f.createAgent(t)

	stats, err := f.q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCritical, stats.Status)
	assert.Equal(t, 1, stats.Pending)

	report := f.q.RunOnce(ctx)
	require.NoError(t, report.Err)
	assert.Equal(t, 0, report.Claimed)
	assert.Equal(t, 1, report.Pending, "request stays queued while the pool is empty")

	_, err = f.store.AddToPool(ctx, "m-1", "10.0.0.1:8911", true)
	require.NoError(t, err)
	stats, err = f.q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, stats.Status)

	report = f.q.RunOnce(ctx)
	require.NoError(t, report.Err)
	assert.Equal(t, 1, report.Claimed)

	got, err := f.repo.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateProvisioned, got.State)
	require.NotNil(t, got.MachineID)
	assert.Equal(t, "m-1", *got.MachineID)

	stats, err = f.q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.PoolSize)
	assert.Equal(t, StatusCritical, stats.Status)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, int64(2), stats.Attempts)
	assert.Equal(t, int64(1), stats.Claims)
	assert.InDelta(t, 0.5, stats.SuccessRate, 0.0001)
}

func TestRunOnce_ArrivalOrder(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.store.SetClock(func() time.Time { return now })

	first := f.createAgent(t)
	now = now.Add(time.Second)
	second := f.createAgent(t)

	_, err := f.store.AddToPool(ctx, "m-1", "addr", true)
	require.NoError(t, err)

	report := f.q.RunOnce(ctx)
	require.NoError(t, report.Err)
	assert.Equal(t, 1, report.Claimed)
	assert.Equal(t, 1, report.Pending)

	a1, _ := f.repo.GetAgent(ctx, first.ID)
	a2, _ := f.repo.GetAgent(ctx, second.ID)
	assert.Equal(t, models.StateProvisioned, a1.State)
	assert.Equal(t, models.StateProvisioning, a2.State)
}

func TestRunOnce_MootRequestReturnsMachine(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	a := f.createAgent(t)
	require.NoError(t, f.lc.Archive(ctx, a.ID))

	_, err := f.store.AddToPool(ctx, "m-1", "addr", true)
	require.NoError(t, err)

	report := f.q.RunOnce(ctx)
	require.NoError(t, report.Err)
	assert.Equal(t, 0, report.Claimed)

	size, err := f.store.PoolSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size, "machine goes back to the pool")
	n, err := f.store.CountReservations(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		size, target int
		want         PoolStatus
	}{
		{0, 5, StatusCritical},
		{0, 0, StatusCritical},
		{3, 5, StatusDegraded},
		{5, 5, StatusHealthy},
		{9, 5, StatusHealthy},
	}
	for _, tt := range tests {
		if got := statusFor(tt.size, tt.target); got != tt.want {
			t.Errorf("statusFor(%d, %d) = %s, want %s", tt.size, tt.target, got, tt.want)
		}
	}
}
