package leader

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariana-dot-dev/ariana-sub006/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub006/internal/db"
)

func setupLeases(t *testing.T) *LeaseStore {
	t.Helper()
	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "leases.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	s, err := NewLeaseStore(pool)
	require.NoError(t, err)
	return s
}

func TestLease_ExclusiveUntilExpiry(t *testing.T) {
	s := setupLeases(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	ok, err := s.TryAcquire(ctx, "health", "w1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TryAcquire(ctx, "health", "w2", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "held by w1")

	ok, err = s.TryAcquire(ctx, "health", "w1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "holder renews")

	now = now.Add(31 * time.Second)
	ok, err = s.TryAcquire(ctx, "health", "w2", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is taken over")

	l, err := s.Get(ctx, "health")
	require.NoError(t, err)
	assert.Equal(t, "w2", l.Holder)

	require.NoError(t, s.Release(ctx, "health", "w1"))
	l, _ = s.Get(ctx, "health")
	assert.NotNil(t, l, "only the holder can release")
	require.NoError(t, s.Release(ctx, "health", "w2"))
	l, _ = s.Get(ctx, "health")
	assert.Nil(t, l)
}

func TestLoop_OnlyLeaderRuns(t *testing.T) {
	s := setupLeases(t)
	var runsA, runsB atomic.Int32
	log := logger.NewNop()

	a := NewLoop(LoopConfig{Name: "reservation", Interval: 20 * time.Millisecond, TTL: time.Second, Holder: "w1", Leases: s},
		func(ctx context.Context) error { runsA.Add(1); return nil }, log)
	b := NewLoop(LoopConfig{Name: "reservation", Interval: 20 * time.Millisecond, TTL: time.Second, Holder: "w2", Leases: s},
		func(ctx context.Context) error { runsB.Add(1); return nil }, log)

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.Eventually(t, func() bool { return runsA.Load() > 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, b.Start(ctx))

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, runsB.Load(), "follower must not run while the leader renews")
	assert.True(t, a.IsLeader())
	assert.False(t, b.IsLeader())

	require.NoError(t, a.Stop())
	require.Eventually(t, func() bool { return runsB.Load() > 0 }, time.Second, 5*time.Millisecond,
		"released lease is picked up by the survivor")
	require.NoError(t, b.Stop())
}

func TestLoop_StartStopErrors(t *testing.T) {
	l := NewLoop(LoopConfig{Name: "x", Interval: time.Hour}, func(ctx context.Context) error { return nil }, logger.NewNop())
	assert.ErrorIs(t, l.Stop(), ErrNotRunning)
	require.NoError(t, l.Start(context.Background()))
	assert.ErrorIs(t, l.Start(context.Background()), ErrAlreadyRunning)
	require.NoError(t, l.Stop())
}

func TestLoop_Kick(t *testing.T) {
	var runs atomic.Int32
	l := NewLoop(LoopConfig{Name: "snapshot", Interval: time.Hour},
		func(ctx context.Context) error { runs.Add(1); return nil }, logger.NewNop())
	require.NoError(t, l.Start(context.Background()))
	defer func() { _ = l.Stop() }()

	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	l.Kick()
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)
}
