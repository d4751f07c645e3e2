package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/models"
	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/repository"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub006/internal/db"
	"github.com/ariana-dot-dev/ariana-sub006/internal/events"
	"github.com/ariana-dot-dev/ariana-sub006/internal/events/bus"
)

type testEnv struct {
	svc  *Service
	repo *repository.Repository

	mu      sync.Mutex
	changes []events.ChangeSet
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logger.NewNop()
	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "lifecycle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	repo, err := repository.New(pool)
	require.NoError(t, err)

	b := bus.NewMemoryEventBus(log)
	t.Cleanup(b.Close)
	env := &testEnv{repo: repo}
	_, err = b.Subscribe(events.AllAgentChanges, func(ctx context.Context, ev *bus.Event) error {
		cs, err := events.DecodeChangeSet(ev)
		if err != nil {
			return err
		}
		env.mu.Lock()
		env.changes = append(env.changes, cs)
		env.mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	env.svc = NewService(repo, events.NewEmitter(repo, b, "test", log), DefaultConfig(), log)
	return env
}

func (e *testEnv) changeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.changes)
}

func (e *testEnv) createBound(t *testing.T) *models.Agent {
	t.Helper()
	ctx := context.Background()
	a := &models.Agent{OwnerID: "owner-1", Name: "agent"}
	require.NoError(t, e.svc.Create(ctx, a))
	ok, err := e.svc.BindMachine(ctx, a.ID, "m-1", "10.0.0.1:8911")
	require.NoError(t, err)
	require.True(t, ok)
	return a
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.AgentState
		want     bool
	}{
		{models.StateProvisioning, models.StateProvisioned, true},
		{models.StateProvisioning, models.StateIdle, false},
		{models.StateIdle, models.StateRunning, true},
		{models.StateRunning, models.StateIdle, true},
		{models.StateError, models.StateIdle, true},
		{models.StateError, models.StateProvisioning, true},
		{models.StateArchived, models.StateIdle, false},
		{models.StateArchived, models.StateError, false},
		{models.StateCloning, models.StateArchived, true},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestAdvance_SetupChain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.createBound(t)

	var idled []string
	env.svc.OnIdle(func(ctx context.Context, agentID string) { idled = append(idled, agentID) })

	for _, want := range []models.AgentState{models.StateCloning, models.StateReady, models.StateIdle} {
		got, err := env.svc.Advance(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	got, err := env.svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateIdle, got.State)
	assert.True(t, got.ReadyForPrompt)
	assert.Equal(t, []string{a.ID}, idled)

	_, err = env.svc.Advance(ctx, a.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransition_Invalid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := &models.Agent{OwnerID: "o"}
	require.NoError(t, env.svc.Create(ctx, a))

	err := env.svc.Transition(ctx, a.ID, models.StateRunning)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, env.svc.Archive(ctx, a.ID))
	err = env.svc.Transition(ctx, a.ID, models.StateIdle)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCreate_RequestsMachine(t *testing.T) {
	env := newTestEnv(t)
	var got []string
	env.svc.OnMachineNeeded(func(ctx context.Context, agentID string) { got = append(got, agentID) })

	a := &models.Agent{OwnerID: "o"}
	require.NoError(t, env.svc.Create(context.Background(), a))
	assert.Equal(t, []string{a.ID}, got)
	assert.Equal(t, models.StateProvisioning, a.State)
}

func TestFail_FailsRunningPrompt(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.createBound(t)
	for i := 0; i < 3; i++ {
		_, err := env.svc.Advance(ctx, a.ID)
		require.NoError(t, err)
	}
	p := &models.Prompt{AgentID: a.ID, Text: "x"}
	require.NoError(t, env.repo.CreatePrompt(ctx, p))
	_, err := env.repo.BeginPrompt(ctx, a.ID, "")
	require.NoError(t, err)

	require.NoError(t, env.svc.Fail(ctx, a.ID, "boom"))

	got, _ := env.svc.Get(ctx, a.ID)
	assert.Equal(t, models.StateError, got.State)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "boom", *got.ErrorMessage)
	assert.False(t, got.ReadyForPrompt)

	prompt, err := env.repo.GetPrompt(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PromptFailed, prompt.Status)
}

func (e *testEnv) escalate(t *testing.T, agentID string) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := e.repo.IncrementHealthFailures(ctx, agentID)
		require.NoError(t, err)
	}
	esc, err := e.svc.Escalate(ctx, agentID, 3, "health check failed")
	require.NoError(t, err)
	require.NotNil(t, esc)
}

func TestEscalate_StaysInError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.createBound(t)

	var requested []string
	env.svc.OnMachineNeeded(func(ctx context.Context, agentID string) { requested = append(requested, agentID) })

	for i := 0; i < 3; i++ {
		_, err := env.repo.IncrementHealthFailures(ctx, a.ID)
		require.NoError(t, err)
	}
	esc, err := env.svc.Escalate(ctx, a.ID, 3, "health check failed")
	require.NoError(t, err)
	require.NotNil(t, esc)
	assert.Equal(t, "m-1", esc.MachineID)

	got, _ := env.svc.Get(ctx, a.ID)
	assert.Equal(t, models.StateError, got.State)
	assert.Nil(t, got.MachineID)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "health check failed", *got.ErrorMessage)
	assert.Empty(t, requested)
}

func TestAutoRestore_ReplacementMachine(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	var requested []string
	env.svc.OnMachineNeeded(func(ctx context.Context, agentID string) { requested = append(requested, agentID) })

	a := env.createBound(t)
	env.escalate(t, a.ID)
	requested = nil

	out, err := env.svc.AutoRestore(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.RestoreAwaitingMachine, out)
	assert.Equal(t, []string{a.ID}, requested)
	got, _ := env.svc.Get(ctx, a.ID)
	assert.Equal(t, models.StateError, got.State, "no machine yet")

	ok, err := env.svc.BindMachine(ctx, a.ID, "m-2", "10.0.0.2:8911")
	require.NoError(t, err)
	require.True(t, ok)
	got, _ = env.svc.Get(ctx, a.ID)
	assert.Equal(t, models.StateIdle, got.State)
	assert.True(t, got.ReadyForPrompt)
	assert.Nil(t, got.ErrorMessage)
	require.NotNil(t, got.MachineID)
	assert.Equal(t, "m-2", *got.MachineID)

	// Same owner, same day: the single daily slot is spent.
	b := env.createBound(t)
	env.escalate(t, b.ID)
	requested = nil
	out, err = env.svc.AutoRestore(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.RestoreDailyLimit, out)
	assert.Empty(t, requested)

	ok, err = env.svc.BindMachine(ctx, b.ID, "m-3", "10.0.0.3:8911")
	require.NoError(t, err)
	require.True(t, ok)
	got, _ = env.svc.Get(ctx, b.ID)
	assert.Equal(t, models.StateError, got.State)
	require.NotNil(t, got.MachineID)
	assert.Equal(t, "m-3", *got.MachineID)
}

func TestRestore_ManualReprovisionsMachinelessAgent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.createBound(t)
	env.escalate(t, a.ID)

	var requested []string
	env.svc.OnMachineNeeded(func(ctx context.Context, agentID string) { requested = append(requested, agentID) })
	require.NoError(t, env.svc.Restore(ctx, a.ID))

	got, _ := env.svc.Get(ctx, a.ID)
	assert.Equal(t, models.StateProvisioning, got.State)
	assert.Equal(t, []string{a.ID}, requested)
}

func TestEscalate_BelowThreshold(t *testing.T) {
	env := newTestEnv(t)
	a := env.createBound(t)
	esc, err := env.svc.Escalate(context.Background(), a.ID, 3, "x")
	require.NoError(t, err)
	assert.Nil(t, esc)
}

func TestAutoRestore_TooOld(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.createBound(t)
	require.NoError(t, env.svc.Fail(ctx, a.ID, "x"))

	env.svc.now = func() time.Time { return time.Now().Add(72 * time.Hour) }
	out, err := env.svc.AutoRestore(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.RestoreTooOld, out)
}

type denyLimiter struct{}

func (denyLimiter) CheckRestore(ctx context.Context, ownerID string) error {
	return errors.New("monthly agent limit reached")
}

func TestRestore_UsageLimiter(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.createBound(t)
	require.NoError(t, env.svc.Fail(ctx, a.ID, "x"))

	env.svc.SetUsageLimiter(denyLimiter{})
	err := env.svc.Restore(ctx, a.ID)
	assert.ErrorIs(t, err, ErrRestoreDenied)

	env.svc.SetUsageLimiter(nil)
	require.NoError(t, env.svc.Restore(ctx, a.ID))
	got, _ := env.svc.Get(ctx, a.ID)
	assert.Equal(t, models.StateIdle, got.State)
	assert.Nil(t, got.ErrorMessage)
	assert.True(t, got.ReadyForPrompt)
}

func TestDelete_EmitsRemoval(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := &models.Agent{OwnerID: "o"}
	require.NoError(t, env.svc.Create(ctx, a))
	require.NoError(t, env.svc.Delete(ctx, a.ID))

	require.Eventually(t, func() bool { return env.changeCount() == 2 }, time.Second, 10*time.Millisecond)
	env.mu.Lock()
	defer env.mu.Unlock()
	last := env.changes[1]
	assert.Equal(t, []string{a.ID}, last.Removed)
	assert.Greater(t, last.EventsVersion, env.changes[0].EventsVersion)
}
