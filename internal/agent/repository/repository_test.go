package repository

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
	"github.com/ariana-dot-dev/ariana-sub006/internal/db"
)

func setupRepo(t *testing.T) *Repository {
	t.Helper()
	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "agents.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	repo, err := New(pool)
	require.NoError(t, err)
	return repo
}

func createIdleAgent(t *testing.T, repo *Repository) *models.Agent {
	t.Helper()
	a := &models.Agent{OwnerID: "owner-1", Name: "a", State: models.StateIdle, ReadyForPrompt: true}
	require.NoError(t, repo.CreateAgent(context.Background(), a))
	return a
}

func queuePrompt(t *testing.T, repo *Repository, agentID, text string, at models.Millis) *models.Prompt {
	t.Helper()
	p := &models.Prompt{AgentID: agentID, Text: text, CreatedAt: at}
	require.NoError(t, repo.CreatePrompt(context.Background(), p))
	return p
}

// ============================================
// AGENTS
// ============================================

func TestAgentCRUD(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	a := &models.Agent{OwnerID: "o", Name: "first"}
	require.NoError(t, repo.CreateAgent(ctx, a))
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, models.StateProvisioning, a.State)

	got, err := repo.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Name)
	assert.Nil(t, got.MachineID)
	assert.False(t, got.ReadyForPrompt)

	list, err := repo.ListAgentsByOwner(ctx, "o")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, repo.DeleteAgent(ctx, a.ID))
	_, err = repo.GetAgent(ctx, a.ID)
	assert.True(t, errors.Is(err, ErrAgentNotFound))
}

func TestBumpEventsVersion_StrictlyIncreasing(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	a := createIdleAgent(t, repo)

	var mu sync.Mutex
	seen := map[int64]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, owner, err := repo.BumpEventsVersion(ctx, a.ID)
			assert.NoError(t, err)
			assert.Equal(t, "owner-1", owner)
			mu.Lock()
			seen[v] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 20, "every bump must observe a distinct version")
	got, err := repo.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), got.EventsVersion)
}

func TestTransitionState_CompareAndSet(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	a := &models.Agent{OwnerID: "o"}
	require.NoError(t, repo.CreateAgent(ctx, a))

	ok, err := repo.TransitionState(ctx, a.ID, []models.AgentState{models.StateCloning}, models.StateReady, TransitionOptions{})
	require.NoError(t, err)
	assert.False(t, ok, "agent is provisioning, not cloning")

	ok, err = repo.BindMachine(ctx, a.ID, "m-1", "10.0.0.1:8911")
	require.NoError(t, err)
	assert.True(t, ok)

	got, _ := repo.GetAgent(ctx, a.ID)
	assert.Equal(t, models.StateProvisioned, got.State)
	require.NotNil(t, got.MachineID)
	assert.Equal(t, "m-1", *got.MachineID)

	ok, err = repo.BindMachine(ctx, a.ID, "m-2", "x")
	require.NoError(t, err)
	assert.False(t, ok, "binding twice must not overwrite")
}

// ============================================
// DISPATCH
// ============================================

func TestBeginPrompt_SingleRunning(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	a := createIdleAgent(t, repo)
	queuePrompt(t, repo, a.ID, "one", 1000)
	queuePrompt(t, repo, a.ID, "two", 2000)

	var wg sync.WaitGroup
	results := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.BeginPrompt(ctx, a.ID, "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, ErrAgentNotReady), "unexpected error %v", err)
	}
	assert.Equal(t, 1, wins)

	n, err := repo.CountRunning(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBeginPrompt_NoQueued(t *testing.T) {
	repo := setupRepo(t)
	a := createIdleAgent(t, repo)
	_, err := repo.BeginPrompt(context.Background(), a.ID, "")
	assert.True(t, errors.Is(err, ErrNoQueuedPrompt))
}

func TestCommitPrompt_StaleGenerationDiscarded(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	a := createIdleAgent(t, repo)
	queuePrompt(t, repo, a.ID, "work", 1000)

	claim, err := repo.BeginPrompt(ctx, a.ID, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), claim.Generation)

	gen, ids, ok, err := repo.InterruptRunning(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), gen)
	assert.Equal(t, []string{claim.Prompt.ID}, ids)

	committed, err := repo.CommitPrompt(ctx, a.ID, claim.Prompt.ID, claim.Generation,
		Outcome{Status: models.PromptFailed})
	require.NoError(t, err)
	assert.False(t, committed)

	p, err := repo.GetPrompt(ctx, claim.Prompt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PromptFinished, p.Status, "interrupt result must survive the stale completion")
	assert.True(t, p.Interrupted)

	got, _ := repo.GetAgent(ctx, a.ID)
	assert.Equal(t, models.StateIdle, got.State)
	assert.True(t, got.ReadyForPrompt)
}

func TestCommitPrompt_CurrentGeneration(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	a := createIdleAgent(t, repo)
	queuePrompt(t, repo, a.ID, "work", 1000)

	claim, err := repo.BeginPrompt(ctx, a.ID, "")
	require.NoError(t, err)

	mid, _ := repo.GetAgent(ctx, a.ID)
	assert.Equal(t, models.StateRunning, mid.State)
	assert.False(t, mid.ReadyForPrompt)
	require.NotNil(t, mid.LastPromptText)
	assert.Equal(t, "work", *mid.LastPromptText)

	committed, err := repo.CommitPrompt(ctx, a.ID, claim.Prompt.ID, claim.Generation,
		Outcome{Status: models.PromptFinished})
	require.NoError(t, err)
	assert.True(t, committed)

	got, _ := repo.GetAgent(ctx, a.ID)
	assert.Equal(t, models.StateIdle, got.State)
	assert.True(t, got.ReadyForPrompt)
}

func TestPrioritizePrompt_JumpsQueue(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	a := createIdleAgent(t, repo)
	base := models.MillisOf(time.Now())
	p1 := queuePrompt(t, repo, a.ID, "P1", base)
	p2 := queuePrompt(t, repo, a.ID, "P2", base+1000)

	moved, err := repo.PrioritizePrompt(ctx, p2.ID)
	require.NoError(t, err)
	assert.Equal(t, base-1, moved.CreatedAt)

	claim, err := repo.BeginPrompt(ctx, a.ID, "")
	require.NoError(t, err)
	assert.Equal(t, p2.ID, claim.Prompt.ID)

	_, err = repo.PrioritizePrompt(ctx, p2.ID)
	assert.True(t, errors.Is(err, ErrPromptNotQueued))
	_ = p1
}

func TestDeleteQueuedAndOthers(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	a := createIdleAgent(t, repo)
	p1 := queuePrompt(t, repo, a.ID, "1", 1)
	p2 := queuePrompt(t, repo, a.ID, "2", 2)
	p3 := queuePrompt(t, repo, a.ID, "3", 3)

	removed, err := repo.DeleteQueuedPrompt(ctx, p1.ID)
	require.NoError(t, err)
	assert.Equal(t, "1", removed.Text)

	_, err = repo.DeleteQueuedPrompt(ctx, "missing")
	assert.True(t, errors.Is(err, ErrPromptNotFound))

	ids, err := repo.DeleteOtherQueued(ctx, a.ID, p3.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{p2.ID}, ids)

	left, err := repo.ListPrompts(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, p3.ID, left[0].ID)
}

func TestFailAllActive(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	a := createIdleAgent(t, repo)
	queuePrompt(t, repo, a.ID, "1", 1)
	queuePrompt(t, repo, a.ID, "2", 2)
	claim, err := repo.BeginPrompt(ctx, a.ID, "")
	require.NoError(t, err)

	n, err := repo.FailAllActive(ctx, a.ID, "reset")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, _ := repo.GetAgent(ctx, a.ID)
	assert.Equal(t, models.StateIdle, got.State)
	assert.Greater(t, got.PromptGeneration, claim.Generation)

	committed, err := repo.CommitPrompt(ctx, a.ID, claim.Prompt.ID, claim.Generation, Outcome{Status: models.PromptFinished})
	require.NoError(t, err)
	assert.False(t, committed)
}

// ============================================
// HEALTH AND RESTORE
// ============================================

func TestHealthCountersAndEscalation(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	a := &models.Agent{OwnerID: "o"}
	require.NoError(t, repo.CreateAgent(ctx, a))
	_, err := repo.BindMachine(ctx, a.ID, "m-1", "addr")
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		n, err := repo.IncrementHealthFailures(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	esc, err := repo.EscalateUnhealthy(ctx, a.ID, 3, "unreachable")
	require.NoError(t, err)
	assert.Nil(t, esc, "below threshold")

	_, err = repo.IncrementHealthFailures(ctx, a.ID)
	require.NoError(t, err)
	esc, err = repo.EscalateUnhealthy(ctx, a.ID, 3, "unreachable")
	require.NoError(t, err)
	require.NotNil(t, esc)
	assert.Equal(t, "m-1", esc.MachineID)

	got, _ := repo.GetAgent(ctx, a.ID)
	assert.Equal(t, models.StateError, got.State)
	assert.Nil(t, got.MachineID)

	targets, err := repo.ListProbeTargets(ctx)
	require.NoError(t, err)
	assert.Empty(t, targets)
}

func TestAutoRestore_PolicyLimits(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.SetClock(func() time.Time { return now })

	mk := func() *models.Agent {
		a := &models.Agent{OwnerID: "o", State: models.StateError}
		require.NoError(t, repo.CreateAgent(ctx, a))
		return a
	}
	a1, a2 := mk(), mk()
	cutoff := models.MillisOf(now.Add(-48 * time.Hour))

	out, err := repo.CheckAutoRestore(ctx, a1.ID, "2026-03-01", 1, cutoff)
	require.NoError(t, err)
	assert.Equal(t, RestoreEligible, out)

	out, err = repo.AutoRestore(ctx, a1.ID, "2026-03-01", 1, cutoff)
	require.NoError(t, err)
	assert.Equal(t, RestoreApplied, out)
	got, _ := repo.GetAgent(ctx, a1.ID)
	assert.Equal(t, models.StateIdle, got.State)
	assert.True(t, got.ReadyForPrompt)

	out, err = repo.CheckAutoRestore(ctx, a2.ID, "2026-03-01", 1, cutoff)
	require.NoError(t, err)
	assert.Equal(t, RestoreDailyLimit, out)

	out, err = repo.AutoRestore(ctx, a2.ID, "2026-03-01", 1, cutoff)
	require.NoError(t, err)
	assert.Equal(t, RestoreDailyLimit, out)

	out, err = repo.AutoRestore(ctx, a2.ID, "2026-03-02", 1, cutoff)
	require.NoError(t, err)
	assert.Equal(t, RestoreApplied, out)

	out, err = repo.AutoRestore(ctx, a2.ID, "2026-03-03", 1, cutoff)
	require.NoError(t, err)
	assert.Equal(t, RestoreNotInError, out)

	old := mk()
	out, err = repo.AutoRestore(ctx, old.ID, "2026-03-04", 1, models.MillisOf(now.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, RestoreTooOld, out)
}

func TestAttachMachine_OnlyMachinelessErrored(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	a := &models.Agent{OwnerID: "o", State: models.StateError}
	require.NoError(t, repo.CreateAgent(ctx, a))
	ok, err := repo.AttachMachine(ctx, a.ID, "m-2", "10.0.0.2:8911")
	require.NoError(t, err)
	assert.True(t, ok)

	got, _ := repo.GetAgent(ctx, a.ID)
	assert.Equal(t, models.StateError, got.State)
	require.NotNil(t, got.MachineID)
	assert.Equal(t, "m-2", *got.MachineID)

	ok, err = repo.AttachMachine(ctx, a.ID, "m-3", "x")
	require.NoError(t, err)
	assert.False(t, ok, "agent already holds a machine")

	idle := &models.Agent{OwnerID: "o", State: models.StateIdle}
	require.NoError(t, repo.CreateAgent(ctx, idle))
	ok, err = repo.AttachMachine(ctx, idle.ID, "m-4", "x")
	require.NoError(t, err)
	assert.False(t, ok)
}
