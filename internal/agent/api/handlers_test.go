package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/assistant"
	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/dispatcher"
	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/lifecycle"
	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/models"
	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/repository"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/errors"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub006/internal/db"
	"github.com/ariana-dot-dev/ariana-sub006/internal/events"
	"github.com/ariana-dot-dev/ariana-sub006/internal/events/bus"
)

type snapshotCall struct{ machineID, address string }

type fakeSnapshots struct {
	mu    sync.Mutex
	calls []snapshotCall
}

func (f *fakeSnapshots) Trigger(ctx context.Context, machineID, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, snapshotCall{machineID, address})
	return nil
}

type fakeReservations struct {
	mu        sync.Mutex
	cancelled []string
}

func (f *fakeReservations) DeleteReservationForAgent(ctx context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, agentID)
	return nil
}

type apiEnv struct {
	router       *gin.Engine
	repo         *repository.Repository
	lc           *lifecycle.Service
	snapshots    *fakeSnapshots
	reservations *fakeReservations
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.NewNop()

	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	repo, err := repository.New(pool)
	require.NoError(t, err)

	b := bus.NewMemoryEventBus(log)
	t.Cleanup(b.Close)
	em := events.NewEmitter(repo, b, "test", log)
	lc := lifecycle.NewService(repo, em, lifecycle.DefaultConfig(), log)
	ok := assistant.Func(func(ctx context.Context, req assistant.Request) (assistant.Result, error) {
		return assistant.Result{Outcome: assistant.OutcomeSuccess}, nil
	})
	d := dispatcher.New(repo, lc, em, ok, log)
	t.Cleanup(d.Stop)

	env := &apiEnv{repo: repo, lc: lc, snapshots: &fakeSnapshots{}, reservations: &fakeReservations{}}
	env.router = gin.New()
	SetupRoutes(env.router.Group("/api/v1"), NewHandler(repo, lc, d, env.snapshots, env.reservations, log))
	return env
}

func (e *apiEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	e.router.ServeHTTP(resp, req)
	return resp
}

func decode[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &v), resp.Body.String())
	return v
}

// idleAgent creates an agent and walks it through setup.
func (e *apiEnv) idleAgent(t *testing.T) *models.Agent {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/v1/agents", CreateAgentRequest{OwnerID: "owner-1", Name: "worker"})
	require.Equal(t, http.StatusCreated, resp.Code)
	a := decode[models.Agent](t, resp)

	ok, err := e.lc.BindMachine(context.Background(), a.ID, "m-1", "10.0.0.1:8911")
	require.NoError(t, err)
	require.True(t, ok)
	for range 3 {
		resp := e.do(t, http.MethodPost, "/api/v1/agents/"+a.ID+"/setup/advance", nil)
		require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	}
	got, err := e.repo.GetAgent(context.Background(), a.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateIdle, got.State)
	return got
}

func TestCreateAgent(t *testing.T) {
	env := newAPIEnv(t)
	var provisioned []string
	env.lc.OnMachineNeeded(func(ctx context.Context, agentID string) {
		provisioned = append(provisioned, agentID)
	})

	resp := env.do(t, http.MethodPost, "/api/v1/agents", CreateAgentRequest{OwnerID: "owner-1", Name: "worker"})
	require.Equal(t, http.StatusCreated, resp.Code)
	a := decode[models.Agent](t, resp)
	assert.Equal(t, models.StateProvisioning, a.State)
	assert.Equal(t, []string{a.ID}, provisioned)

	resp = env.do(t, http.MethodPost, "/api/v1/agents", map[string]string{"ownerId": "owner-1"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestGetAndListAgents(t *testing.T) {
	env := newAPIEnv(t)
	a := env.idleAgent(t)

	resp := env.do(t, http.MethodGet, "/api/v1/agents/"+a.ID, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, a.ID, decode[models.Agent](t, resp).ID)

	resp = env.do(t, http.MethodGet, "/api/v1/agents/missing", nil)
	require.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, errors.ErrCodeNotFound, decode[errors.AppError](t, resp).Code)

	resp = env.do(t, http.MethodGet, "/api/v1/agents", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = env.do(t, http.MethodGet, "/api/v1/agents?ownerId=owner-1", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 1, decode[AgentsResponse](t, resp).Total)
}

func TestSetup_InvalidStepIsConflict(t *testing.T) {
	env := newAPIEnv(t)
	resp := env.do(t, http.MethodPost, "/api/v1/agents", CreateAgentRequest{OwnerID: "o", Name: "n"})
	a := decode[models.Agent](t, resp)

	resp = env.do(t, http.MethodPost, "/api/v1/agents/"+a.ID+"/setup/advance", nil)
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = env.do(t, http.MethodPost, "/api/v1/agents/"+a.ID+"/setup/fail", FailRequest{Reason: "clone failed"})
	require.Equal(t, http.StatusOK, resp.Code)
	got := decode[models.Agent](t, resp)
	assert.Equal(t, models.StateError, got.State)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "clone failed", *got.ErrorMessage)
}

func TestQueuePrompt_RunsOnIdleAgent(t *testing.T) {
	env := newAPIEnv(t)
	a := env.idleAgent(t)

	resp := env.do(t, http.MethodPost, "/api/v1/agents/"+a.ID+"/prompts", QueuePromptRequest{Text: "fix the build"})
	require.Equal(t, http.StatusAccepted, resp.Code)
	p := decode[models.Prompt](t, resp)

	require.Eventually(t, func() bool {
		got, err := env.repo.GetPrompt(context.Background(), p.ID)
		return err == nil && got.Status == models.PromptFinished
	}, 3*time.Second, 10*time.Millisecond)

	resp = env.do(t, http.MethodGet, "/api/v1/agents/"+a.ID+"/prompts", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 1, decode[PromptsResponse](t, resp).Total)

	resp = env.do(t, http.MethodPost, "/api/v1/agents/"+a.ID+"/prompts", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestInterrupt_NothingRunning(t *testing.T) {
	env := newAPIEnv(t)
	a := env.idleAgent(t)
	resp := env.do(t, http.MethodPost, "/api/v1/agents/"+a.ID+"/interrupt", nil)
	assert.Equal(t, http.StatusConflict, resp.Code)
}

func TestPromptBacklogOperations(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()
	resp := env.do(t, http.MethodPost, "/api/v1/agents", CreateAgentRequest{OwnerID: "o", Name: "n"})
	a := decode[models.Agent](t, resp)

	// A provisioning agent keeps its backlog queued.
	var ids []string
	for _, text := range []string{"one", "two", "three"} {
		resp := env.do(t, http.MethodPost, "/api/v1/agents/"+a.ID+"/prompts", QueuePromptRequest{Text: text})
		require.Equal(t, http.StatusAccepted, resp.Code)
		ids = append(ids, decode[models.Prompt](t, resp).ID)
	}

	resp = env.do(t, http.MethodPost, "/api/v1/prompts/"+ids[2]+"/prioritize", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	prompts, err := env.repo.ListPrompts(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, ids[2], prompts[0].ID)

	resp = env.do(t, http.MethodDelete, "/api/v1/prompts/"+ids[0], nil)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = env.do(t, http.MethodPost, "/api/v1/agents/"+a.ID+"/prompts/"+ids[2]+"/cancel-others", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, []string{ids[1]}, decode[CancelOthersResponse](t, resp).Cancelled)

	prompts, err = env.repo.ListPrompts(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.Equal(t, ids[2], prompts[0].ID)

	resp = env.do(t, http.MethodPost, "/api/v1/prompts/missing/prioritize", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestArchive_SnapshotsFirst(t *testing.T) {
	env := newAPIEnv(t)
	a := env.idleAgent(t)

	resp := env.do(t, http.MethodPost, "/api/v1/agents/"+a.ID+"/archive", nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, models.StateArchived, decode[models.Agent](t, resp).State)
	assert.Equal(t, []snapshotCall{{"m-1", "10.0.0.1:8911"}}, env.snapshots.calls)
	assert.Equal(t, []string{a.ID}, env.reservations.cancelled)

	resp = env.do(t, http.MethodPost, "/api/v1/agents/"+a.ID+"/prompts", QueuePromptRequest{Text: "late"})
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = env.do(t, http.MethodPost, "/api/v1/agents/"+a.ID+"/restore", nil)
	assert.Equal(t, http.StatusConflict, resp.Code)
}

func TestRestore_FromError(t *testing.T) {
	env := newAPIEnv(t)
	a := env.idleAgent(t)
	require.NoError(t, env.lc.Fail(context.Background(), a.ID, "machine vanished"))

	resp := env.do(t, http.MethodPost, "/api/v1/agents/"+a.ID+"/restore", nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	got := decode[models.Agent](t, resp)
	assert.Equal(t, models.StateIdle, got.State)
	assert.Nil(t, got.ErrorMessage)
}

func TestAutonomousToggle(t *testing.T) {
	env := newAPIEnv(t)
	resp := env.do(t, http.MethodPost, "/api/v1/agents", CreateAgentRequest{OwnerID: "o", Name: "n"})
	a := decode[models.Agent](t, resp)

	resp = env.do(t, http.MethodPost, "/api/v1/agents/"+a.ID+"/autonomous", AutonomousRequest{Task: "refactor"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	got := decode[models.Agent](t, resp)
	assert.True(t, got.InAutonomousMode)
	require.NotNil(t, got.TaskDescription)
	assert.Equal(t, "refactor", *got.TaskDescription)

	prompts, err := env.repo.ListPrompts(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.Equal(t, "refactor", prompts[0].Text)

	resp = env.do(t, http.MethodDelete, "/api/v1/agents/"+a.ID+"/autonomous", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.False(t, decode[models.Agent](t, resp).InAutonomousMode)
}

func TestDeleteAgent(t *testing.T) {
	env := newAPIEnv(t)
	resp := env.do(t, http.MethodPost, "/api/v1/agents", CreateAgentRequest{OwnerID: "o", Name: "n"})
	a := decode[models.Agent](t, resp)

	resp = env.do(t, http.MethodDelete, "/api/v1/agents/"+a.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.Code)
	assert.Equal(t, []string{a.ID}, env.reservations.cancelled)

	resp = env.do(t, http.MethodGet, "/api/v1/agents/"+a.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}
