package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/lifecycle"
	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/repository"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub006/internal/db"
	"github.com/ariana-dot-dev/ariana-sub006/internal/events"
	"github.com/ariana-dot-dev/ariana-sub006/internal/events/bus"
	"github.com/ariana-dot-dev/ariana-sub006/internal/machine/reservation"
	"github.com/ariana-dot-dev/ariana-sub006/internal/machine/store"
)

type countingKicker struct{ n atomic.Int32 }

func (k *countingKicker) Kick() { k.n.Add(1) }

type recordingTrigger struct{ machineID, address string }

func (r *recordingTrigger) Trigger(ctx context.Context, machineID, address string) error {
	r.machineID, r.address = machineID, address
	return nil
}

type machineEnv struct {
	router  *gin.Engine
	store   *store.Store
	kicker  *countingKicker
	trigger *recordingTrigger
}

func newMachineEnv(t *testing.T) *machineEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.NewNop()
	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "machines.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	repo, err := repository.New(pool)
	require.NoError(t, err)
	st, err := store.New(pool)
	require.NoError(t, err)
	b := bus.NewMemoryEventBus(log)
	t.Cleanup(b.Close)
	lc := lifecycle.NewService(repo, events.NewEmitter(repo, b, "test", log), lifecycle.DefaultConfig(), log)

	env := &machineEnv{store: st, kicker: &countingKicker{}, trigger: &recordingTrigger{}}
	env.router = gin.New()
	SetupRoutes(env.router.Group("/api/v1"), NewHandler(st, reservation.New(st, lc, 2, log), env.trigger, env.kicker, log))
	return env
}

func (e *machineEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	e.router.ServeHTTP(resp, req)
	return resp
}

func TestParkMachine(t *testing.T) {
	env := newMachineEnv(t)

	resp := env.do(http.MethodPost, "/api/v1/machines/pool", ParkMachineRequest{MachineID: "m-1", Address: "10.0.0.1:8911", Ready: true})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	assert.Equal(t, int32(1), env.kicker.n.Load())

	resp = env.do(http.MethodPost, "/api/v1/machines/pool", ParkMachineRequest{MachineID: "m-1", Address: "10.0.0.1:8911"})
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = env.do(http.MethodPost, "/api/v1/machines/pool", map[string]string{"machineId": "m-2"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = env.do(http.MethodGet, "/api/v1/machines/pool", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var list PoolResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)
}

func TestMarkReadyAndStats(t *testing.T) {
	env := newMachineEnv(t)
	ctx := context.Background()
	_, err := env.store.AddToPool(ctx, "m-1", "10.0.0.1:8911", false)
	require.NoError(t, err)

	resp := env.do(http.MethodGet, "/api/v1/machines/pool/stats", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var stats reservation.PoolStats
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &stats))
	assert.Equal(t, reservation.StatusCritical, stats.Status)

	resp = env.do(http.MethodPost, "/api/v1/machines/pool/m-1/ready", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, int32(1), env.kicker.n.Load())

	resp = env.do(http.MethodGet, "/api/v1/machines/pool/stats", nil)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.PoolSize)
	assert.Equal(t, reservation.StatusDegraded, stats.Status)

	resp = env.do(http.MethodPost, "/api/v1/machines/pool/missing/ready", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestRemoveMachine(t *testing.T) {
	env := newMachineEnv(t)
	_, err := env.store.AddToPool(context.Background(), "m-1", "10.0.0.1:8911", true)
	require.NoError(t, err)

	resp := env.do(http.MethodDelete, "/api/v1/machines/pool/m-1", nil)
	assert.Equal(t, http.StatusNoContent, resp.Code)
	resp = env.do(http.MethodDelete, "/api/v1/machines/pool/m-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestTriggerSnapshot(t *testing.T) {
	env := newMachineEnv(t)

	resp := env.do(http.MethodPost, "/api/v1/snapshots/m-7", SnapshotRequest{Address: "10.0.0.7:8911"})
	require.Equal(t, http.StatusAccepted, resp.Code)
	assert.Equal(t, "m-7", env.trigger.machineID)
	assert.Equal(t, "10.0.0.7:8911", env.trigger.address)

	resp = env.do(http.MethodPost, "/api/v1/snapshots/m-7", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestListAttention(t *testing.T) {
	env := newMachineEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.EnqueueSnapshot(ctx, "m-1", "10.0.0.1:8911", false))
	_, err := env.store.FailSnapshot(ctx, "m-1", "disk full", 1)
	require.NoError(t, err)

	resp := env.do(http.MethodGet, "/api/v1/snapshots/attention", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var out AttentionResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	require.Equal(t, 1, out.Total)
	assert.Equal(t, "m-1", out.Machines[0].MachineID)
}
