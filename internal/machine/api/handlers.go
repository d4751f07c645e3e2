// Package api provides REST API handlers for the machine pool and snapshots.
package api

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub006/internal/common/errors"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub006/internal/machine/models"
	"github.com/ariana-dot-dev/ariana-sub006/internal/machine/reservation"
	"github.com/ariana-dot-dev/ariana-sub006/internal/machine/store"
)

// ParkMachineRequest adds a machine to the warm pool.
type ParkMachineRequest struct {
	MachineID string `json:"machineId" binding:"required"`
	Address   string `json:"address" binding:"required"`
	Ready     bool   `json:"ready"`
}

// SnapshotRequest asks for a priority snapshot.
type SnapshotRequest struct {
	Address string `json:"address" binding:"required"`
}

// PoolResponse lists pool entries.
type PoolResponse struct {
	Machines []*models.PoolEntry `json:"machines"`
	Total    int                 `json:"total"`
}

// AttentionResponse lists machines whose snapshots exhausted their retries.
type AttentionResponse struct {
	Machines []*models.SnapshotQueueEntry `json:"machines"`
	Total    int                          `json:"total"`
}

// SnapshotTrigger takes a priority snapshot of a machine.
type SnapshotTrigger interface {
	Trigger(ctx context.Context, machineID, address string) error
}

// Kicker wakes a background loop ahead of its next tick.
type Kicker interface {
	Kick()
}

// Handler contains HTTP handlers for the machine API.
type Handler struct {
	store     *store.Store
	queue     *reservation.Queue
	snapshots SnapshotTrigger
	matcher   Kicker
	logger    *logger.Logger
}

// NewHandler creates the machine API handler. matcher, when set, is kicked
// whenever a claimable machine appears.
func NewHandler(st *store.Store, q *reservation.Queue, snapshots SnapshotTrigger, matcher Kicker, log *logger.Logger) *Handler {
	return &Handler{
		store:     st,
		queue:     q,
		snapshots: snapshots,
		matcher:   matcher,
		logger:    log.WithFields(zap.String("component", "machine-api")),
	}
}

// SetupRoutes configures the machine API routes.
func SetupRoutes(router *gin.RouterGroup, h *Handler) {
	pool := router.Group("/machines/pool")
	{
		pool.GET("", h.ListPool)
		pool.POST("", h.ParkMachine)
		pool.GET("/stats", h.PoolStats)
		pool.POST("/:machineId/ready", h.MarkReady)
		pool.DELETE("/:machineId", h.RemoveMachine)
	}
	router.POST("/snapshots/:machineId", h.TriggerSnapshot)
	router.GET("/snapshots/attention", h.ListAttention)
}

// PoolStats returns the pool diagnostic.
// GET /api/v1/machines/pool/stats
func (h *Handler) PoolStats(c *gin.Context) {
	stats, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err, "failed to compute pool stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ListPool lists pooled machines.
// GET /api/v1/machines/pool
func (h *Handler) ListPool(c *gin.Context) {
	entries, err := h.store.ListPool(c.Request.Context())
	if err != nil {
		h.fail(c, err, "failed to list pool")
		return
	}
	c.JSON(http.StatusOK, PoolResponse{Machines: entries, Total: len(entries)})
}

// ParkMachine adds a machine to the pool.
// POST /api/v1/machines/pool
func (h *Handler) ParkMachine(c *gin.Context) {
	var req ParkMachineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	entry, err := h.store.AddToPool(c.Request.Context(), req.MachineID, req.Address, req.Ready)
	if err != nil {
		h.fail(c, err, "failed to park machine")
		return
	}
	h.logger.WithMachineID(req.MachineID).Info("Machine parked", zap.Bool("ready", req.Ready))
	if req.Ready {
		h.kick()
	}
	c.JSON(http.StatusCreated, entry)
}

// MarkReady flags a pooled machine as claimable.
// POST /api/v1/machines/pool/:machineId/ready
func (h *Handler) MarkReady(c *gin.Context) {
	machineID := c.Param("machineId")
	if err := h.store.MarkReady(c.Request.Context(), machineID); err != nil {
		h.fail(c, err, "failed to mark machine ready")
		return
	}
	h.kick()
	c.JSON(http.StatusOK, gin.H{"machineId": machineID, "ready": true})
}

// RemoveMachine drops a machine from the pool.
// DELETE /api/v1/machines/pool/:machineId
func (h *Handler) RemoveMachine(c *gin.Context) {
	if err := h.store.RemoveFromPool(c.Request.Context(), c.Param("machineId")); err != nil {
		h.fail(c, err, "failed to remove machine")
		return
	}
	c.Status(http.StatusNoContent)
}

// TriggerSnapshot queues a priority snapshot.
// POST /api/v1/snapshots/:machineId
func (h *Handler) TriggerSnapshot(c *gin.Context) {
	var req SnapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if h.snapshots == nil {
		appErr := errors.ServiceUnavailable("snapshots")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	machineID := c.Param("machineId")
	if err := h.snapshots.Trigger(c.Request.Context(), machineID, req.Address); err != nil {
		h.fail(c, err, "failed to trigger snapshot")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"machineId": machineID, "queued": true})
}

// ListAttention lists machines parked for manual attention.
// GET /api/v1/snapshots/attention
func (h *Handler) ListAttention(c *gin.Context) {
	entries, err := h.store.ListManualAttention(c.Request.Context())
	if err != nil {
		h.fail(c, err, "failed to list snapshot failures")
		return
	}
	c.JSON(http.StatusOK, AttentionResponse{Machines: entries, Total: len(entries)})
}

func (h *Handler) kick() {
	if h.matcher != nil {
		h.matcher.Kick()
	}
}

func (h *Handler) fail(c *gin.Context, err error, msg string) {
	var appErr *errors.AppError
	switch {
	case stderrors.Is(err, store.ErrMachineNotFound):
		appErr = errors.New(errors.ErrCodeNotFound, err.Error(), err)
	case stderrors.Is(err, store.ErrMachineExists):
		appErr = errors.Conflict(err.Error(), err)
	default:
		h.logger.Error(msg, zap.Error(err))
		appErr = errors.Wrap(err, msg)
	}
	c.JSON(appErr.HTTPStatus, appErr)
}
