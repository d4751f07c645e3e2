package api

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/dispatcher"
	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/lifecycle"
	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/models"
	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/repository"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/errors"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/logger"
)

// SnapshotTrigger takes a priority snapshot of a machine.
type SnapshotTrigger interface {
	Trigger(ctx context.Context, machineID, address string) error
}

// ReservationCanceller drops an agent's pending machine request.
type ReservationCanceller interface {
	DeleteReservationForAgent(ctx context.Context, agentID string) error
}

// Handler contains HTTP handlers for the agent API.
type Handler struct {
	repo         *repository.Repository
	lifecycle    *lifecycle.Service
	dispatcher   *dispatcher.Dispatcher
	snapshots    SnapshotTrigger
	reservations ReservationCanceller
	logger       *logger.Logger
}

// NewHandler creates a new API handler. snapshots and reservations may be nil.
func NewHandler(repo *repository.Repository, lc *lifecycle.Service, d *dispatcher.Dispatcher,
	snapshots SnapshotTrigger, reservations ReservationCanceller, log *logger.Logger) *Handler {
	return &Handler{
		repo:         repo,
		lifecycle:    lc,
		dispatcher:   d,
		snapshots:    snapshots,
		reservations: reservations,
		logger:       log.WithFields(zap.String("component", "agent-api")),
	}
}

// CreateAgent creates an agent; the provisioning hook files its machine request.
// POST /api/v1/agents
func (h *Handler) CreateAgent(c *gin.Context) {
	var req CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.ValidationError("request", err.Error()))
		return
	}
	a := &models.Agent{OwnerID: req.OwnerID, Name: req.Name}
	if err := h.lifecycle.Create(c.Request.Context(), a); err != nil {
		h.fail(c, err, "failed to create agent")
		return
	}
	created, err := h.lifecycle.Get(c.Request.Context(), a.ID)
	if err != nil {
		h.fail(c, err, "failed to load agent")
		return
	}
	c.JSON(http.StatusCreated, created)
}

// GetAgent returns one agent.
// GET /api/v1/agents/:agentId
func (h *Handler) GetAgent(c *gin.Context) {
	a, err := h.lifecycle.Get(c.Request.Context(), c.Param("agentId"))
	if err != nil {
		h.fail(c, err, "failed to get agent")
		return
	}
	c.JSON(http.StatusOK, a)
}

// ListAgents lists the agents of an owner.
// GET /api/v1/agents?ownerId=
func (h *Handler) ListAgents(c *gin.Context) {
	ownerID := c.Query("ownerId")
	if ownerID == "" {
		writeError(c, errors.BadRequest("ownerId is required"))
		return
	}
	agents, err := h.repo.ListAgentsByOwner(c.Request.Context(), ownerID)
	if err != nil {
		h.fail(c, err, "failed to list agents")
		return
	}
	c.JSON(http.StatusOK, AgentsResponse{Agents: agents, Total: len(agents)})
}

// DeleteAgent hard-deletes an agent and its prompts.
// DELETE /api/v1/agents/:agentId
func (h *Handler) DeleteAgent(c *gin.Context) {
	agentID := c.Param("agentId")
	if err := h.lifecycle.Delete(c.Request.Context(), agentID); err != nil {
		h.fail(c, err, "failed to delete agent")
		return
	}
	h.cancelReservation(c.Request.Context(), agentID)
	c.Status(http.StatusNoContent)
}

// ListPrompts returns the agent's prompts in dispatch order.
// GET /api/v1/agents/:agentId/prompts
func (h *Handler) ListPrompts(c *gin.Context) {
	agentID := c.Param("agentId")
	if _, err := h.repo.GetAgent(c.Request.Context(), agentID); err != nil {
		h.fail(c, err, "failed to get agent")
		return
	}
	prompts, err := h.repo.ListPrompts(c.Request.Context(), agentID)
	if err != nil {
		h.fail(c, err, "failed to list prompts")
		return
	}
	c.JSON(http.StatusOK, PromptsResponse{Prompts: prompts, Total: len(prompts)})
}

// QueuePrompt appends a prompt; an idle agent starts it right away.
// POST /api/v1/agents/:agentId/prompts
func (h *Handler) QueuePrompt(c *gin.Context) {
	var req QueuePromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.ValidationError("request", err.Error()))
		return
	}
	p, err := h.dispatcher.Queue(c.Request.Context(), c.Param("agentId"), req.Text, req.Model)
	if err != nil {
		h.fail(c, err, "failed to queue prompt")
		return
	}
	c.JSON(http.StatusAccepted, p)
}

// Interrupt stops the running prompt.
// POST /api/v1/agents/:agentId/interrupt
func (h *Handler) Interrupt(c *gin.Context) {
	agentID := c.Param("agentId")
	if err := h.dispatcher.Interrupt(c.Request.Context(), agentID); err != nil {
		h.fail(c, err, "failed to interrupt agent")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"agentId": agentID, "interrupted": true})
}

// PrioritizePrompt moves a queued prompt to the front of the backlog.
// POST /api/v1/prompts/:promptId/prioritize
func (h *Handler) PrioritizePrompt(c *gin.Context) {
	p, err := h.dispatcher.Prioritize(c.Request.Context(), c.Param("promptId"))
	if err != nil {
		h.fail(c, err, "failed to prioritize prompt")
		return
	}
	c.JSON(http.StatusOK, p)
}

// CancelPrompt deletes a queued prompt.
// DELETE /api/v1/prompts/:promptId
func (h *Handler) CancelPrompt(c *gin.Context) {
	p, err := h.dispatcher.Cancel(c.Request.Context(), c.Param("promptId"))
	if err != nil {
		h.fail(c, err, "failed to cancel prompt")
		return
	}
	c.JSON(http.StatusOK, p)
}

// CancelOthers deletes every queued prompt of the agent except one.
// POST /api/v1/agents/:agentId/prompts/:promptId/cancel-others
func (h *Handler) CancelOthers(c *gin.Context) {
	ids, err := h.dispatcher.CancelOthers(c.Request.Context(), c.Param("agentId"), c.Param("promptId"))
	if err != nil {
		h.fail(c, err, "failed to cancel prompts")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, CancelOthersResponse{Cancelled: ids})
}

// ArchiveAgent takes a priority snapshot of the agent's machine, then archives it.
// POST /api/v1/agents/:agentId/archive
func (h *Handler) ArchiveAgent(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := c.Param("agentId")
	a, err := h.lifecycle.Get(ctx, agentID)
	if err != nil {
		h.fail(c, err, "failed to get agent")
		return
	}
	if h.snapshots != nil && a.HasMachine() && a.MachineAddress != nil {
		if err := h.snapshots.Trigger(ctx, *a.MachineID, *a.MachineAddress); err != nil {
			h.logger.WithAgentID(agentID).Warn("Failed to request archive snapshot", zap.Error(err))
		}
	}
	if err := h.lifecycle.Archive(ctx, agentID); err != nil {
		h.fail(c, err, "failed to archive agent")
		return
	}
	h.cancelReservation(ctx, agentID)
	h.respondAgent(c, agentID)
}

// RestoreAgent moves an errored agent back to service.
// POST /api/v1/agents/:agentId/restore
func (h *Handler) RestoreAgent(c *gin.Context) {
	agentID := c.Param("agentId")
	if err := h.lifecycle.Restore(c.Request.Context(), agentID); err != nil {
		h.fail(c, err, "failed to restore agent")
		return
	}
	h.respondAgent(c, agentID)
}

// StartAutonomous turns autonomous mode on.
// POST /api/v1/agents/:agentId/autonomous
func (h *Handler) StartAutonomous(c *gin.Context) {
	var req AutonomousRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.ValidationError("request", err.Error()))
		return
	}
	agentID := c.Param("agentId")
	if err := h.dispatcher.SetAutonomous(c.Request.Context(), agentID, req.Task); err != nil {
		h.fail(c, err, "failed to start autonomous mode")
		return
	}
	h.respondAgent(c, agentID)
}

// StopAutonomous turns autonomous mode off.
// DELETE /api/v1/agents/:agentId/autonomous
func (h *Handler) StopAutonomous(c *gin.Context) {
	agentID := c.Param("agentId")
	if err := h.dispatcher.StopAutonomous(c.Request.Context(), agentID); err != nil {
		h.fail(c, err, "failed to stop autonomous mode")
		return
	}
	h.respondAgent(c, agentID)
}

// AdvanceSetup reports a completed setup step.
// POST /api/v1/agents/:agentId/setup/advance
func (h *Handler) AdvanceSetup(c *gin.Context) {
	agentID := c.Param("agentId")
	state, err := h.lifecycle.Advance(c.Request.Context(), agentID)
	if err != nil {
		h.fail(c, err, "failed to advance setup")
		return
	}
	c.JSON(http.StatusOK, StateResponse{AgentID: agentID, State: state})
}

// FailSetup reports a failed setup step.
// POST /api/v1/agents/:agentId/setup/fail
func (h *Handler) FailSetup(c *gin.Context) {
	var req FailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.ValidationError("request", err.Error()))
		return
	}
	agentID := c.Param("agentId")
	if err := h.lifecycle.FailSetup(c.Request.Context(), agentID, req.Reason); err != nil {
		h.fail(c, err, "failed to record setup failure")
		return
	}
	h.respondAgent(c, agentID)
}

func (h *Handler) respondAgent(c *gin.Context, agentID string) {
	a, err := h.lifecycle.Get(c.Request.Context(), agentID)
	if err != nil {
		h.fail(c, err, "failed to load agent")
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handler) cancelReservation(ctx context.Context, agentID string) {
	if h.reservations == nil {
		return
	}
	if err := h.reservations.DeleteReservationForAgent(ctx, agentID); err != nil {
		h.logger.WithAgentID(agentID).Warn("Failed to drop reservation request", zap.Error(err))
	}
}

// fail maps domain errors onto API errors and writes the response.
func (h *Handler) fail(c *gin.Context, err error, msg string) {
	appErr := toAppError(err, msg)
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
	}
	writeError(c, appErr)
}

func toAppError(err error, msg string) *errors.AppError {
	switch {
	case stderrors.Is(err, repository.ErrAgentNotFound),
		stderrors.Is(err, repository.ErrPromptNotFound):
		return errors.New(errors.ErrCodeNotFound, err.Error(), err)
	case stderrors.Is(err, lifecycle.ErrRestoreDenied):
		return errors.LimitExceeded(err.Error(), err)
	case stderrors.Is(err, lifecycle.ErrInvalidTransition),
		stderrors.Is(err, lifecycle.ErrConcurrentChange),
		stderrors.Is(err, repository.ErrPromptNotQueued),
		stderrors.Is(err, dispatcher.ErrAgentBusy),
		stderrors.Is(err, dispatcher.ErrNotRunning),
		stderrors.Is(err, dispatcher.ErrAgentArchived):
		return errors.Conflict(err.Error(), err)
	}
	return errors.Wrap(err, msg)
}

func writeError(c *gin.Context, appErr *errors.AppError) {
	c.JSON(appErr.HTTPStatus, appErr)
}
