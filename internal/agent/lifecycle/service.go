package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/models"
	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/repository"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/metrics"
	"github.com/ariana-dot-dev/ariana-sub006/internal/events"
)

// UsageLimiter gates manual restores. Automatic restores skip it.
type UsageLimiter interface {
	CheckRestore(ctx context.Context, ownerID string) error
}

// Config bounds automatic restoration.
type Config struct {
	MaxAgentAge    time.Duration
	PerOwnerPerDay int
}

// DefaultConfig returns the default restore policy.
func DefaultConfig() Config {
	return Config{MaxAgentAge: 48 * time.Hour, PerOwnerPerDay: 1}
}

// Hook is called after an agent enters a state.
type Hook func(ctx context.Context, agentID string)

// Service applies lifecycle transitions through compare-and-set updates and
// emits a change for each one.
type Service struct {
	repo    *repository.Repository
	emitter *events.Emitter
	limiter UsageLimiter
	cfg     Config
	logger  *logger.Logger
	now     func() time.Time

	mu           sync.RWMutex
	idleHooks    []Hook
	machineHooks []Hook
}

// NewService creates a lifecycle service.
func NewService(repo *repository.Repository, emitter *events.Emitter, cfg Config, log *logger.Logger) *Service {
	return &Service{
		repo:    repo,
		emitter: emitter,
		cfg:     cfg,
		logger:  log.Component("lifecycle"),
		now:     time.Now,
	}
}

// SetUsageLimiter installs the limiter consulted by manual restores.
func (s *Service) SetUsageLimiter(l UsageLimiter) { s.limiter = l }

// OnIdle registers a hook run whenever an agent becomes idle through this service.
func (s *Service) OnIdle(h Hook) {
	s.mu.Lock()
	s.idleHooks = append(s.idleHooks, h)
	s.mu.Unlock()
}

// OnMachineNeeded registers a hook run when an agent enters provisioning or
// an errored agent that lost its machine becomes eligible for automatic restore.
func (s *Service) OnMachineNeeded(h Hook) {
	s.mu.Lock()
	s.machineHooks = append(s.machineHooks, h)
	s.mu.Unlock()
}

func (s *Service) fire(ctx context.Context, state models.AgentState, agentID string) {
	s.mu.RLock()
	var hooks []Hook
	switch state {
	case models.StateIdle:
		hooks = append(hooks, s.idleHooks...)
	case models.StateProvisioning:
		hooks = append(hooks, s.machineHooks...)
	}
	s.mu.RUnlock()
	for _, h := range hooks {
		h(ctx, agentID)
	}
}

// Get returns the agent.
func (s *Service) Get(ctx context.Context, agentID string) (*models.Agent, error) {
	return s.repo.GetAgent(ctx, agentID)
}

// Create stores a new agent in provisioning and asks for a machine.
func (s *Service) Create(ctx context.Context, a *models.Agent) error {
	a.State = models.StateProvisioning
	if err := s.repo.CreateAgent(ctx, a); err != nil {
		return err
	}
	s.emitAgent(ctx, a.ID, true)
	s.fire(ctx, models.StateProvisioning, a.ID)
	return nil
}

// Delete hard-deletes an agent and its prompts.
func (s *Service) Delete(ctx context.Context, agentID string) error {
	a, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteAgent(ctx, agentID); err != nil {
		return err
	}
	if err := s.emitter.EmitRemoved(ctx, a.ID, a.OwnerID, a.EventsVersion); err != nil {
		s.logger.WithAgentID(agentID).Warn("Failed to emit agent removal", zap.Error(err))
	}
	return nil
}

// Transition moves an agent to `to` if the edge from its current state is legal.
func (s *Service) Transition(ctx context.Context, agentID string, to models.AgentState) error {
	return s.transition(ctx, agentID, to, repository.TransitionOptions{})
}

func (s *Service) transition(ctx context.Context, agentID string, to models.AgentState, opts repository.TransitionOptions) error {
	a, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if !CanTransition(a.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.State, to)
	}

	switch to {
	case models.StateIdle:
		ready := true
		opts.Ready = &ready
		opts.ClearError = true
	case models.StateError, models.StateArchived:
		ready := false
		opts.Ready = &ready
		opts.BumpGeneration = true
	}

	ok, err := s.repo.TransitionState(ctx, agentID, []models.AgentState{a.State}, to, opts)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: expected %s", ErrConcurrentChange, a.State)
	}

	if opts.BumpGeneration {
		s.broadcastInterrupt(ctx, agentID)
	}
	s.logger.WithAgentID(agentID).Info("Agent state changed",
		zap.String("from", string(a.State)),
		zap.String("to", string(to)))
	s.emitAgent(ctx, agentID, false)
	s.fire(ctx, to, agentID)
	return nil
}

// Advance moves an agent one step along the setup chain
// (provisioned -> cloning -> ready -> idle) and returns the new state.
func (s *Service) Advance(ctx context.Context, agentID string) (models.AgentState, error) {
	a, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		return "", err
	}
	next, ok := setupNext[a.State]
	if !ok {
		return a.State, fmt.Errorf("%w: no setup step after %s", ErrInvalidTransition, a.State)
	}
	if err := s.transition(ctx, agentID, next, repository.TransitionOptions{}); err != nil {
		return a.State, err
	}
	return next, nil
}

// FailSetup moves an agent in a setup state to error.
func (s *Service) FailSetup(ctx context.Context, agentID, reason string) error {
	a, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if !IsSetupState(a.State) {
		return fmt.Errorf("%w: %s is not a setup state", ErrInvalidTransition, a.State)
	}
	return s.transition(ctx, agentID, models.StateError, repository.TransitionOptions{ErrorMessage: &reason})
}

// Fail moves any non-archived agent to error. A running prompt is failed with
// the same reason; queued prompts wait for a restore.
func (s *Service) Fail(ctx context.Context, agentID, reason string) error {
	if err := s.transition(ctx, agentID, models.StateError, repository.TransitionOptions{ErrorMessage: &reason}); err != nil {
		return err
	}
	n, err := s.repo.FailRunning(ctx, agentID, reason)
	if err != nil {
		return err
	}
	if n > 0 {
		s.emitPromptsBulk(ctx, agentID)
	}
	return nil
}

// Archive moves an agent to the terminal archived state. Active prompts are failed.
func (s *Service) Archive(ctx context.Context, agentID string) error {
	if err := s.transition(ctx, agentID, models.StateArchived, repository.TransitionOptions{}); err != nil {
		return err
	}
	n, err := s.repo.FailAllActive(ctx, agentID, "agent archived")
	if err != nil {
		return err
	}
	if n > 0 {
		s.emitPromptsBulk(ctx, agentID)
	}
	return nil
}

// BindMachine attaches a claimed machine to a provisioning agent, or to an
// errored agent awaiting a replacement. The latter is then auto-restored if
// the policy still allows it; otherwise it stays in error holding the machine.
func (s *Service) BindMachine(ctx context.Context, agentID, machineID, address string) (bool, error) {
	log := s.logger.WithAgentID(agentID).WithMachineID(machineID)
	ok, err := s.repo.BindMachine(ctx, agentID, machineID, address)
	if err != nil {
		return false, err
	}
	if ok {
		log.Info("Machine bound")
		s.emitAgent(ctx, agentID, false)
		return true, nil
	}

	ok, err = s.repo.AttachMachine(ctx, agentID, machineID, address)
	if err != nil || !ok {
		return ok, err
	}
	log.Info("Replacement machine attached")
	out, err := s.AutoRestore(ctx, agentID)
	if err != nil {
		log.Warn("Automatic restore failed", zap.Error(err))
	}
	if out != repository.RestoreApplied {
		s.emitAgent(ctx, agentID, false)
	}
	return true, nil
}

// Escalate moves an agent whose health failures reached threshold to error
// and clears its machine binding. The agent stays in error; AutoRestore is a
// separate step.
func (s *Service) Escalate(ctx context.Context, agentID string, threshold int, reason string) (*repository.Escalation, error) {
	esc, err := s.repo.EscalateUnhealthy(ctx, agentID, threshold, reason)
	if err != nil || esc == nil {
		return esc, err
	}
	metrics.AgentsEscalated.Inc()
	s.logger.WithAgentID(agentID).Error("Agent escalated to error",
		zap.String("machine_id", esc.MachineID),
		zap.String("reason", reason))
	s.broadcastInterrupt(ctx, agentID)
	s.emitAgent(ctx, agentID, false)
	if esc.FailedPrompts > 0 {
		s.emitPromptsBulk(ctx, agentID)
	}
	return esc, nil
}

// AutoRestore applies the automatic restore policy to an errored agent:
// younger than MaxAgentAge, at most PerOwnerPerDay per owner per UTC day, no
// usage limit check. An agent holding a machine goes error -> idle. An agent
// without one is left in error and a replacement machine is requested; the
// restore completes in BindMachine.
func (s *Service) AutoRestore(ctx context.Context, agentID string) (repository.RestoreOutcome, error) {
	a, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		return "", err
	}
	now := s.now().UTC()
	day := now.Format("2006-01-02")
	cutoff := models.MillisOf(now.Add(-s.cfg.MaxAgentAge))
	log := s.logger.WithAgentID(agentID)

	if !a.HasMachine() {
		out, err := s.repo.CheckAutoRestore(ctx, agentID, day, s.cfg.PerOwnerPerDay, cutoff)
		if err != nil || out != repository.RestoreEligible {
			return out, err
		}
		log.Info("Requesting replacement machine for automatic restore")
		s.fireMachineNeeded(ctx, agentID)
		return repository.RestoreAwaitingMachine, nil
	}

	out, err := s.repo.AutoRestore(ctx, agentID, day, s.cfg.PerOwnerPerDay, cutoff)
	if err != nil || out != repository.RestoreApplied {
		return out, err
	}
	log.Info("Agent automatically restored")
	s.emitAgent(ctx, agentID, false)
	s.fire(ctx, models.StateIdle, agentID)
	return out, nil
}

func (s *Service) fireMachineNeeded(ctx context.Context, agentID string) {
	s.fire(ctx, models.StateProvisioning, agentID)
}

// Restore is the user-initiated error -> idle path. An agent without a
// machine is re-provisioned instead. It consults the usage limiter.
func (s *Service) Restore(ctx context.Context, agentID string) error {
	a, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if a.State != models.StateError {
		return fmt.Errorf("%w: agent is %s", ErrInvalidTransition, a.State)
	}
	if s.limiter != nil {
		if err := s.limiter.CheckRestore(ctx, a.OwnerID); err != nil {
			return fmt.Errorf("%w: %v", ErrRestoreDenied, err)
		}
	}
	return s.transition(ctx, agentID, restoreTarget(a), repository.TransitionOptions{ClearError: true, ResetHealth: true})
}

func restoreTarget(a *models.Agent) models.AgentState {
	if a.HasMachine() {
		return models.StateIdle
	}
	return models.StateProvisioning
}

// broadcastInterrupt tells whichever worker runs the agent's prompt that the
// generation moved on.
func (s *Service) broadcastInterrupt(ctx context.Context, agentID string) {
	a, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		return
	}
	in := events.Interrupt{AgentID: agentID, Generation: a.PromptGeneration}
	if err := s.emitter.PublishInterrupt(ctx, in); err != nil {
		s.logger.WithAgentID(agentID).Warn("Failed to broadcast interrupt", zap.Error(err))
	}
}

func (s *Service) emitAgent(ctx context.Context, agentID string, added bool) {
	cs := events.ChangeSet{AgentID: agentID, Entity: events.EntityAgent}
	if added {
		cs.Added = []string{agentID}
	} else {
		cs.Modified = []string{agentID}
	}
	if err := s.emitter.Emit(ctx, cs); err != nil {
		s.logger.WithAgentID(agentID).Warn("Failed to emit agent change", zap.Error(err))
	}
}

func (s *Service) emitPromptsBulk(ctx context.Context, agentID string) {
	if err := s.emitter.EmitBulk(ctx, agentID, events.EntityPrompt); err != nil {
		s.logger.WithAgentID(agentID).Warn("Failed to emit prompt change", zap.Error(err))
	}
}
