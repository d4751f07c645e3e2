// Package dispatcher runs queued prompts on agents, one at a time per agent.
//
// Every dispatch captures the agent's prompt generation when it claims a
// prompt. The outcome is committed only if the generation is unchanged when
// the assistant returns, so a completion racing with an interrupt (or any
// other reset) is dropped instead of corrupting the agent's ready flag.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/assistant"
	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/lifecycle"
	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/models"
	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/repository"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/metrics"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/tracing"
	"github.com/ariana-dot-dev/ariana-sub006/internal/events"
	"github.com/ariana-dot-dev/ariana-sub006/internal/events/bus"
)

var (
	ErrAgentBusy     = errors.New("agent is not ready for a prompt")
	ErrNotRunning    = errors.New("agent has no running prompt")
	ErrAgentArchived = errors.New("agent is archived")
	ErrStopped       = errors.New("dispatcher stopped")
)

const commitTimeout = 10 * time.Second

// Result describes a finished dispatch.
type Result struct {
	PromptID  string
	Outcome   assistant.Outcome
	Committed bool
}

type inflight struct {
	generation int64
	cancel     context.CancelFunc
}

// Dispatcher claims and executes prompts.
type Dispatcher struct {
	repo      *repository.Repository
	lifecycle *lifecycle.Service
	emitter   *events.Emitter
	assistant assistant.Assistant
	logger    *logger.Logger

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight map[string]inflight
	sub      bus.Subscription
}

// New creates a dispatcher and registers it to pick up work whenever an
// agent becomes idle.
func New(repo *repository.Repository, lc *lifecycle.Service, emitter *events.Emitter, a assistant.Assistant, log *logger.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		repo:      repo,
		lifecycle: lc,
		emitter:   emitter,
		assistant: a,
		logger:    log.Component("dispatcher"),
		baseCtx:   ctx,
		cancelAll: cancel,
		inflight:  make(map[string]inflight),
	}
	lc.OnIdle(func(_ context.Context, agentID string) { d.Kick(agentID) })
	return d
}

// ListenInterrupts cancels local runs when any worker interrupts an agent.
func (d *Dispatcher) ListenInterrupts(b bus.EventBus) error {
	sub, err := b.Subscribe(events.AllAgentInterrupts, func(ctx context.Context, ev *bus.Event) error {
		var in events.Interrupt
		if err := ev.Decode(&in); err != nil {
			return err
		}
		d.cancelLocal(in.AgentID, in.Generation)
		return nil
	})
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.sub = sub
	d.mu.Unlock()
	return nil
}

// Kick dispatches the next queued prompt of the agent in the background, if
// the agent is ready for one.
func (d *Dispatcher) Kick(agentID string) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		_, err := d.DispatchNext(d.baseCtx, agentID)
		if err != nil && !isQuiet(err) {
			d.logger.WithAgentID(agentID).Warn("Background dispatch failed", zap.Error(err))
		}
	}()
}

func isQuiet(err error) bool {
	return errors.Is(err, repository.ErrNoQueuedPrompt) ||
		errors.Is(err, repository.ErrAgentNotReady) ||
		errors.Is(err, context.Canceled)
}

// DispatchNext claims and runs the head of the agent's queue. It blocks until
// the assistant returns.
func (d *Dispatcher) DispatchNext(ctx context.Context, agentID string) (*Result, error) {
	return d.dispatch(ctx, agentID, "")
}

// Dispatch claims and runs a specific queued prompt.
func (d *Dispatcher) Dispatch(ctx context.Context, agentID, promptID string) (*Result, error) {
	res, err := d.dispatch(ctx, agentID, promptID)
	if errors.Is(err, repository.ErrAgentNotReady) {
		return nil, fmt.Errorf("%w: %s", ErrAgentBusy, agentID)
	}
	return res, err
}

func (d *Dispatcher) dispatch(ctx context.Context, agentID, promptID string) (*Result, error) {
	claim, err := d.repo.BeginPrompt(ctx, agentID, promptID)
	if err != nil {
		return nil, err
	}
	d.emitAgent(ctx, agentID)
	d.emitPrompts(ctx, agentID, claim.Prompt.ID)
	return d.execute(ctx, agentID, claim)
}

func (d *Dispatcher) execute(ctx context.Context, agentID string, claim *repository.Claim) (*Result, error) {
	log := d.logger.WithAgentID(agentID).WithFields(
		zap.String("prompt_id", claim.Prompt.ID),
		zap.Int64("generation", claim.Generation))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !d.track(agentID, claim.Generation, cancel) {
		cancel()
	}
	defer d.untrack(agentID, claim.Generation)

	runCtx, span := tracing.TraceDispatch(runCtx, agentID, claim.Prompt.ID, claim.Generation)
	defer span.End()

	log.Info("Dispatching prompt")
	out, runErr := d.assistant.Process(runCtx, assistant.Request{
		AgentID:        agentID,
		PromptID:       claim.Prompt.ID,
		Text:           claim.Prompt.Text,
		Model:          claim.Prompt.Model,
		MachineID:      claim.MachineID,
		MachineAddress: claim.MachineAddress,
		Generation:     claim.Generation,
	})
	if runErr != nil {
		if runCtx.Err() != nil {
			out = assistant.Result{Outcome: assistant.OutcomeAborted}
		} else {
			out = assistant.Result{Outcome: assistant.OutcomeFailure, Error: runErr.Error()}
		}
	}

	commit := repository.Outcome{Status: models.PromptFinished}
	switch out.Outcome {
	case assistant.OutcomeAborted:
		commit.Interrupted = true
	case assistant.OutcomeFailure:
		commit.Status = models.PromptFailed
		msg := out.Error
		if msg == "" {
			msg = "assistant reported failure"
		}
		commit.Error = &msg
	}

	// The caller may have gone away; the outcome still has to be recorded.
	commitCtx, commitCancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer commitCancel()
	committed, err := d.repo.CommitPrompt(commitCtx, agentID, claim.Prompt.ID, claim.Generation, commit)
	tracing.RecordResult(span, string(out.Outcome), err)
	if err != nil {
		metrics.Dispatches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("commit prompt %s: %w", claim.Prompt.ID, err)
	}
	res := &Result{PromptID: claim.Prompt.ID, Outcome: out.Outcome, Committed: committed}
	if !committed {
		metrics.Dispatches.WithLabelValues("stale").Inc()
		log.Debug("Discarded stale prompt outcome", zap.String("outcome", string(out.Outcome)))
		return res, nil
	}

	metrics.Dispatches.WithLabelValues(string(out.Outcome)).Inc()
	log.Info("Prompt completed", zap.String("outcome", string(out.Outcome)))
	d.emitAgent(commitCtx, agentID)
	d.emitPrompts(commitCtx, agentID, claim.Prompt.ID)

	// An aborted run is a stop signal; any other committed outcome continues
	// the autonomous task.
	if claim.Autonomous && out.Outcome != assistant.OutcomeAborted {
		d.queueFollowUp(commitCtx, agentID)
	}
	d.Kick(agentID)
	return res, nil
}

func (d *Dispatcher) queueFollowUp(ctx context.Context, agentID string) {
	a, err := d.repo.GetAgent(ctx, agentID)
	if err != nil || !a.InAutonomousMode {
		return
	}
	task := ""
	if a.TaskDescription != nil {
		task = *a.TaskDescription
	}
	p := &models.Prompt{AgentID: agentID, Text: followUpText(task)}
	if err := d.repo.CreatePrompt(ctx, p); err != nil {
		d.logger.WithAgentID(agentID).Warn("Failed to queue autonomous follow-up", zap.Error(err))
		return
	}
	if err := d.emitter.Emit(ctx, events.ChangeSet{AgentID: agentID, Entity: events.EntityPrompt, Added: []string{p.ID}}); err != nil {
		d.logger.WithAgentID(agentID).Warn("Failed to emit prompt change", zap.Error(err))
	}
}

func followUpText(task string) string {
	if task == "" {
		return "Continue working on the task."
	}
	return "Continue working on the task: " + task
}

func (d *Dispatcher) track(agentID string, generation int64, cancel context.CancelFunc) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inflight[agentID] = inflight{generation: generation, cancel: cancel}
	return !d.closed
}

func (d *Dispatcher) untrack(agentID string, generation int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.inflight[agentID]; ok && cur.generation == generation {
		delete(d.inflight, agentID)
	}
}

// cancelLocal cancels a local run older than generation.
func (d *Dispatcher) cancelLocal(agentID string, generation int64) {
	d.mu.Lock()
	cur, ok := d.inflight[agentID]
	d.mu.Unlock()
	if ok && cur.generation < generation {
		cur.cancel()
	}
}

// Interrupt stops the agent's running prompt. The prompt is recorded as
// finished and interrupted, the agent returns to idle, and whatever the
// assistant eventually returns for it is discarded.
func (d *Dispatcher) Interrupt(ctx context.Context, agentID string) error {
	gen, promptIDs, ok, err := d.repo.InterruptRunning(ctx, agentID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, agentID)
	}
	d.cancelLocal(agentID, gen)
	if err := d.emitter.PublishInterrupt(ctx, events.Interrupt{AgentID: agentID, Generation: gen}); err != nil {
		d.logger.WithAgentID(agentID).Warn("Failed to broadcast interrupt", zap.Error(err))
	}
	d.logger.WithAgentID(agentID).Info("Prompt interrupted", zap.Int64("generation", gen))
	d.emitAgent(ctx, agentID)
	d.emitPrompts(ctx, agentID, promptIDs...)
	d.Kick(agentID)
	return nil
}

// Queue appends a prompt to the agent's backlog and starts it if the agent is idle.
func (d *Dispatcher) Queue(ctx context.Context, agentID, text, model string) (*models.Prompt, error) {
	a, err := d.repo.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if a.State == models.StateArchived {
		return nil, fmt.Errorf("%w: %s", ErrAgentArchived, agentID)
	}
	p := &models.Prompt{AgentID: agentID, Text: text, Model: model}
	if err := d.repo.CreatePrompt(ctx, p); err != nil {
		return nil, err
	}
	if err := d.emitter.Emit(ctx, events.ChangeSet{AgentID: agentID, Entity: events.EntityPrompt, Added: []string{p.ID}}); err != nil {
		d.logger.WithAgentID(agentID).Warn("Failed to emit prompt change", zap.Error(err))
	}
	if a.State == models.StateIdle && a.ReadyForPrompt {
		d.Kick(agentID)
	}
	return p, nil
}

// Prioritize moves a queued prompt ahead of every other active prompt of its agent.
func (d *Dispatcher) Prioritize(ctx context.Context, promptID string) (*models.Prompt, error) {
	p, err := d.repo.PrioritizePrompt(ctx, promptID)
	if err != nil {
		return nil, err
	}
	d.emitPrompts(ctx, p.AgentID, p.ID)
	return p, nil
}

// Cancel deletes a queued prompt.
func (d *Dispatcher) Cancel(ctx context.Context, promptID string) (*models.Prompt, error) {
	p, err := d.repo.DeleteQueuedPrompt(ctx, promptID)
	if err != nil {
		return nil, err
	}
	if err := d.emitter.Emit(ctx, events.ChangeSet{AgentID: p.AgentID, Entity: events.EntityPrompt, Removed: []string{p.ID}}); err != nil {
		d.logger.WithAgentID(p.AgentID).Warn("Failed to emit prompt change", zap.Error(err))
	}
	return p, nil
}

// CancelOthers deletes every queued prompt of the agent except exceptID.
func (d *Dispatcher) CancelOthers(ctx context.Context, agentID, exceptID string) ([]string, error) {
	ids, err := d.repo.DeleteOtherQueued(ctx, agentID, exceptID)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		if err := d.emitter.Emit(ctx, events.ChangeSet{AgentID: agentID, Entity: events.EntityPrompt, Removed: ids}); err != nil {
			d.logger.WithAgentID(agentID).Warn("Failed to emit prompt change", zap.Error(err))
		}
	}
	return ids, nil
}

// FinishAllRunning force-finishes the agent's running prompt and returns it to idle.
func (d *Dispatcher) FinishAllRunning(ctx context.Context, agentID string) (int64, error) {
	n, err := d.repo.FinishAllRunning(ctx, agentID)
	if err != nil {
		return 0, err
	}
	d.afterReset(ctx, agentID)
	return n, nil
}

// FailAllActive fails every queued and running prompt of the agent.
func (d *Dispatcher) FailAllActive(ctx context.Context, agentID, reason string) (int64, error) {
	n, err := d.repo.FailAllActive(ctx, agentID, reason)
	if err != nil {
		return 0, err
	}
	d.afterReset(ctx, agentID)
	return n, nil
}

func (d *Dispatcher) afterReset(ctx context.Context, agentID string) {
	if a, err := d.repo.GetAgent(ctx, agentID); err == nil {
		d.cancelLocal(agentID, a.PromptGeneration)
		if err := d.emitter.PublishInterrupt(ctx, events.Interrupt{AgentID: agentID, Generation: a.PromptGeneration}); err != nil {
			d.logger.WithAgentID(agentID).Warn("Failed to broadcast interrupt", zap.Error(err))
		}
	}
	d.emitAgent(ctx, agentID)
	if err := d.emitter.EmitBulk(ctx, agentID, events.EntityPrompt); err != nil {
		d.logger.WithAgentID(agentID).Warn("Failed to emit prompt change", zap.Error(err))
	}
	d.Kick(agentID)
}

// SetAutonomous puts the agent in autonomous mode. If nothing is queued or
// running, the task itself becomes the first prompt.
func (d *Dispatcher) SetAutonomous(ctx context.Context, agentID, task string) error {
	if err := d.repo.SetAutonomous(ctx, agentID, true, &task); err != nil {
		return err
	}
	d.emitAgent(ctx, agentID)

	prompts, err := d.repo.ListPrompts(ctx, agentID)
	if err != nil {
		return err
	}
	for _, p := range prompts {
		if p.Active() {
			return nil
		}
	}
	_, err = d.Queue(ctx, agentID, task, "")
	return err
}

// StopAutonomous leaves autonomous mode. The running prompt, if any, finishes normally.
func (d *Dispatcher) StopAutonomous(ctx context.Context, agentID string) error {
	if err := d.repo.SetAutonomous(ctx, agentID, false, nil); err != nil {
		return err
	}
	d.emitAgent(ctx, agentID)
	return nil
}

// Stop cancels in-flight runs, stops accepting work and waits for background
// dispatches to return.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	sub := d.sub
	for _, run := range d.inflight {
		run.cancel()
	}
	d.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	d.cancelAll()
	d.wg.Wait()
}

func (d *Dispatcher) emitAgent(ctx context.Context, agentID string) {
	if err := d.emitter.Emit(ctx, events.ChangeSet{AgentID: agentID, Entity: events.EntityAgent, Modified: []string{agentID}}); err != nil {
		d.logger.WithAgentID(agentID).Warn("Failed to emit agent change", zap.Error(err))
	}
}

func (d *Dispatcher) emitPrompts(ctx context.Context, agentID string, promptIDs ...string) {
	if len(promptIDs) == 0 {
		return
	}
	if err := d.emitter.Emit(ctx, events.ChangeSet{AgentID: agentID, Entity: events.EntityPrompt, Modified: promptIDs}); err != nil {
		d.logger.WithAgentID(agentID).Warn("Failed to emit prompt change", zap.Error(err))
	}
}
