package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/models"
	"github.com/ariana-dot-dev/ariana-sub006/internal/db/dialect"
)

// CreatePrompt appends a queued prompt. CreatedAt defaults to now.
func (r *Repository) CreatePrompt(ctx context.Context, p *models.Prompt) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = models.PromptQueued
	}
	if p.CreatedAt == 0 {
		p.CreatedAt = r.nowMillis()
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO prompts (id, agent_id, text, status, model, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		p.ID, p.AgentID, p.Text, p.Status, p.Model, p.CreatedAt)
	return err
}

// GetPrompt returns a prompt by ID.
func (r *Repository) GetPrompt(ctx context.Context, id string) (*models.Prompt, error) {
	var p models.Prompt
	err := r.ro.GetContext(ctx, &p, r.ro.Rebind(`SELECT `+promptColumns+` FROM prompts WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPrompts returns all prompts of an agent in dispatch order.
func (r *Repository) ListPrompts(ctx context.Context, agentID string) ([]*models.Prompt, error) {
	var out []*models.Prompt
	err := r.ro.SelectContext(ctx, &out, r.ro.Rebind(
		`SELECT `+promptColumns+` FROM prompts WHERE agent_id = ? ORDER BY created_at ASC, id ASC`), agentID)
	return out, err
}

// CountRunning returns how many prompts of the agent are running.
func (r *Repository) CountRunning(ctx context.Context, agentID string) (int, error) {
	var n int
	err := r.ro.GetContext(ctx, &n, r.ro.Rebind(
		`SELECT COUNT(*) FROM prompts WHERE agent_id = ? AND status = ?`), agentID, models.PromptRunning)
	return n, err
}

// Claim is the result of BeginPrompt.
type Claim struct {
	Prompt          *models.Prompt
	Generation      int64
	MachineID       string
	MachineAddress  string
	Autonomous      bool
	TaskDescription string
}

// BeginPrompt claims a queued prompt for an idle, ready agent in one
// transaction: it increments the agent's prompt generation, clears its ready
// flag, moves it to running and marks the prompt running. An empty promptID
// claims the head of the queue.
func (r *Repository) BeginPrompt(ctx context.Context, agentID, promptID string) (*Claim, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	q := `SELECT ` + promptColumns + ` FROM prompts WHERE agent_id = ? AND status = ?`
	args := []any{agentID, models.PromptQueued}
	if promptID != "" {
		q += ` AND id = ?`
		args = append(args, promptID)
	}
	q += ` ORDER BY created_at ASC, id ASC LIMIT 1`

	var p models.Prompt
	if err := tx.GetContext(ctx, &p, tx.Rebind(q), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoQueuedPrompt
		}
		return nil, err
	}

	now := r.nowMillis()
	var (
		claim   Claim
		machine sql.NullString
		address sql.NullString
		task    sql.NullString
	)
	err = tx.QueryRowxContext(ctx, tx.Rebind(`
		UPDATE agents SET state = ?, ready_for_prompt = 0, prompt_generation = prompt_generation + 1,
			last_prompt_text = ?, last_prompt_at = ?, updated_at = ?
		WHERE id = ? AND state = ? AND ready_for_prompt = 1
		RETURNING prompt_generation, machine_id, machine_address, in_autonomous_mode, task_description`),
		models.StateRunning, p.Text, now, now, agentID, models.StateIdle,
	).Scan(&claim.Generation, &machine, &address, &claim.Autonomous, &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotReady
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE prompts SET status = ?, started_at = ? WHERE id = ? AND status = ?`),
		models.PromptRunning, now, p.ID, models.PromptQueued); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	p.Status = models.PromptRunning
	p.StartedAt = &now
	claim.Prompt = &p
	claim.MachineID = machine.String
	claim.MachineAddress = address.String
	claim.TaskDescription = task.String
	return &claim, nil
}

// Outcome is how a dispatched prompt ended.
type Outcome struct {
	Status      models.PromptStatus // finished or failed
	Interrupted bool
	Error       *string
}

// CommitPrompt records a prompt outcome only if the agent's generation still
// equals startGeneration. A false result means the outcome was stale and
// nothing was written.
func (r *Repository) CommitPrompt(ctx context.Context, agentID, promptID string, startGeneration int64, out Outcome) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	now := r.nowMillis()
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE agents SET state = ?, ready_for_prompt = 1, updated_at = ?
		WHERE id = ? AND prompt_generation = ? AND state = ?`),
		models.StateIdle, now, agentID, startGeneration, models.StateRunning)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE prompts SET status = ?, interrupted = ?, error = ?, finished_at = ? WHERE id = ? AND status = ?`),
		out.Status, dialect.BoolToInt(out.Interrupted), out.Error, now, promptID, models.PromptRunning); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// InterruptRunning bumps the generation of a running agent, returns it to
// idle and marks its running prompt finished/interrupted. ok is false when the
// agent was not running.
func (r *Repository) InterruptRunning(ctx context.Context, agentID string) (generation int64, promptIDs []string, ok bool, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	now := r.nowMillis()
	err = tx.QueryRowxContext(ctx, tx.Rebind(`
		UPDATE agents SET prompt_generation = prompt_generation + 1, state = ?, ready_for_prompt = 1, updated_at = ?
		WHERE id = ? AND state = ?
		RETURNING prompt_generation`), models.StateIdle, now, agentID, models.StateRunning).Scan(&generation)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, err
	}

	rows, err := tx.QueryxContext(ctx, tx.Rebind(`
		UPDATE prompts SET status = ?, interrupted = 1, finished_at = ? WHERE agent_id = ? AND status = ?
		RETURNING id`), models.PromptFinished, now, agentID, models.PromptRunning)
	if err != nil {
		return 0, nil, false, err
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, nil, false, err
		}
		promptIDs = append(promptIDs, id)
	}
	if err := rows.Close(); err != nil {
		return 0, nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, false, err
	}
	return generation, promptIDs, true, nil
}

// PrioritizePrompt moves a queued prompt one millisecond ahead of the
// earliest queued or running prompt of its agent.
func (r *Repository) PrioritizePrompt(ctx context.Context, promptID string) (*models.Prompt, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var p models.Prompt
	err = tx.GetContext(ctx, &p, tx.Rebind(`SELECT `+promptColumns+` FROM prompts WHERE id = ?`), promptID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, promptID)
	}
	if err != nil {
		return nil, err
	}
	if p.Status != models.PromptQueued {
		return nil, ErrPromptNotQueued
	}

	var earliest models.Millis
	if err := tx.GetContext(ctx, &earliest, tx.Rebind(`
		SELECT MIN(created_at) FROM prompts WHERE agent_id = ? AND status IN (?, ?)`),
		p.AgentID, models.PromptQueued, models.PromptRunning); err != nil {
		return nil, err
	}
	p.CreatedAt = earliest - 1
	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE prompts SET created_at = ? WHERE id = ?`),
		p.CreatedAt, p.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &p, nil
}

// DeleteQueuedPrompt removes a queued prompt and returns it.
func (r *Repository) DeleteQueuedPrompt(ctx context.Context, promptID string) (*models.Prompt, error) {
	var p models.Prompt
	err := r.db.QueryRowxContext(ctx, r.db.Rebind(`
		DELETE FROM prompts WHERE id = ? AND status = ? RETURNING `+promptColumns),
		promptID, models.PromptQueued).StructScan(&p)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := r.GetPrompt(ctx, promptID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrPromptNotQueued
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// DeleteOtherQueued removes every queued prompt of the agent except one and
// returns the removed IDs.
func (r *Repository) DeleteOtherQueued(ctx context.Context, agentID, exceptID string) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, r.db.Rebind(`
		DELETE FROM prompts WHERE agent_id = ? AND status = ? AND id <> ? RETURNING id`),
		agentID, models.PromptQueued, exceptID)
	return ids, err
}

// FinishAllRunning marks every running prompt finished, bumps the generation
// and, when the agent was running, returns it to idle.
func (r *Repository) FinishAllRunning(ctx context.Context, agentID string) (int64, error) {
	return r.closeActive(ctx, agentID, []models.PromptStatus{models.PromptRunning}, models.PromptFinished, nil)
}

// FailAllActive marks every queued or running prompt failed, bumps the
// generation and, when the agent was running, returns it to idle.
func (r *Repository) FailAllActive(ctx context.Context, agentID, reason string) (int64, error) {
	return r.closeActive(ctx, agentID,
		[]models.PromptStatus{models.PromptQueued, models.PromptRunning}, models.PromptFailed, &reason)
}

// FailRunning marks the running prompt failed, leaving queued prompts in place.
func (r *Repository) FailRunning(ctx context.Context, agentID, reason string) (int64, error) {
	return r.closeActive(ctx, agentID, []models.PromptStatus{models.PromptRunning}, models.PromptFailed, &reason)
}

func (r *Repository) closeActive(ctx context.Context, agentID string, from []models.PromptStatus, to models.PromptStatus, reason *string) (int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	now := r.nowMillis()
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE agents SET prompt_generation = prompt_generation + 1,
			ready_for_prompt = CASE WHEN state = ? THEN 1 ELSE ready_for_prompt END,
			state = CASE WHEN state = ? THEN ? ELSE state END,
			updated_at = ?
		WHERE id = ?`),
		models.StateRunning, models.StateRunning, models.StateIdle, now, agentID)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	args := []any{to, reason, now, agentID}
	for _, s := range from {
		args = append(args, s)
	}
	res, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE prompts SET status = ?, error = ?, finished_at = ?
		WHERE agent_id = ? AND status IN (`+placeholders(len(from))+`)`), args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}
