package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/models"
	"github.com/ariana-dot-dev/ariana-sub006/internal/db/dialect"
)

// CreateAgent inserts a new agent. Empty ID and state default to a fresh UUID
// and provisioning.
func (r *Repository) CreateAgent(ctx context.Context, a *models.Agent) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.State == "" {
		a.State = models.StateProvisioning
	}
	now := r.nowMillis()
	a.CreatedAt, a.UpdatedAt = now, now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO agents (id, owner_id, name, state, machine_id, machine_address, ready_for_prompt,
			in_autonomous_mode, task_description, created_at, updated_at)
		VALUES (`+placeholders(11)+`)`),
		a.ID, a.OwnerID, a.Name, a.State, a.MachineID, a.MachineAddress, dialect.BoolToInt(a.ReadyForPrompt),
		dialect.BoolToInt(a.InAutonomousMode), a.TaskDescription, a.CreatedAt, a.UpdatedAt)
	return err
}

// GetAgent returns an agent by ID.
func (r *Repository) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	var a models.Agent
	err := r.ro.GetContext(ctx, &a, r.ro.Rebind(`SELECT `+agentColumns+` FROM agents WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAgentsByOwner returns every agent of an owner, newest first.
func (r *Repository) ListAgentsByOwner(ctx context.Context, ownerID string) ([]*models.Agent, error) {
	var out []*models.Agent
	err := r.ro.SelectContext(ctx, &out, r.ro.Rebind(
		`SELECT `+agentColumns+` FROM agents WHERE owner_id = ? ORDER BY created_at DESC, id`), ownerID)
	return out, err
}

// ListProbeTargets returns non-archived agents that have a bound machine.
func (r *Repository) ListProbeTargets(ctx context.Context) ([]*models.Agent, error) {
	var out []*models.Agent
	err := r.ro.SelectContext(ctx, &out, `SELECT `+agentColumns+` FROM agents
		WHERE machine_id IS NOT NULL AND state <> 'archived' ORDER BY id`)
	return out, err
}

// DeleteAgent hard-deletes an agent; its prompts cascade.
func (r *Repository) DeleteAgent(ctx context.Context, id string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Explicit for drivers/connections without FK enforcement.
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM prompts WHERE agent_id = ?`), id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM agents WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return tx.Commit()
}

// BumpEventsVersion atomically increments the agent's events version and
// returns the new value with the owner ID.
func (r *Repository) BumpEventsVersion(ctx context.Context, id string) (int64, string, error) {
	var version int64
	var owner string
	err := r.db.QueryRowxContext(ctx, r.db.Rebind(`
		UPDATE agents SET events_version = events_version + 1 WHERE id = ?
		RETURNING events_version, owner_id`), id).Scan(&version, &owner)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return version, owner, err
}

// TransitionOptions are field updates applied together with a state change.
type TransitionOptions struct {
	ErrorMessage *string
	ClearError   bool
	ClearMachine bool
	// Ready sets ready_for_prompt when non-nil.
	Ready *bool
	// BumpGeneration invalidates any in-flight prompt outcome.
	BumpGeneration bool
	ResetHealth    bool
}

// TransitionState moves the agent to `to` only if its current state is one
// of `from`. It reports whether the row changed.
func (r *Repository) TransitionState(ctx context.Context, id string, from []models.AgentState, to models.AgentState, opts TransitionOptions) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("transition requires at least one source state")
	}
	sets := []string{"state = ?", "updated_at = ?"}
	args := []any{to, r.nowMillis()}
	if opts.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *opts.ErrorMessage)
	} else if opts.ClearError {
		sets = append(sets, "error_message = NULL")
	}
	if opts.ClearMachine {
		sets = append(sets, "machine_id = NULL", "machine_address = NULL")
	}
	if opts.Ready != nil {
		sets = append(sets, "ready_for_prompt = ?")
		args = append(args, dialect.BoolToInt(*opts.Ready))
	}
	if opts.BumpGeneration {
		sets = append(sets, "prompt_generation = prompt_generation + 1")
	}
	if opts.ResetHealth {
		sets = append(sets, "consecutive_health_failures = 0")
	}
	args = append(args, id)
	for _, s := range from {
		args = append(args, s)
	}

	q := `UPDATE agents SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND state IN (` + placeholders(len(from)) + `)`
	res, err := r.db.ExecContext(ctx, r.db.Rebind(q), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// BindMachine attaches a machine to a provisioning agent and moves it to
// provisioned. It reports false if the agent is gone or no longer provisioning.
func (r *Repository) BindMachine(ctx context.Context, id, machineID, address string) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE agents SET machine_id = ?, machine_address = ?, state = ?, consecutive_health_failures = 0,
			error_message = NULL, updated_at = ?
		WHERE id = ? AND state = ?`),
		machineID, address, models.StateProvisioned, r.nowMillis(), id, models.StateProvisioning)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// AttachMachine gives an errored agent that lost its machine a replacement.
// The state is left alone; restoring is a separate step.
func (r *Repository) AttachMachine(ctx context.Context, id, machineID, address string) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE agents SET machine_id = ?, machine_address = ?, consecutive_health_failures = 0, updated_at = ?
		WHERE id = ? AND state = ? AND machine_id IS NULL`),
		machineID, address, r.nowMillis(), id, models.StateError)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SetAutonomous toggles autonomous mode and its task description.
func (r *Repository) SetAutonomous(ctx context.Context, id string, on bool, task *string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE agents SET in_autonomous_mode = ?, task_description = COALESCE(?, task_description), updated_at = ?
		WHERE id = ?`), dialect.BoolToInt(on), task, r.nowMillis(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return nil
}

// IncrementHealthFailures adds one consecutive failure and returns the new count.
func (r *Repository) IncrementHealthFailures(ctx context.Context, id string) (int, error) {
	var n int
	err := r.db.QueryRowxContext(ctx, r.db.Rebind(`
		UPDATE agents SET consecutive_health_failures = consecutive_health_failures + 1
		WHERE id = ? AND state <> 'archived'
		RETURNING consecutive_health_failures`), id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return n, err
}

// ResetHealthFailures zeroes the failure counter. It reports whether it was non-zero.
func (r *Repository) ResetHealthFailures(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE agents SET consecutive_health_failures = 0 WHERE id = ? AND consecutive_health_failures > 0`), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Escalation describes an agent moved to error by the health loop.
type Escalation struct {
	AgentID        string
	OwnerID        string
	MachineID      string
	MachineAddress string
	FailedPrompts  int64
}

// EscalateUnhealthy moves a non-archived agent whose failure counter reached
// threshold to error, clears its machine binding, bumps its prompt generation
// and fails its running prompt. It returns nil when nothing changed.
func (r *Repository) EscalateUnhealthy(ctx context.Context, id string, threshold int, reason string) (*Escalation, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var cur struct {
		OwnerID        string  `db:"owner_id"`
		MachineID      *string `db:"machine_id"`
		MachineAddress *string `db:"machine_address"`
	}
	err = tx.GetContext(ctx, &cur, tx.Rebind(`
		SELECT owner_id, machine_id, machine_address FROM agents
		WHERE id = ? AND state <> 'archived' AND consecutive_health_failures >= ?`), id, threshold)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := r.nowMillis()
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE agents SET state = ?, machine_id = NULL, machine_address = NULL, ready_for_prompt = 0,
			prompt_generation = prompt_generation + 1, error_message = ?, updated_at = ?
		WHERE id = ?`), models.StateError, reason, now, id); err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE prompts SET status = ?, error = ?, finished_at = ? WHERE agent_id = ? AND status = ?`),
		models.PromptFailed, reason, now, id, models.PromptRunning)
	if err != nil {
		return nil, err
	}
	failed, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	esc := &Escalation{AgentID: id, OwnerID: cur.OwnerID, FailedPrompts: failed}
	if cur.MachineID != nil {
		esc.MachineID = *cur.MachineID
	}
	if cur.MachineAddress != nil {
		esc.MachineAddress = *cur.MachineAddress
	}
	return esc, nil
}

// RestoreOutcome explains why an automatic restore did or did not happen.
type RestoreOutcome string

const (
	RestoreApplied    RestoreOutcome = "applied"
	RestoreEligible   RestoreOutcome = "eligible"
	RestoreNotInError RestoreOutcome = "not_in_error"
	RestoreTooOld     RestoreOutcome = "too_old"
	RestoreDailyLimit RestoreOutcome = "daily_limit"
	// RestoreAwaitingMachine means the agent is eligible but has no machine;
	// the restore completes once a replacement is attached.
	RestoreAwaitingMachine RestoreOutcome = "awaiting_machine"
)

type restoreCandidate struct {
	OwnerID   string            `db:"owner_id"`
	State     models.AgentState `db:"state"`
	CreatedAt models.Millis     `db:"created_at"`
}

type rebindQueryer interface {
	sqlx.QueryerContext
	Rebind(string) string
}

// checkAutoRestore evaluates the policy for id and returns the owner's used
// slot count for day.
func checkAutoRestore(ctx context.Context, q rebindQueryer, id, day string, perDay int, createdAfter models.Millis) (restoreCandidate, int, RestoreOutcome, error) {
	var cur restoreCandidate
	err := sqlx.GetContext(ctx, q, &cur, q.Rebind(`SELECT owner_id, state, created_at FROM agents WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return cur, 0, "", fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if err != nil {
		return cur, 0, "", err
	}
	if cur.State != models.StateError {
		return cur, 0, RestoreNotInError, nil
	}
	if cur.CreatedAt < createdAfter {
		return cur, 0, RestoreTooOld, nil
	}
	var used int
	if err := sqlx.GetContext(ctx, q, &used, q.Rebind(
		`SELECT COUNT(*) FROM agent_auto_restores WHERE owner_id = ? AND day = ?`), cur.OwnerID, day); err != nil {
		return cur, 0, "", err
	}
	if used >= perDay {
		return cur, used, RestoreDailyLimit, nil
	}
	return cur, used, RestoreEligible, nil
}

// CheckAutoRestore reports whether id could be auto-restored on day without
// consuming a slot.
func (r *Repository) CheckAutoRestore(ctx context.Context, id, day string, perDay int, createdAfter models.Millis) (RestoreOutcome, error) {
	_, _, out, err := checkAutoRestore(ctx, r.ro, id, day, perDay, createdAfter)
	return out, err
}

// AutoRestore consumes one of the owner's daily restore slots and moves an
// errored agent to idle in one transaction. Agents created before
// createdAfter are not eligible.
func (r *Repository) AutoRestore(ctx context.Context, id, day string, perDay int, createdAfter models.Millis) (RestoreOutcome, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	cur, used, out, err := checkAutoRestore(ctx, tx, id, day, perDay, createdAfter)
	if err != nil || out != RestoreEligible {
		return out, err
	}
	now := r.nowMillis()
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO agent_auto_restores (owner_id, day, slot, agent_id, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`), cur.OwnerID, day, used, id, now)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return RestoreDailyLimit, nil
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE agents SET state = ?, ready_for_prompt = 1, error_message = NULL, consecutive_health_failures = 0,
			updated_at = ?
		WHERE id = ? AND state = ?`), models.StateIdle, now, id, models.StateError); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return RestoreApplied, nil
}
