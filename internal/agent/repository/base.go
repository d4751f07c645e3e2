// Package repository persists agents and their prompts. It runs on SQLite and
// PostgreSQL through sqlx; every mutation that races with another worker is a
// single conditional statement or a short transaction.
package repository

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/models"
	"github.com/ariana-dot-dev/ariana-sub006/internal/db"
	"github.com/ariana-dot-dev/ariana-sub006/internal/db/dialect"
)

var (
	ErrAgentNotFound   = errors.New("agent not found")
	ErrPromptNotFound  = errors.New("prompt not found")
	ErrAgentNotReady   = errors.New("agent is not idle and ready for a prompt")
	ErrNoQueuedPrompt  = errors.New("no queued prompt")
	ErrPromptNotQueued = errors.New("prompt is not queued")
)

// Repository provides agent and prompt storage.
type Repository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader
	driver string
	now    func() time.Time
}

// New creates the repository and ensures its schema.
func New(pool *db.Pool) (*Repository, error) {
	r := &Repository{
		db:     pool.Writer(),
		ro:     pool.Reader(),
		driver: pool.DriverName(),
		now:    time.Now,
	}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize agent schema: %w", err)
	}
	return r, nil
}

// SetClock overrides the time source. Tests only.
func (r *Repository) SetClock(now func() time.Time) { r.now = now }

func (r *Repository) nowMillis() models.Millis { return models.MillisOf(r.now()) }

func (r *Repository) initSchema() error {
	big := dialect.BigInt(r.driver)
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			machine_id TEXT,
			machine_address TEXT,
			events_version BIGNUM NOT NULL DEFAULT 0,
			prompt_generation BIGNUM NOT NULL DEFAULT 0,
			ready_for_prompt INTEGER NOT NULL DEFAULT 0,
			last_prompt_text TEXT,
			last_prompt_at BIGNUM,
			consecutive_health_failures INTEGER NOT NULL DEFAULT 0,
			in_autonomous_mode INTEGER NOT NULL DEFAULT 0,
			task_description TEXT,
			error_message TEXT,
			created_at BIGNUM NOT NULL,
			updated_at BIGNUM NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_owner ON agents(owner_id, created_at)`,
		// A machine is bound to at most one non-archived agent.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_machine ON agents(machine_id)
			WHERE machine_id IS NOT NULL AND state <> 'archived'`,
		`CREATE TABLE IF NOT EXISTS prompts (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			text TEXT NOT NULL,
			status TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			interrupted INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			created_at BIGNUM NOT NULL,
			started_at BIGNUM,
			finished_at BIGNUM
		)`,
		`CREATE INDEX IF NOT EXISTS idx_prompts_agent_status ON prompts(agent_id, status, created_at)`,
		// At most one running prompt per agent.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_prompts_one_running ON prompts(agent_id) WHERE status = 'running'`,
		`CREATE TABLE IF NOT EXISTS agent_auto_restores (
			owner_id TEXT NOT NULL,
			day TEXT NOT NULL,
			slot INTEGER NOT NULL,
			agent_id TEXT NOT NULL,
			created_at BIGNUM NOT NULL,
			PRIMARY KEY (owner_id, day, slot)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(strings.ReplaceAll(stmt, "BIGNUM", big)); err != nil {
			return err
		}
	}
	return nil
}

const agentColumns = `id, owner_id, name, state, machine_id, machine_address, events_version,
	prompt_generation, ready_for_prompt, last_prompt_text, last_prompt_at, consecutive_health_failures,
	in_autonomous_mode, task_description, error_message, created_at, updated_at`

const promptColumns = `id, agent_id, text, status, model, interrupted, error, created_at, started_at, finished_at`

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
