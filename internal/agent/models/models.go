// Package models defines the agent aggregate and its prompt backlog.
package models

import "time"

// Millis is an instant persisted as unix milliseconds. Prompt ordering uses
// it directly, so "one time-unit earlier" is one millisecond.
type Millis int64

// MillisOf converts t to Millis.
func MillisOf(t time.Time) Millis { return Millis(t.UnixMilli()) }

// Time converts m back to a UTC time.
func (m Millis) Time() time.Time { return time.UnixMilli(int64(m)).UTC() }

// AgentState is the lifecycle state of an agent.
type AgentState string

const (
	StateProvisioning AgentState = "provisioning"
	StateProvisioned  AgentState = "provisioned"
	StateCloning      AgentState = "cloning"
	StateReady        AgentState = "ready"
	StateIdle         AgentState = "idle"
	StateRunning      AgentState = "running"
	StateError        AgentState = "error"
	StateArchived     AgentState = "archived"
)

// Agent is a stateful handle to one remote execution environment.
type Agent struct {
	ID                        string     `db:"id" json:"id"`
	OwnerID                   string     `db:"owner_id" json:"ownerId"`
	Name                      string     `db:"name" json:"name"`
	State                     AgentState `db:"state" json:"state"`
	MachineID                 *string    `db:"machine_id" json:"machineId"`
	MachineAddress            *string    `db:"machine_address" json:"machineAddress"`
	EventsVersion             int64      `db:"events_version" json:"eventsVersion"`
	PromptGeneration          int64      `db:"prompt_generation" json:"promptGeneration"`
	ReadyForPrompt            bool       `db:"ready_for_prompt" json:"readyForPrompt"`
	LastPromptText            *string    `db:"last_prompt_text" json:"lastPromptText,omitempty"`
	LastPromptAt              *Millis    `db:"last_prompt_at" json:"lastPromptAt,omitempty"`
	ConsecutiveHealthFailures int        `db:"consecutive_health_failures" json:"consecutiveHealthFailures"`
	InAutonomousMode          bool       `db:"in_autonomous_mode" json:"inAutonomousMode"`
	TaskDescription           *string    `db:"task_description" json:"taskDescription,omitempty"`
	ErrorMessage              *string    `db:"error_message" json:"errorMessage,omitempty"`
	CreatedAt                 Millis     `db:"created_at" json:"createdAt"`
	UpdatedAt                 Millis     `db:"updated_at" json:"updatedAt"`
}

// HasMachine reports whether a machine is bound to the agent.
func (a *Agent) HasMachine() bool {
	return a.MachineID != nil && *a.MachineID != ""
}

// PromptStatus is the status of a prompt.
type PromptStatus string

const (
	PromptQueued   PromptStatus = "queued"
	PromptRunning  PromptStatus = "running"
	PromptFinished PromptStatus = "finished"
	PromptFailed   PromptStatus = "failed"
)

// Prompt is one unit of work for an agent. CreatedAt doubles as the queue
// ordering key.
type Prompt struct {
	ID          string       `db:"id" json:"id"`
	AgentID     string       `db:"agent_id" json:"agentId"`
	Text        string       `db:"text" json:"text"`
	Status      PromptStatus `db:"status" json:"status"`
	Model       string       `db:"model" json:"model"`
	Interrupted bool         `db:"interrupted" json:"interrupted"`
	Error       *string      `db:"error" json:"error,omitempty"`
	CreatedAt   Millis       `db:"created_at" json:"createdAt"`
	StartedAt   *Millis      `db:"started_at" json:"startedAt,omitempty"`
	FinishedAt  *Millis      `db:"finished_at" json:"finishedAt,omitempty"`
}

// Active reports whether the prompt is queued or running.
func (p *Prompt) Active() bool {
	return p.Status == PromptQueued || p.Status == PromptRunning
}
