// Package assistant abstracts the coding assistant that executes prompts on
// an agent's machine.
package assistant

import (
	"context"
	"fmt"

	"github.com/ariana-dot-dev/ariana-sub006/internal/agentclient"
)

// Outcome is how an assistant run ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeAborted Outcome = "aborted"
)

// Request is one prompt execution.
type Request struct {
	AgentID        string
	PromptID       string
	Text           string
	Model          string
	MachineID      string
	MachineAddress string
	Generation     int64
}

// Result is returned when the run completes.
type Result struct {
	Outcome Outcome
	Error   string
}

// Assistant runs a prompt to completion. Implementations must return promptly
// with OutcomeAborted or a context error once ctx is cancelled.
type Assistant interface {
	Process(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to Assistant.
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Process(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

// Remote forwards prompts to the agent server on the bound machine.
type Remote struct {
	client *agentclient.Client
}

// NewRemote creates an assistant backed by the agent server client.
func NewRemote(client *agentclient.Client) *Remote {
	return &Remote{client: client}
}

func (r *Remote) Process(ctx context.Context, req Request) (Result, error) {
	if req.MachineAddress == "" {
		return Result{}, fmt.Errorf("agent %s has no machine address", req.AgentID)
	}
	resp, err := r.client.Prompt(ctx, req.MachineAddress, agentclient.PromptRequest{
		AgentID:    req.AgentID,
		PromptID:   req.PromptID,
		Text:       req.Text,
		Model:      req.Model,
		Generation: req.Generation,
	})
	if err != nil {
		return Result{}, err
	}
	switch Outcome(resp.Outcome) {
	case OutcomeSuccess, OutcomeFailure, OutcomeAborted:
		return Result{Outcome: Outcome(resp.Outcome), Error: resp.Error}, nil
	}
	return Result{}, fmt.Errorf("unknown assistant outcome %q", resp.Outcome)
}
