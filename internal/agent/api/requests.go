// Package api provides REST API handlers for agents and their prompts.
package api

import "github.com/ariana-dot-dev/ariana-sub006/internal/agent/models"

// CreateAgentRequest creates an agent in provisioning.
type CreateAgentRequest struct {
	OwnerID string `json:"ownerId" binding:"required"`
	Name    string `json:"name" binding:"required"`
}

// QueuePromptRequest appends a prompt to an agent's backlog.
type QueuePromptRequest struct {
	Text  string `json:"text" binding:"required"`
	Model string `json:"model,omitempty"`
}

// AutonomousRequest turns autonomous mode on.
type AutonomousRequest struct {
	Task string `json:"task" binding:"required"`
}

// FailRequest carries a failure reason.
type FailRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// AgentsResponse lists agents.
type AgentsResponse struct {
	Agents []*models.Agent `json:"agents"`
	Total  int             `json:"total"`
}

// PromptsResponse lists an agent's prompts in dispatch order.
type PromptsResponse struct {
	Prompts []*models.Prompt `json:"prompts"`
	Total   int              `json:"total"`
}

// StateResponse reports an agent state after a setup step.
type StateResponse struct {
	AgentID string            `json:"agentId"`
	State   models.AgentState `json:"state"`
}

// CancelOthersResponse lists the prompts removed by cancel-others.
type CancelOthersResponse struct {
	Cancelled []string `json:"cancelled"`
}
