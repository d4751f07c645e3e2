package websocket

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/models"
	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/repository"
	"github.com/ariana-dot-dev/ariana-sub006/internal/events"
	ws "github.com/ariana-dot-dev/ariana-sub006/pkg/websocket"
)

// Source loads the state topics are rendered from.
type Source interface {
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgentsByOwner(ctx context.Context, ownerID string) ([]*models.Agent, error)
	GetPrompt(ctx context.Context, id string) (*models.Prompt, error)
	ListPrompts(ctx context.Context, agentID string) ([]*models.Prompt, error)
}

var errUnknownTopic = errors.New("unknown topic")

// topic renders one subscribable view. A subscription is keyed by the topic
// name and the value of its single scoping parameter.
type topic struct {
	name  string
	param string
	// scope returns the parameter value a change is visible under, or "".
	scope    func(cs events.ChangeSet) string
	snapshot func(ctx context.Context, src Source, id string) (any, int64, error)
	deltas   func(ctx context.Context, src Source, cs events.ChangeSet) ([]ws.Delta, error)
}

func (t *topic) key(id string) string {
	return t.name + ":" + id
}

var topics = map[string]*topic{
	ws.TopicAgent: {
		name:  ws.TopicAgent,
		param: "agentId",
		scope: func(cs events.ChangeSet) string {
			if cs.Entity != events.EntityAgent {
				return ""
			}
			return cs.AgentID
		},
		snapshot: func(ctx context.Context, src Source, id string) (any, int64, error) {
			a, err := src.GetAgent(ctx, id)
			if err != nil {
				return nil, 0, err
			}
			return a, a.EventsVersion, nil
		},
		deltas: agentDeltas,
	},
	ws.TopicAgents: {
		name:  ws.TopicAgents,
		param: "ownerId",
		scope: func(cs events.ChangeSet) string {
			if cs.Entity != events.EntityAgent {
				return ""
			}
			return cs.OwnerID
		},
		snapshot: func(ctx context.Context, src Source, id string) (any, int64, error) {
			agents, err := src.ListAgentsByOwner(ctx, id)
			if err != nil {
				return nil, 0, err
			}
			return agents, 0, nil
		},
		deltas: agentDeltas,
	},
	ws.TopicAgentPrompts: {
		name:  ws.TopicAgentPrompts,
		param: "agentId",
		scope: func(cs events.ChangeSet) string {
			switch {
			case cs.Entity == events.EntityPrompt:
				return cs.AgentID
			case cs.Entity == events.EntityAgent && slices.Contains(cs.Removed, cs.AgentID):
				return cs.AgentID
			}
			return ""
		},
		snapshot: func(ctx context.Context, src Source, id string) (any, int64, error) {
			a, err := src.GetAgent(ctx, id)
			if err != nil {
				return nil, 0, err
			}
			prompts, err := src.ListPrompts(ctx, id)
			if err != nil {
				return nil, 0, err
			}
			return prompts, a.EventsVersion, nil
		},
		deltas: promptDeltas,
	},
}

func agentDeltas(ctx context.Context, src Source, cs events.ChangeSet) ([]ws.Delta, error) {
	if slices.Contains(cs.Removed, cs.AgentID) {
		return []ws.Delta{{Op: ws.OpDelete, ItemID: cs.AgentID}}, nil
	}
	a, err := src.GetAgent(ctx, cs.AgentID)
	if errors.Is(err, repository.ErrAgentNotFound) {
		return []ws.Delta{{Op: ws.OpDelete, ItemID: cs.AgentID}}, nil
	}
	if err != nil {
		return nil, err
	}
	op := ws.OpModify
	if slices.Contains(cs.Added, cs.AgentID) {
		op = ws.OpAdd
	}
	return []ws.Delta{{Op: op, ItemID: a.ID, Item: a}}, nil
}

func promptDeltas(ctx context.Context, src Source, cs events.ChangeSet) ([]ws.Delta, error) {
	if cs.Entity == events.EntityAgent {
		return []ws.Delta{{Op: ws.OpReplace, Items: []*models.Prompt{}}}, nil
	}
	if cs.Bulk {
		prompts, err := src.ListPrompts(ctx, cs.AgentID)
		if err != nil {
			return nil, err
		}
		return []ws.Delta{{Op: ws.OpReplace, Items: prompts}}, nil
	}

	out := make([]ws.Delta, 0, len(cs.Added)+len(cs.Modified)+len(cs.Removed))
	load := func(ids []string, op ws.DeltaOp) error {
		for _, id := range ids {
			p, err := src.GetPrompt(ctx, id)
			if errors.Is(err, repository.ErrPromptNotFound) {
				out = append(out, ws.Delta{Op: ws.OpDelete, ItemID: id})
				continue
			}
			if err != nil {
				return fmt.Errorf("load prompt %s: %w", id, err)
			}
			out = append(out, ws.Delta{Op: op, ItemID: id, Item: p})
		}
		return nil
	}
	if err := load(cs.Added, ws.OpAdd); err != nil {
		return nil, err
	}
	if err := load(cs.Modified, ws.OpModify); err != nil {
		return nil, err
	}
	for _, id := range cs.Removed {
		out = append(out, ws.Delta{Op: ws.OpDelete, ItemID: id})
	}
	return out, nil
}
