// Package events turns agent mutations into bus events. Every emission bumps
// the agent's events version first, so subscribers can order what they see.
package events

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub006/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/metrics"
	"github.com/ariana-dot-dev/ariana-sub006/internal/events/bus"
)

const (
	// AgentChanged is the event type for every agent-scoped change.
	AgentChanged = "agent.changed"
	// AllAgentChanges matches every agent change subject.
	AllAgentChanges = "agent.*.changed"
	// AllAgentInterrupts matches every interrupt signal subject.
	AllAgentInterrupts = "agent.*.interrupt"
)

// AgentSubject returns the subject changes for one agent are published on.
func AgentSubject(agentID string) string {
	return "agent." + agentID + ".changed"
}

// InterruptSubject returns the subject interrupt signals for one agent use.
func InterruptSubject(agentID string) string {
	return "agent." + agentID + ".interrupt"
}

// AgentIDFromSubject extracts the agent ID from an agent subject.
func AgentIDFromSubject(subject string) (string, bool) {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 || parts[0] != "agent" {
		return "", false
	}
	return parts[1], true
}

// Entity names what kind of row a change touched.
type Entity string

const (
	EntityAgent  Entity = "agent"
	EntityPrompt Entity = "prompt"
)

// ChangeSet describes one client-visible mutation. A fine-grained change
// lists the affected IDs; a bulk change sets Bulk and lists nothing, telling
// subscribers to re-fetch.
type ChangeSet struct {
	AgentID       string   `json:"agentId"`
	OwnerID       string   `json:"ownerId"`
	Entity        Entity   `json:"entity"`
	Added         []string `json:"added,omitempty"`
	Modified      []string `json:"modified,omitempty"`
	Removed       []string `json:"removed,omitempty"`
	Bulk          bool     `json:"bulk,omitempty"`
	EventsVersion int64    `json:"eventsVersion"`
}

// VersionStore bumps the per-agent events version.
type VersionStore interface {
	BumpEventsVersion(ctx context.Context, agentID string) (int64, string, error)
}

// Emitter publishes ChangeSets.
type Emitter struct {
	store  VersionStore
	bus    bus.EventBus
	source string
	logger *logger.Logger
}

// NewEmitter creates an emitter publishing on b.
func NewEmitter(store VersionStore, b bus.EventBus, source string, log *logger.Logger) *Emitter {
	return &Emitter{store: store, bus: b, source: source, logger: log.Component("emitter")}
}

// Emit bumps the agent's events version and publishes the change.
func (e *Emitter) Emit(ctx context.Context, cs ChangeSet) error {
	version, owner, err := e.store.BumpEventsVersion(ctx, cs.AgentID)
	if err != nil {
		return fmt.Errorf("bump events version: %w", err)
	}
	cs.EventsVersion = version
	if cs.OwnerID == "" {
		cs.OwnerID = owner
	}
	return e.publish(ctx, cs)
}

// EmitBulk signals an unbounded change to one entity kind of an agent.
func (e *Emitter) EmitBulk(ctx context.Context, agentID string, entity Entity) error {
	return e.Emit(ctx, ChangeSet{AgentID: agentID, Entity: entity, Bulk: true})
}

// EmitRemoved publishes the removal of an agent that no longer exists in the
// store, so its version cannot be bumped.
func (e *Emitter) EmitRemoved(ctx context.Context, agentID, ownerID string, lastVersion int64) error {
	return e.publish(ctx, ChangeSet{
		AgentID:       agentID,
		OwnerID:       ownerID,
		Entity:        EntityAgent,
		Removed:       []string{agentID},
		EventsVersion: lastVersion + 1,
	})
}

func (e *Emitter) publish(ctx context.Context, cs ChangeSet) error {
	ev, err := bus.NewEvent(AgentChanged, e.source, cs)
	if err != nil {
		return err
	}
	shape := "fine"
	if cs.Bulk {
		shape = "bulk"
	}
	metrics.EventsPublished.WithLabelValues(shape, "local").Inc()
	if err := e.bus.Publish(ctx, AgentSubject(cs.AgentID), ev); err != nil {
		e.logger.Warn("Failed to publish agent change",
			zap.String("agent_id", cs.AgentID),
			zap.Int64("events_version", cs.EventsVersion),
			zap.Error(err))
		return err
	}
	return nil
}

// DecodeChangeSet extracts a ChangeSet from an agent.changed event.
func DecodeChangeSet(ev *bus.Event) (ChangeSet, error) {
	var cs ChangeSet
	if ev.Type != AgentChanged {
		return cs, fmt.Errorf("unexpected event type %q", ev.Type)
	}
	err := ev.Decode(&cs)
	return cs, err
}

// Interrupt is broadcast so the worker running an agent's prompt can cancel it.
type Interrupt struct {
	AgentID    string `json:"agentId"`
	Generation int64  `json:"generation"`
}

// PublishInterrupt broadcasts an interrupt signal.
func (e *Emitter) PublishInterrupt(ctx context.Context, in Interrupt) error {
	ev, err := bus.NewEvent("agent.interrupt", e.source, in)
	if err != nil {
		return err
	}
	return e.bus.Publish(ctx, InterruptSubject(in.AgentID), ev)
}
