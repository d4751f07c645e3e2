// Package lifecycle governs agent state transitions and their side effects.
package lifecycle

import (
	"errors"

	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/models"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrConcurrentChange  = errors.New("agent state changed concurrently")
	ErrRestoreDenied     = errors.New("restore denied")
)

var transitions = map[models.AgentState][]models.AgentState{
	models.StateProvisioning: {models.StateProvisioned, models.StateError, models.StateArchived},
	models.StateProvisioned:  {models.StateCloning, models.StateError, models.StateArchived},
	models.StateCloning:      {models.StateReady, models.StateError, models.StateArchived},
	models.StateReady:        {models.StateIdle, models.StateError, models.StateArchived},
	models.StateIdle:         {models.StateRunning, models.StateError, models.StateArchived},
	models.StateRunning:      {models.StateIdle, models.StateError, models.StateArchived},
	// error -> provisioning is taken only by a manual restore of an agent whose
	// machine was reclaimed. Automatic restores attach a machine and go to idle.
	models.StateError:    {models.StateIdle, models.StateProvisioning, models.StateArchived},
	models.StateArchived: nil,
}

// setupNext is the linear setup chain driven by external step completion.
var setupNext = map[models.AgentState]models.AgentState{
	models.StateProvisioned: models.StateCloning,
	models.StateCloning:     models.StateReady,
	models.StateReady:       models.StateIdle,
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to models.AgentState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsSetupState reports whether s is one of the pre-idle setup states.
func IsSetupState(s models.AgentState) bool {
	switch s {
	case models.StateProvisioning, models.StateProvisioned, models.StateCloning, models.StateReady:
		return true
	}
	return false
}
