// Package models defines the machine pool, reservation and snapshot records.
package models

import agentmodels "github.com/ariana-dot-dev/ariana-sub006/internal/agent/models"

// Millis is a unix-millisecond instant.
type Millis = agentmodels.Millis

// Machine identifies a remote machine and where its agent server listens.
type Machine struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// PoolEntry is a machine parked in the warm pool. Only ready entries can be claimed.
type PoolEntry struct {
	ID        string `db:"id" json:"id"`
	MachineID string `db:"machine_id" json:"machineId"`
	Address   string `db:"address" json:"address"`
	Ready     bool   `db:"ready" json:"ready"`
	CreatedAt Millis `db:"created_at" json:"createdAt"`
}

// Machine returns the pool entry's machine.
func (e *PoolEntry) Machine() Machine {
	return Machine{ID: e.MachineID, Address: e.Address}
}

// ReservationRequest asks for a pool machine on behalf of a provisioning agent.
type ReservationRequest struct {
	ID          string `db:"id" json:"id"`
	AgentID     string `db:"agent_id" json:"agentId"`
	RequestedBy string `db:"requested_by" json:"requestedBy"`
	CreatedAt   Millis `db:"created_at" json:"createdAt"`
}

// SnapshotQueueEntry is a pending snapshot for one machine.
type SnapshotQueueEntry struct {
	MachineID       string  `db:"machine_id" json:"machineId"`
	Address         string  `db:"address" json:"address"`
	Priority        bool    `db:"priority" json:"priority"`
	RetryCount      int     `db:"retry_count" json:"retryCount"`
	ManualAttention bool    `db:"manual_attention" json:"manualAttention"`
	LastError       *string `db:"last_error" json:"lastError,omitempty"`
	CreatedAt       Millis  `db:"created_at" json:"createdAt"`
	UpdatedAt       Millis  `db:"updated_at" json:"updatedAt"`
}

// SnapshotLock marks a machine with a snapshot in flight.
type SnapshotLock struct {
	MachineID  string `db:"machine_id" json:"machineId"`
	Holder     string `db:"holder" json:"holder"`
	AcquiredAt Millis `db:"acquired_at" json:"acquiredAt"`
}
