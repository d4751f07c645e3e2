package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ariana-dot-dev/ariana-sub006/internal/machine/models"
)

// CreateReservation queues a machine request for an agent. An agent has at
// most one pending request; asking again returns the existing one.
func (s *Store) CreateReservation(ctx context.Context, agentID, requestedBy string) (*models.ReservationRequest, error) {
	r := &models.ReservationRequest{
		ID:          uuid.New().String(),
		AgentID:     agentID,
		RequestedBy: requestedBy,
		CreatedAt:   s.nowMillis(),
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO machine_reservations (id, agent_id, requested_by, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (agent_id) DO NOTHING`), r.ID, r.AgentID, r.RequestedBy, r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return r, nil
	}
	var existing models.ReservationRequest
	if err := s.db.GetContext(ctx, &existing, s.db.Rebind(`
		SELECT id, agent_id, requested_by, created_at FROM machine_reservations WHERE agent_id = ?`), agentID); err != nil {
		return nil, err
	}
	return &existing, nil
}

// ListPendingReservations returns requests in arrival order.
func (s *Store) ListPendingReservations(ctx context.Context, limit int) ([]*models.ReservationRequest, error) {
	var out []*models.ReservationRequest
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT id, agent_id, requested_by, created_at FROM machine_reservations
		ORDER BY created_at ASC, id ASC LIMIT ?`), limit)
	return out, err
}

// CountReservations returns the number of pending requests.
func (s *Store) CountReservations(ctx context.Context) (int, error) {
	var n int
	err := s.ro.GetContext(ctx, &n, `SELECT COUNT(*) FROM machine_reservations`)
	return n, err
}

// DeleteReservation removes a request once it is satisfied or moot.
func (s *Store) DeleteReservation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM machine_reservations WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrReservationNotFound, id)
	}
	return nil
}

// DeleteReservationForAgent drops an agent's pending request, if any.
func (s *Store) DeleteReservationForAgent(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM machine_reservations WHERE agent_id = ?`), agentID)
	return err
}
