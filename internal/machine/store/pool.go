package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ariana-dot-dev/ariana-sub006/internal/db/dialect"
	"github.com/ariana-dot-dev/ariana-sub006/internal/machine/models"
)

// AddToPool parks a machine in the pool.
func (s *Store) AddToPool(ctx context.Context, machineID, address string, ready bool) (*models.PoolEntry, error) {
	e := &models.PoolEntry{
		ID:        uuid.New().String(),
		MachineID: machineID,
		Address:   address,
		Ready:     ready,
		CreatedAt: s.nowMillis(),
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO machine_pool (id, machine_id, address, ready, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (machine_id) DO NOTHING`),
		e.ID, e.MachineID, e.Address, dialect.BoolToInt(e.Ready), e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrMachineExists, machineID)
	}
	return e, nil
}

// ReturnToPool puts a machine back, replacing any existing entry for it.
// Machines reclaimed from failed agents come back not ready until verified.
func (s *Store) ReturnToPool(ctx context.Context, machineID, address string, ready bool) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO machine_pool (id, machine_id, address, ready, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (machine_id) DO UPDATE SET address = excluded.address, ready = excluded.ready`),
		uuid.New().String(), machineID, address, dialect.BoolToInt(ready), s.nowMillis())
	return err
}

// MarkReady flags a pooled machine as claimable.
func (s *Store) MarkReady(ctx context.Context, machineID string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE machine_pool SET ready = 1 WHERE machine_id = ?`), machineID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrMachineNotFound, machineID)
	}
	return nil
}

// RemoveFromPool drops a machine from the pool.
func (s *Store) RemoveFromPool(ctx context.Context, machineID string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM machine_pool WHERE machine_id = ?`), machineID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrMachineNotFound, machineID)
	}
	return nil
}

// ClaimPoolEntry removes and returns the oldest ready machine. Concurrent
// claimers never receive the same entry; the loser gets ErrPoolEmpty.
func (s *Store) ClaimPoolEntry(ctx context.Context) (*models.PoolEntry, error) {
	pick := `SELECT id FROM machine_pool WHERE ready = 1 ORDER BY created_at ASC, id ASC LIMIT 1`
	if dialect.IsPostgres(s.driver) {
		pick += ` FOR UPDATE SKIP LOCKED`
	}
	var e models.PoolEntry
	err := s.db.QueryRowxContext(ctx,
		`DELETE FROM machine_pool WHERE id = (`+pick+`) RETURNING `+poolColumns).StructScan(&e)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPoolEmpty
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// PoolSize counts ready machines.
func (s *Store) PoolSize(ctx context.Context) (int, error) {
	var n int
	err := s.ro.GetContext(ctx, &n, `SELECT COUNT(*) FROM machine_pool WHERE ready = 1`)
	return n, err
}

// ListPool returns every pooled machine, oldest first.
func (s *Store) ListPool(ctx context.Context) ([]*models.PoolEntry, error) {
	var out []*models.PoolEntry
	err := s.ro.SelectContext(ctx, &out, `SELECT `+poolColumns+` FROM machine_pool ORDER BY created_at ASC, id ASC`)
	return out, err
}
