// Package leader runs background loops on exactly one worker at a time.
// Each loop holds a named lease row in the shared store; the holder renews it
// every tick and any other worker takes over once it expires.
package leader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ariana-dot-dev/ariana-sub006/internal/db"
	"github.com/ariana-dot-dev/ariana-sub006/internal/db/dialect"
)

// Lease is a held or expired lease row.
type Lease struct {
	Name      string `db:"name" json:"name"`
	Holder    string `db:"holder" json:"holder"`
	ExpiresAt int64  `db:"expires_at" json:"expiresAt"`
}

// LeaseStore persists loop leases.
type LeaseStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewLeaseStore creates the store and ensures its table.
func NewLeaseStore(pool *db.Pool) (*LeaseStore, error) {
	s := &LeaseStore{db: pool.Writer(), now: time.Now}
	stmt := strings.ReplaceAll(`CREATE TABLE IF NOT EXISTS loop_leases (
		name TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		expires_at BIGNUM NOT NULL
	)`, "BIGNUM", dialect.BigInt(pool.DriverName()))
	if _, err := s.db.Exec(stmt); err != nil {
		return nil, fmt.Errorf("failed to initialize lease schema: %w", err)
	}
	return s, nil
}

// TryAcquire takes or renews the named lease for holder. It succeeds when
// the lease is free, expired, or already held by holder.
func (s *LeaseStore) TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO loop_leases (name, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE loop_leases.holder = excluded.holder OR loop_leases.expires_at < ?`),
		name, holder, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Release gives up the lease if holder owns it.
func (s *LeaseStore) Release(ctx context.Context, name, holder string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM loop_leases WHERE name = ? AND holder = ?`), name, holder)
	return err
}

// Get returns the lease row, or nil if nobody ever took it.
func (s *LeaseStore) Get(ctx context.Context, name string) (*Lease, error) {
	var l Lease
	err := s.db.GetContext(ctx, &l, s.db.Rebind(`SELECT name, holder, expires_at FROM loop_leases WHERE name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}
