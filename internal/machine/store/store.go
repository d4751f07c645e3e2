// Package store persists the machine pool, reservation requests, the snapshot
// queue and snapshot locks. Claims and lock acquisition are single
// statements, so a lost race shows up as "nothing claimed" rather than a
// partial write.
package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ariana-dot-dev/ariana-sub006/internal/db"
	"github.com/ariana-dot-dev/ariana-sub006/internal/db/dialect"
	"github.com/ariana-dot-dev/ariana-sub006/internal/machine/models"
)

var (
	ErrPoolEmpty           = errors.New("no ready machine in pool")
	ErrMachineExists       = errors.New("machine already in pool")
	ErrMachineNotFound     = errors.New("machine not in pool")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrSnapshotNotQueued   = errors.New("snapshot not queued")
)

// Store provides machine storage.
type Store struct {
	db     *sqlx.DB
	ro     *sqlx.DB
	driver string
	now    func() time.Time
}

// New creates the store and ensures its schema.
func New(pool *db.Pool) (*Store, error) {
	s := &Store{
		db:     pool.Writer(),
		ro:     pool.Reader(),
		driver: pool.DriverName(),
		now:    time.Now,
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize machine schema: %w", err)
	}
	return s, nil
}

// SetClock overrides the time source. Tests only.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) nowMillis() models.Millis { return models.Millis(s.now().UnixMilli()) }

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS machine_pool (
			id TEXT PRIMARY KEY,
			machine_id TEXT NOT NULL UNIQUE,
			address TEXT NOT NULL,
			ready INTEGER NOT NULL DEFAULT 0,
			created_at BIGNUM NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_machine_pool_ready ON machine_pool(ready, created_at)`,
		`CREATE TABLE IF NOT EXISTS machine_reservations (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL UNIQUE,
			requested_by TEXT NOT NULL DEFAULT '',
			created_at BIGNUM NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS snapshot_queue (
			machine_id TEXT PRIMARY KEY,
			address TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			manual_attention INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at BIGNUM NOT NULL,
			updated_at BIGNUM NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS snapshot_locks (
			machine_id TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			acquired_at BIGNUM NOT NULL
		)`,
	}
	big := dialect.BigInt(s.driver)
	for _, stmt := range stmts {
		if _, err := s.db.Exec(strings.ReplaceAll(stmt, "BIGNUM", big)); err != nil {
			return err
		}
	}
	return nil
}

const poolColumns = `id, machine_id, address, ready, created_at`

const snapshotColumns = `machine_id, address, priority, retry_count, manual_attention, last_error, created_at, updated_at`
