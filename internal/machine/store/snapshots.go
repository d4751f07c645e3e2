package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ariana-dot-dev/ariana-sub006/internal/db/dialect"
	"github.com/ariana-dot-dev/ariana-sub006/internal/machine/models"
)

// EnqueueSnapshot records that a machine needs a snapshot. Each machine has
// one entry; priority only ever upgrades. A priority request also clears
// manual attention and the retry count, putting a parked machine back in
// rotation. Every request moves updated_at strictly forward.
func (s *Store) EnqueueSnapshot(ctx context.Context, machineID, address string, priority bool) error {
	now := s.nowMillis()
	p := dialect.BoolToInt(priority)
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO snapshot_queue (machine_id, address, priority, retry_count, manual_attention, created_at, updated_at)
		VALUES (?, ?, ?, 0, 0, ?, ?)
		ON CONFLICT (machine_id) DO UPDATE SET
			address = CASE WHEN excluded.address <> '' THEN excluded.address ELSE snapshot_queue.address END,
			priority = `+dialect.Greatest(s.driver, "snapshot_queue.priority", "excluded.priority")+`,
			retry_count = CASE WHEN excluded.priority = 1 THEN 0 ELSE snapshot_queue.retry_count END,
			manual_attention = CASE WHEN excluded.priority = 1 THEN 0 ELSE snapshot_queue.manual_attention END,
			updated_at = `+dialect.Greatest(s.driver, "excluded.updated_at", "snapshot_queue.updated_at + 1")),
		machineID, address, p, now, now)
	return err
}

// ListSnapshotQueue returns runnable entries, priority first then oldest.
// Entries parked for manual attention are excluded.
func (s *Store) ListSnapshotQueue(ctx context.Context, limit int) ([]*models.SnapshotQueueEntry, error) {
	var out []*models.SnapshotQueueEntry
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT `+snapshotColumns+` FROM snapshot_queue WHERE manual_attention = 0
		ORDER BY priority DESC, created_at ASC, machine_id ASC LIMIT ?`), limit)
	return out, err
}

// ListManualAttention returns entries that exhausted their retries.
func (s *Store) ListManualAttention(ctx context.Context) ([]*models.SnapshotQueueEntry, error) {
	var out []*models.SnapshotQueueEntry
	err := s.ro.SelectContext(ctx, &out, `
		SELECT `+snapshotColumns+` FROM snapshot_queue WHERE manual_attention = 1 ORDER BY updated_at ASC`)
	return out, err
}

// GetSnapshotEntry returns the queue entry for a machine.
func (s *Store) GetSnapshotEntry(ctx context.Context, machineID string) (*models.SnapshotQueueEntry, error) {
	var e models.SnapshotQueueEntry
	err := s.db.GetContext(ctx, &e, s.db.Rebind(`SELECT `+snapshotColumns+` FROM snapshot_queue WHERE machine_id = ?`), machineID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotQueued, machineID)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CompleteSnapshot removes the machine's queue entry unless it was requested
// again after seen, the updated_at the finished run started from. It reports
// whether the entry was removed.
func (s *Store) CompleteSnapshot(ctx context.Context, machineID string, seen models.Millis) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM snapshot_queue WHERE machine_id = ? AND updated_at <= ?`), machineID, seen)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// FailSnapshot counts a failed attempt. Once retry_count reaches maxRetries
// the entry is parked for manual attention. It returns the updated entry.
func (s *Store) FailSnapshot(ctx context.Context, machineID, reason string, maxRetries int) (*models.SnapshotQueueEntry, error) {
	var e models.SnapshotQueueEntry
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(`
		UPDATE snapshot_queue SET retry_count = retry_count + 1, last_error = ?,
			manual_attention = CASE WHEN retry_count + 1 >= ? THEN 1 ELSE 0 END,
			updated_at = ?
		WHERE machine_id = ?
		RETURNING `+snapshotColumns), reason, maxRetries, s.nowMillis(), machineID).StructScan(&e)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotQueued, machineID)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// TryAcquireSnapshotLock takes the machine's snapshot lock. It reports false,
// without error, when another holder already has it.
func (s *Store) TryAcquireSnapshotLock(ctx context.Context, machineID, holder string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO snapshot_locks (machine_id, holder, acquired_at) VALUES (?, ?, ?)
		ON CONFLICT (machine_id) DO NOTHING`), machineID, holder, s.nowMillis())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReleaseSnapshotLock drops the lock if holder still owns it.
func (s *Store) ReleaseSnapshotLock(ctx context.Context, machineID, holder string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM snapshot_locks WHERE machine_id = ? AND holder = ?`), machineID, holder)
	return err
}

// ReapStaleSnapshotLocks deletes locks older than maxAge, left behind by a
// worker that died mid-snapshot.
func (s *Store) ReapStaleSnapshotLocks(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := models.Millis(s.now().Add(-maxAge).UnixMilli())
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM snapshot_locks WHERE acquired_at < ?`), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetSnapshotLock returns the current lock on a machine, or nil.
func (s *Store) GetSnapshotLock(ctx context.Context, machineID string) (*models.SnapshotLock, error) {
	var l models.SnapshotLock
	err := s.db.GetContext(ctx, &l, s.db.Rebind(`
		SELECT machine_id, holder, acquired_at FROM snapshot_locks WHERE machine_id = ?`), machineID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}
