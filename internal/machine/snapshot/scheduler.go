// Package snapshot checkpoints machine disks on a schedule and on demand.
//
// At most one snapshot per machine is in flight across all workers: a
// snapshot only starts after inserting the machine's lock row, and a worker
// that finds the row already present skips the machine for this run.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/repository"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/metrics"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/tracing"
	"github.com/ariana-dot-dev/ariana-sub006/internal/machine/driver"
	"github.com/ariana-dot-dev/ariana-sub006/internal/machine/models"
	"github.com/ariana-dot-dev/ariana-sub006/internal/machine/store"
)

const batchSize = 200

// Config tunes the scheduler.
type Config struct {
	Timeout        time.Duration
	MaxRetries     int
	LockStaleAfter time.Duration
	Concurrency    int
	// EnqueueBound queues every bound machine at the start of each run.
	EnqueueBound bool
}

// Report summarises one run.
type Report struct {
	Taken   int
	Skipped int
	Failed  int
	Parked  []string
	Reaped  int64
	Err     error
}

type outcome int

const (
	outcomeTaken outcome = iota
	outcomeSkipped
	outcomeFailed
	outcomeParked
)

// Scheduler drains the snapshot queue.
type Scheduler struct {
	store       *store.Store
	repo        *repository.Repository
	snapshotter driver.Snapshotter
	holder      string
	cfg         Config
	logger      *logger.Logger

	wg sync.WaitGroup
}

// NewScheduler creates a scheduler. holder tags the lock rows this worker takes.
func NewScheduler(st *store.Store, repo *repository.Repository, snap driver.Snapshotter, holder string, cfg Config, log *logger.Logger) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Scheduler{
		store:       st,
		repo:        repo,
		snapshotter: snap,
		holder:      holder,
		cfg:         cfg,
		logger:      log.Component("snapshot"),
	}
}

// RunOnce reaps abandoned locks, optionally enqueues bound machines, then
// snapshots queued machines, priority first. One machine's failure never
// stops the batch.
func (s *Scheduler) RunOnce(ctx context.Context) Report {
	var report Report
	var errs []error

	reaped, err := s.store.ReapStaleSnapshotLocks(ctx, s.cfg.LockStaleAfter)
	if err != nil {
		errs = append(errs, fmt.Errorf("reap locks: %w", err))
	} else if reaped > 0 {
		report.Reaped = reaped
		s.logger.Warn("Reaped stale snapshot locks", zap.Int64("count", reaped))
	}

	if s.cfg.EnqueueBound {
		if err := s.enqueueBound(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	entries, err := s.store.ListSnapshotQueue(ctx, batchSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("list snapshot queue: %w", err))
		report.Err = errors.Join(errs...)
		return report
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)
	for _, e := range entries {
		g.Go(func() error {
			out, err := s.process(ctx, e)
			mu.Lock()
			defer mu.Unlock()
			switch out {
			case outcomeTaken:
				report.Taken++
			case outcomeSkipped:
				report.Skipped++
			case outcomeFailed:
				report.Failed++
			case outcomeParked:
				report.Failed++
				report.Parked = append(report.Parked, e.MachineID)
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("machine %s: %w", e.MachineID, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Err = errors.Join(errs...)
	return report
}

func (s *Scheduler) enqueueBound(ctx context.Context) error {
	agents, err := s.repo.ListProbeTargets(ctx)
	if err != nil {
		return fmt.Errorf("list bound machines: %w", err)
	}
	var errs []error
	for _, a := range agents {
		addr := ""
		if a.MachineAddress != nil {
			addr = *a.MachineAddress
		}
		if err := s.store.EnqueueSnapshot(ctx, *a.MachineID, addr, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// process snapshots one queued machine. Snapshot failures are recorded on
// the queue entry and not returned; only storage errors are.
func (s *Scheduler) process(ctx context.Context, e *models.SnapshotQueueEntry) (outcome, error) {
	log := s.logger.WithMachineID(e.MachineID)
	ok, err := s.store.TryAcquireSnapshotLock(ctx, e.MachineID, s.holder)
	if err != nil {
		return outcomeFailed, err
	}
	if !ok {
		metrics.Snapshots.WithLabelValues("skipped").Inc()
		log.Debug("Snapshot already in progress, skipping")
		return outcomeSkipped, nil
	}
	defer func() {
		if err := s.store.ReleaseSnapshotLock(context.WithoutCancel(ctx), e.MachineID, s.holder); err != nil {
			log.Error("Failed to release snapshot lock", zap.Error(err))
		}
	}()

	spanCtx, span := tracing.TraceSnapshot(ctx, e.MachineID, e.Priority)
	defer span.End()
	runCtx, cancel := context.WithTimeout(spanCtx, s.cfg.Timeout)
	defer cancel()

	start := time.Now()
	res, snapErr := s.snapshotter.Snapshot(runCtx, models.Machine{ID: e.MachineID, Address: e.Address})
	if snapErr == nil {
		tracing.RecordResult(span, "taken", nil)
		metrics.Snapshots.WithLabelValues("taken").Inc()
		log.Info("Snapshot taken",
			zap.String("snapshot_id", res.ID),
			zap.Bool("priority", e.Priority),
			zap.Duration("duration", time.Since(start)))
		removed, err := s.store.CompleteSnapshot(ctx, e.MachineID, e.UpdatedAt)
		if err == nil && !removed {
			log.Debug("Snapshot requested again during the run, keeping queue entry")
		}
		return outcomeTaken, err
	}

	tracing.RecordResult(span, "failed", snapErr)
	updated, err := s.store.FailSnapshot(ctx, e.MachineID, snapErr.Error(), s.cfg.MaxRetries)
	if err != nil {
		return outcomeFailed, err
	}
	if updated.ManualAttention {
		metrics.Snapshots.WithLabelValues("parked").Inc()
		log.Error("Snapshot retries exhausted, machine needs manual attention",
			zap.Int("retry_count", updated.RetryCount), zap.Error(snapErr))
		return outcomeParked, nil
	}
	metrics.Snapshots.WithLabelValues("failed").Inc()
	log.Warn("Snapshot failed, will retry", zap.Int("retry_count", updated.RetryCount), zap.Error(snapErr))
	return outcomeFailed, nil
}

// Trigger queues a priority snapshot and starts it right away in the
// background. If a snapshot of the machine is already running, the queued
// entry is picked up by the next scheduled run.
func (s *Scheduler) Trigger(ctx context.Context, machineID, address string) error {
	if err := s.store.EnqueueSnapshot(ctx, machineID, address, true); err != nil {
		return err
	}
	e, err := s.store.GetSnapshotEntry(ctx, machineID)
	if err != nil {
		return err
	}
	bg := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.process(bg, e); err != nil {
			s.logger.WithMachineID(machineID).Error("Triggered snapshot failed", zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until triggered snapshots finish.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
