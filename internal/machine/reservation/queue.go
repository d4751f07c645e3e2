// Package reservation matches agents that need a machine with warm pool machines.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/lifecycle"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/metrics"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/tracing"
	"github.com/ariana-dot-dev/ariana-sub006/internal/machine/models"
	"github.com/ariana-dot-dev/ariana-sub006/internal/machine/store"
)

const batchSize = 100

// PoolStatus is a read-only diagnostic of pool capacity.
type PoolStatus string

const (
	StatusHealthy  PoolStatus = "healthy"
	StatusDegraded PoolStatus = "degraded"
	StatusCritical PoolStatus = "critical"
)

// PoolStats summarises pool health.
type PoolStats struct {
	SuccessRate float64    `json:"successRate"`
	Attempts    int64      `json:"attempts"`
	Claims      int64      `json:"claims"`
	PoolSize    int        `json:"poolSize"`
	Target      int        `json:"target"`
	Pending     int        `json:"pending"`
	Status      PoolStatus `json:"status"`
}

// RunReport is the result of one queue run.
type RunReport struct {
	Processed int
	Claimed   int
	Pending   int
	Err       error
}

// Queue is the machine reservation queue.
type Queue struct {
	store     *store.Store
	lifecycle *lifecycle.Service
	target    int
	logger    *logger.Logger

	mu       sync.Mutex
	attempts int64
	claims   int64
}

// New creates the queue and registers it to request a machine whenever an
// agent needs one.
func New(st *store.Store, lc *lifecycle.Service, poolTarget int, log *logger.Logger) *Queue {
	q := &Queue{
		store:     st,
		lifecycle: lc,
		target:    poolTarget,
		logger:    log.Component("reservation"),
	}
	lc.OnMachineNeeded(func(ctx context.Context, agentID string) {
		if _, err := q.RequestMachine(ctx, agentID, "lifecycle"); err != nil {
			q.logger.WithAgentID(agentID).Error("Failed to queue machine request", zap.Error(err))
		}
	})
	return q
}

// RequestMachine queues a machine request for the agent.
func (q *Queue) RequestMachine(ctx context.Context, agentID, requestedBy string) (*models.ReservationRequest, error) {
	req, err := q.store.CreateReservation(ctx, agentID, requestedBy)
	if err != nil {
		return nil, err
	}
	q.logger.WithAgentID(agentID).Debug("Machine requested", zap.String("request_id", req.ID))
	return req, nil
}

// RunOnce pops pending requests in arrival order and claims a pool machine
// for each. It stops at the first empty-pool result and leaves the remaining
// requests for the next run.
func (q *Queue) RunOnce(ctx context.Context) RunReport {
	var report RunReport
	reqs, err := q.store.ListPendingReservations(ctx, batchSize)
	if err != nil {
		report.Err = fmt.Errorf("list reservations: %w", err)
		return report
	}

	var errs []error
	for i, req := range reqs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		claimed, err := q.serve(ctx, req)
		if errors.Is(err, store.ErrPoolEmpty) {
			report.Pending = len(reqs) - i
			break
		}
		report.Processed++
		if err != nil {
			errs = append(errs, fmt.Errorf("request %s: %w", req.ID, err))
			continue
		}
		if claimed {
			report.Claimed++
		}
	}
	report.Err = errors.Join(errs...)
	q.publishGauges(ctx)
	if report.Claimed > 0 || report.Err != nil {
		q.logger.Info("Reservation run finished",
			zap.Int("processed", report.Processed),
			zap.Int("claimed", report.Claimed),
			zap.Int("pending", report.Pending),
			zap.Error(report.Err))
	}
	return report
}

func (q *Queue) serve(ctx context.Context, req *models.ReservationRequest) (bool, error) {
	ctx, span := tracing.TraceReservationClaim(ctx, req.ID, req.AgentID)
	defer span.End()

	q.recordAttempt(false)
	entry, err := q.store.ClaimPoolEntry(ctx)
	if errors.Is(err, store.ErrPoolEmpty) {
		tracing.RecordResult(span, "pool_empty", nil)
		return false, err
	}
	if err != nil {
		tracing.RecordResult(span, "error", err)
		return false, err
	}

	log := q.logger.WithAgentID(req.AgentID).WithMachineID(entry.MachineID)
	bound, err := q.lifecycle.BindMachine(ctx, req.AgentID, entry.MachineID, entry.Address)
	if err != nil {
		// The machine may be attached elsewhere; park it unready for an operator.
		if rerr := q.store.ReturnToPool(ctx, entry.MachineID, entry.Address, false); rerr != nil {
			log.Error("Failed to return machine to pool", zap.Error(rerr))
		}
		tracing.RecordResult(span, "bind_error", err)
		return false, fmt.Errorf("bind machine: %w", err)
	}
	if !bound {
		// Agent is gone or no longer waiting for a machine. The request is moot.
		if rerr := q.store.ReturnToPool(ctx, entry.MachineID, entry.Address, true); rerr != nil {
			log.Error("Failed to return machine to pool", zap.Error(rerr))
		}
		tracing.RecordResult(span, "moot", nil)
		return false, q.store.DeleteReservation(ctx, req.ID)
	}

	q.recordAttempt(true)
	tracing.RecordResult(span, "claimed", nil)
	log.Info("Machine reserved", zap.String("request_id", req.ID))
	return true, q.store.DeleteReservation(ctx, req.ID)
}

func (q *Queue) recordAttempt(claimed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if claimed {
		q.claims++
		metrics.ReservationClaims.Inc()
		return
	}
	q.attempts++
	metrics.ReservationAttempts.Inc()
}

// Stats reports the pool diagnostic.
func (q *Queue) Stats(ctx context.Context) (PoolStats, error) {
	size, err := q.store.PoolSize(ctx)
	if err != nil {
		return PoolStats{}, err
	}
	pending, err := q.store.CountReservations(ctx)
	if err != nil {
		return PoolStats{}, err
	}
	q.mu.Lock()
	attempts, claims := q.attempts, q.claims
	q.mu.Unlock()

	stats := PoolStats{
		Attempts: attempts,
		Claims:   claims,
		PoolSize: size,
		Target:   q.target,
		Pending:  pending,
		Status:   statusFor(size, q.target),
	}
	if attempts > 0 {
		stats.SuccessRate = float64(claims) / float64(attempts)
	}
	return stats, nil
}

func statusFor(size, target int) PoolStatus {
	switch {
	case size == 0:
		return StatusCritical
	case size >= target:
		return StatusHealthy
	default:
		return StatusDegraded
	}
}

func (q *Queue) publishGauges(ctx context.Context) {
	size, err := q.store.PoolSize(ctx)
	if err != nil {
		return
	}
	metrics.PoolSize.Set(float64(size))
	switch statusFor(size, q.target) {
	case StatusHealthy:
		metrics.PoolStatus.Set(0)
	case StatusDegraded:
		metrics.PoolStatus.Set(1)
	default:
		metrics.PoolStatus.Set(2)
	}
}
