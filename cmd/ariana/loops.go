package main

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub006/internal/common/config"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub006/internal/leader"
)

// Lease names, one per background loop.
const (
	loopReservation = "reservation"
	loopHealth      = "health"
	loopSnapshot    = "snapshot"
)

// loops are the lease-guarded background loops.
type loops struct {
	reservation *leader.Loop
	health      *leader.Loop
	snapshot    *leader.Loop
}

func newLoops(s *services, cfg *config.Config, log *logger.Logger) *loops {
	factor := time.Duration(cfg.Worker.LeaseFactor)
	if factor <= 0 {
		factor = 3
	}
	mk := func(name string, interval time.Duration, body leader.Body) *leader.Loop {
		return leader.NewLoop(leader.LoopConfig{
			Name:     name,
			Interval: interval,
			TTL:      factor * interval,
			Holder:   cfg.Worker.InstanceID,
			Leases:   s.leases,
		}, body, log)
	}

	return &loops{
		reservation: mk(loopReservation, cfg.Reservation.Interval, func(ctx context.Context) error {
			return s.queue.RunOnce(ctx).Err
		}),
		health: mk(loopHealth, cfg.Health.Interval, func(ctx context.Context) error {
			return s.checker.RunOnce(ctx).Err
		}),
		snapshot: mk(loopSnapshot, cfg.Snapshot.Interval, func(ctx context.Context) error {
			return s.scheduler.RunOnce(ctx).Err
		}),
	}
}

func (l *loops) all() []*leader.Loop {
	return []*leader.Loop{l.reservation, l.health, l.snapshot}
}

func (l *loops) start(ctx context.Context, log *logger.Logger) error {
	for _, loop := range l.all() {
		if err := loop.Start(ctx); err != nil {
			l.stop(log)
			return err
		}
	}
	return nil
}

func (l *loops) stop(log *logger.Logger) {
	for _, loop := range l.all() {
		if err := loop.Stop(); err != nil && !errors.Is(err, leader.ErrNotRunning) {
			log.Warn("Failed to stop loop", zap.Error(err))
		}
	}
}
