package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/assistant"
	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/dispatcher"
	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/lifecycle"
	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/repository"
	"github.com/ariana-dot-dev/ariana-sub006/internal/agentclient"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/config"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub006/internal/db"
	"github.com/ariana-dot-dev/ariana-sub006/internal/envelope"
	"github.com/ariana-dot-dev/ariana-sub006/internal/events"
	"github.com/ariana-dot-dev/ariana-sub006/internal/events/bus"
	"github.com/ariana-dot-dev/ariana-sub006/internal/leader"
	"github.com/ariana-dot-dev/ariana-sub006/internal/machine/driver"
	"github.com/ariana-dot-dev/ariana-sub006/internal/machine/health"
	"github.com/ariana-dot-dev/ariana-sub006/internal/machine/reservation"
	"github.com/ariana-dot-dev/ariana-sub006/internal/machine/snapshot"
	"github.com/ariana-dot-dev/ariana-sub006/internal/machine/store"
)

// services holds the wired control plane.
type services struct {
	pool       *db.Pool
	repo       *repository.Repository
	store      *store.Store
	leases     *leader.LeaseStore
	bus        bus.EventBus
	emitter    *events.Emitter
	lifecycle  *lifecycle.Service
	dispatcher *dispatcher.Dispatcher
	driver     driver.Driver
	queue      *reservation.Queue
	checker    *health.Checker
	scheduler  *snapshot.Scheduler

	cleanups []func() error
}

// provideStorage opens the database and the stores on top of it.
func provideStorage(cfg *config.Config, log *logger.Logger) (*services, error) {
	pool, err := db.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &services{pool: pool}
	s.cleanups = append(s.cleanups, pool.Close)

	if s.repo, err = repository.New(pool); err != nil {
		return nil, errors.Join(err, s.close())
	}
	if s.store, err = store.New(pool); err != nil {
		return nil, errors.Join(err, s.close())
	}
	if s.leases, err = leader.NewLeaseStore(pool); err != nil {
		return nil, errors.Join(err, s.close())
	}
	log.Info("Database initialized", zap.String("driver", cfg.Database.Driver))
	return s, nil
}

// provideServices wires the event relay, the agent services and the machine
// services on top of storage.
func provideServices(ctx context.Context, cfg *config.Config, log *logger.Logger) (*services, error) {
	s, err := provideStorage(cfg, log)
	if err != nil {
		return nil, err
	}

	relay, closeRelay, err := events.Provide(ctx, cfg, log)
	if err != nil {
		return nil, errors.Join(err, s.close())
	}
	s.cleanups = append(s.cleanups, closeRelay)
	s.bus = relay
	log.Info("Event relay ready", zap.String("relay", cfg.Events.Relay))

	s.emitter = events.NewEmitter(s.repo, relay, cfg.Worker.InstanceID, log)
	s.lifecycle = lifecycle.NewService(s.repo, s.emitter, lifecycle.Config{
		MaxAgentAge:    cfg.Restore.MaxAgentAge,
		PerOwnerPerDay: cfg.Restore.PerOwnerPerDay,
	}, log)

	env, err := envelope.New(cfg.Envelope.Identity, cfg.Envelope.Recipient, cfg.Envelope.MaxAge)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("envelope: %w", err), s.close())
	}
	client := agentclient.New(env, log)

	if s.driver, err = driver.New(cfg.Machines, client, log); err != nil {
		return nil, errors.Join(err, s.close())
	}
	log.Info("Machine driver ready", zap.String("driver", s.driver.Name()))

	s.dispatcher = dispatcher.New(s.repo, s.lifecycle, s.emitter, assistant.NewRemote(client), log)
	if err := s.dispatcher.ListenInterrupts(relay); err != nil {
		s.dispatcher.Stop()
		return nil, errors.Join(err, s.close())
	}
	s.cleanups = append(s.cleanups, func() error { s.dispatcher.Stop(); return nil })

	s.queue = reservation.New(s.store, s.lifecycle, cfg.Reservation.PoolTarget, log)
	s.checker = health.NewChecker(s.repo, s.lifecycle, s.store, s.driver, health.Config{
		ProbeTimeout:     cfg.Health.ProbeTimeout,
		FailureThreshold: cfg.Health.FailureThreshold,
	}, log)
	s.scheduler = snapshot.NewScheduler(s.store, s.repo, s.driver, cfg.Worker.InstanceID, snapshot.Config{
		Timeout:        cfg.Snapshot.Timeout,
		MaxRetries:     cfg.Snapshot.MaxRetries,
		LockStaleAfter: cfg.Snapshot.LockStaleAfter,
		Concurrency:    cfg.Snapshot.Concurrency,
		EnqueueBound:   true,
	}, log)
	return s, nil
}

// close runs cleanups in reverse order.
func (s *services) close() error {
	var errs []error
	for i := len(s.cleanups) - 1; i >= 0; i-- {
		if err := s.cleanups[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.cleanups = nil
	return errors.Join(errs...)
}
