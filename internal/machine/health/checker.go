// Package health probes every agent's machine and escalates agents whose
// machines stop answering.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/lifecycle"
	agentmodels "github.com/ariana-dot-dev/ariana-sub006/internal/agent/models"
	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/repository"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/metrics"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/tracing"
	"github.com/ariana-dot-dev/ariana-sub006/internal/machine/driver"
	"github.com/ariana-dot-dev/ariana-sub006/internal/machine/models"
	"github.com/ariana-dot-dev/ariana-sub006/internal/machine/store"
)

// Config tunes the checker.
type Config struct {
	ProbeTimeout     time.Duration
	FailureThreshold int
}

// Report summarises one run.
type Report struct {
	Probed    int
	Healthy   int
	Failed    int
	Escalated []string
	// Restoring lists escalated agents waiting on a replacement machine.
	Restoring []string
	Err       error
}

type probeResult struct {
	agent *agentmodels.Agent
	err   error
}

// Checker runs liveness probes.
type Checker struct {
	repo      *repository.Repository
	lifecycle *lifecycle.Service
	store     *store.Store
	prober    driver.Prober
	cfg       Config
	logger    *logger.Logger
}

// NewChecker creates a health checker.
func NewChecker(repo *repository.Repository, lc *lifecycle.Service, st *store.Store, prober driver.Prober, cfg Config, log *logger.Logger) *Checker {
	return &Checker{
		repo:      repo,
		lifecycle: lc,
		store:     st,
		prober:    prober,
		cfg:       cfg,
		logger:    log.Component("health"),
	}
}

// RunOnce probes every agent with a bound machine concurrently, waits for
// all of them, then applies the results one agent at a time. A failure for
// one agent never affects the others.
func (c *Checker) RunOnce(ctx context.Context) Report {
	var report Report
	targets, err := c.repo.ListProbeTargets(ctx)
	if err != nil {
		report.Err = fmt.Errorf("list probe targets: %w", err)
		return report
	}

	results := make([]probeResult, len(targets))
	var g errgroup.Group
	for i, a := range targets {
		g.Go(func() error {
			results[i] = probeResult{agent: a, err: c.probe(ctx, a)}
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, r := range results {
		report.Probed++
		if r.err == nil {
			report.Healthy++
			metrics.HealthProbes.WithLabelValues("ok").Inc()
			if _, err := c.repo.ResetHealthFailures(ctx, r.agent.ID); err != nil {
				errs = append(errs, fmt.Errorf("agent %s: %w", r.agent.ID, err))
			}
			continue
		}

		report.Failed++
		metrics.HealthProbes.WithLabelValues("failed").Inc()
		escalated, err := c.recordFailure(ctx, r.agent, r.err)
		if err != nil {
			errs = append(errs, fmt.Errorf("agent %s: %w", r.agent.ID, err))
		}
		if !escalated {
			continue
		}
		report.Escalated = append(report.Escalated, r.agent.ID)
		out, err := c.lifecycle.AutoRestore(ctx, r.agent.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("auto-restore agent %s: %w", r.agent.ID, err))
			continue
		}
		c.logger.WithAgentID(r.agent.ID).Info("Automatic restore evaluated", zap.String("outcome", string(out)))
		if out == repository.RestoreAwaitingMachine {
			report.Restoring = append(report.Restoring, r.agent.ID)
		}
	}
	report.Err = errors.Join(errs...)
	return report
}

func (c *Checker) recordFailure(ctx context.Context, a *agentmodels.Agent, probeErr error) (bool, error) {
	log := c.logger.WithAgentID(a.ID)
	n, err := c.repo.IncrementHealthFailures(ctx, a.ID)
	if err != nil {
		return false, err
	}
	log.Warn("Health probe failed", zap.Int("consecutive_failures", n), zap.Error(probeErr))
	if n < c.cfg.FailureThreshold {
		return false, nil
	}

	reason := fmt.Sprintf("machine unreachable after %d consecutive health checks: %v", n, probeErr)
	esc, err := c.lifecycle.Escalate(ctx, a.ID, c.cfg.FailureThreshold, reason)
	if err != nil || esc == nil {
		return false, err
	}
	if esc.MachineID != "" {
		// Reclaimed machines wait unready until an operator or driver verifies them.
		if err := c.store.ReturnToPool(ctx, esc.MachineID, esc.MachineAddress, false); err != nil {
			return true, fmt.Errorf("reclaim machine %s: %w", esc.MachineID, err)
		}
	}
	return true, nil
}

// probe bounds a single probe by the probe timeout, even if the driver
// ignores its context.
func (c *Checker) probe(ctx context.Context, a *agentmodels.Agent) error {
	m := models.Machine{}
	if a.MachineID != nil {
		m.ID = *a.MachineID
	}
	if a.MachineAddress != nil {
		m.Address = *a.MachineAddress
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()
	ctx, span := tracing.TraceHealthProbe(ctx, a.ID, m.ID)
	defer span.End()

	done := make(chan error, 1)
	go func() { done <- c.prober.Probe(ctx, m) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("probe timed out after %s: %w", c.cfg.ProbeTimeout, ctx.Err())
	}
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	tracing.RecordResult(span, outcome, err)
	return err
}
