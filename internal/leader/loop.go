package leader

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub006/internal/common/logger"
)

var (
	ErrAlreadyRunning = errors.New("loop is already running")
	ErrNotRunning     = errors.New("loop is not running")
)

// Body is one iteration of a loop.
type Body func(ctx context.Context) error

// LoopConfig configures a loop. A nil Leases runs the body on every tick
// without coordination.
type LoopConfig struct {
	Name     string
	Interval time.Duration
	TTL      time.Duration
	Holder   string
	Leases   *LeaseStore
}

// Loop runs Body at a fixed interval while holding its lease.
type Loop struct {
	cfg    LoopConfig
	body   Body
	logger *logger.Logger
	kick   chan struct{}

	mu      sync.Mutex
	running bool
	leader  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewLoop creates a loop.
func NewLoop(cfg LoopConfig, body Body, log *logger.Logger) *Loop {
	if cfg.TTL <= 0 {
		cfg.TTL = 3 * cfg.Interval
	}
	return &Loop{
		cfg:    cfg,
		body:   body,
		logger: log.WithFields(zap.String("component", "loop"), zap.String("loop", cfg.Name)),
		kick:   make(chan struct{}, 1),
	}
}

// Start begins ticking. The first tick runs immediately.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return ErrAlreadyRunning
	}
	l.running = true
	ctx, l.cancel = context.WithCancel(ctx)

	l.wg.Add(1)
	go l.run(ctx)
	l.logger.Info("Loop started", zap.Duration("interval", l.cfg.Interval))
	return nil
}

// Stop halts the loop, waits for the current iteration and releases the lease.
func (l *Loop) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return ErrNotRunning
	}
	l.running = false
	l.cancel()
	l.mu.Unlock()

	l.wg.Wait()
	if l.cfg.Leases != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.cfg.Leases.Release(ctx, l.cfg.Name, l.cfg.Holder); err != nil {
			l.logger.Warn("Failed to release lease", zap.Error(err))
		}
	}
	l.setLeader(false)
	l.logger.Info("Loop stopped")
	return nil
}

// Kick requests an extra iteration as soon as possible.
func (l *Loop) Kick() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

// IsLeader reports whether this worker held the lease at its last tick.
func (l *Loop) IsLeader() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leader
}

func (l *Loop) setLeader(v bool) {
	l.mu.Lock()
	l.leader = v
	l.mu.Unlock()
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		case <-l.kick:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	if l.cfg.Leases != nil {
		held, err := l.cfg.Leases.TryAcquire(ctx, l.cfg.Name, l.cfg.Holder, l.cfg.TTL)
		if err != nil {
			if ctx.Err() == nil {
				l.logger.Warn("Lease check failed", zap.Error(err))
			}
			return
		}
		was := l.IsLeader()
		l.setLeader(held)
		switch {
		case held && !was:
			l.logger.Info("Acquired loop lease", zap.String("holder", l.cfg.Holder))
		case !held && was:
			l.logger.Warn("Lost loop lease")
		}
		if !held {
			return
		}
	} else {
		l.setLeader(true)
	}

	if err := l.body(ctx); err != nil && ctx.Err() == nil {
		l.logger.Warn("Loop iteration reported errors", zap.Error(err))
	}
}
