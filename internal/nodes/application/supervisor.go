package application

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	nodes "irma-supervisor/internal/nodes/domain"
	"irma-supervisor/internal/observability/metrics"
)

const (
	defaultSweepInterval    = 10 * time.Second
	defaultSweepConcurrency = 8
)

// NodeSource is the registry surface the supervisor needs.
type NodeSource interface {
	List(ctx context.Context, applicationID string) ([]nodes.Node, error)
	Expire(ctx context.Context, key string, window time.Duration) (Outcome, error)
}

// Supervisor periodically times out nodes whose lastSeenAt is older than the liveness window.
type Supervisor struct {
	source      NodeSource
	window      time.Duration
	interval    time.Duration
	concurrency int
	clock       clock.Clock
	logger      *zap.SugaredLogger

	paused atomic.Bool

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// SupervisorOption customizes the supervisor.
type SupervisorOption func(*Supervisor)

// WithSweepInterval sets the tick period.
func WithSweepInterval(interval time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithSweepConcurrency bounds concurrent per-node expirations.
func WithSweepConcurrency(limit int) SupervisorOption {
	return func(s *Supervisor) {
		if limit > 0 {
			s.concurrency = limit
		}
	}
}

// WithSupervisorClock overrides the time source.
func WithSupervisorClock(c clock.Clock) SupervisorOption {
	return func(s *Supervisor) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithSupervisorLogger assigns a logger.
func WithSupervisorLogger(logger *zap.SugaredLogger) SupervisorOption {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSupervisor constructs a supervisor for the given liveness window.
func NewSupervisor(source NodeSource, window time.Duration, opts ...SupervisorOption) (*Supervisor, error) {
	if source == nil {
		return nil, errors.New("supervisor: nil node source")
	}
	if window <= 0 {
		return nil, errors.New("supervisor: liveness window must be positive")
	}
	s := &Supervisor{
		source:      source,
		window:      window,
		interval:    defaultSweepInterval,
		concurrency: defaultSweepConcurrency,
		clock:       clock.New(),
		logger:      zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start launches the sweep loop. The ticker is armed before Start returns.
func (s *Supervisor) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("supervisor: nil supervisor")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return errors.New("supervisor: already running")
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	ticker := s.clock.Ticker(s.interval)
	go s.run(ctx, ticker, s.stop, s.done)
	s.logger.Infow("liveness supervisor started", "interval", s.interval, "window", s.window)
	return nil
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Supervisor) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	s.logger.Infow("liveness supervisor stopped")
}

// Pause skips ticks until Resume.
func (s *Supervisor) Pause() {
	if s != nil {
		s.paused.Store(true)
	}
}

// Resume re-enables ticks.
func (s *Supervisor) Resume() {
	if s != nil {
		s.paused.Store(false)
	}
}

// Paused reports whether ticks are being skipped.
func (s *Supervisor) Paused() bool {
	return s != nil && s.paused.Load()
}

func (s *Supervisor) run(ctx context.Context, ticker *clock.Ticker, stop, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if s.paused.Load() {
				continue
			}
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Warnw("liveness sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce expires every stale node once and returns how many went OFFLINE.
// Per-node failures are logged and do not stop the sweep; the first one is returned.
func (s *Supervisor) SweepOnce(ctx context.Context) (int, error) {
	if s == nil {
		return 0, errors.New("supervisor: nil supervisor")
	}
	start := time.Now()
	list, err := s.source.List(ctx, "")
	if err != nil {
		metrics.ObserveSweep(metrics.ResultError, time.Since(start))
		return 0, err
	}
	now := s.clock.Now().UTC()

	var expired atomic.Int64
	var group errgroup.Group
	group.SetLimit(s.concurrency)
	for _, node := range list {
		if node.State == nodes.StateOffline || now.Sub(node.LastSeenAt) < s.window {
			continue
		}
		key := node.ID
		group.Go(func() error {
			outcome, err := s.source.Expire(ctx, key, s.window)
			if err != nil {
				s.logger.Warnw("node expiry failed", "node", key, "error", err)
				return err
			}
			if outcome.Committed && outcome.Decision.Notify {
				expired.Add(1)
			}
			return nil
		})
	}
	err = group.Wait()
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.ObserveSweep(result, time.Since(start))
	return int(expired.Load()), err
}
