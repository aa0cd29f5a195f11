package archive

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"irma-supervisor/internal/observability/metrics"
	"irma-supervisor/internal/readings"
)

const (
	defaultQueueSize     = 256
	defaultTargetTimeout = 10 * time.Second
	resultSkipped        = "skipped"
)

// ErrSkipped tells the dispatcher a target chose not to archive a reading.
var ErrSkipped = errors.New("archive: skipped")

// Target archives a reading to one external system.
type Target interface {
	Name() string
	Forward(ctx context.Context, reading readings.Reading) error
}

// Dispatcher forwards persisted readings to every target from a single worker.
// Forward never blocks; readings are dropped when the queue is full.
type Dispatcher struct {
	targets []Target
	queue   chan readings.Reading
	timeout time.Duration
	logger  *zap.SugaredLogger

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	started sync.Once
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithQueueSize sets the queue capacity.
func WithQueueSize(size int) DispatcherOption {
	return func(d *Dispatcher) {
		if size > 0 {
			d.queue = make(chan readings.Reading, size)
		}
	}
}

// WithTargetTimeout bounds each target call.
func WithTargetTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.SugaredLogger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher constructs a dispatcher. Nil targets are skipped.
func NewDispatcher(targets []Target, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		queue:   make(chan readings.Reading, defaultQueueSize),
		timeout: defaultTargetTimeout,
		logger:  zap.NewNop().Sugar(),
		done:    make(chan struct{}),
	}
	for _, target := range targets {
		if target != nil {
			d.targets = append(d.targets, target)
		}
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the worker. Calling it more than once has no effect.
func (d *Dispatcher) Start() {
	if d == nil {
		return
	}
	d.started.Do(func() {
		go d.run()
	})
}

// Forward enqueues reading for archival.
func (d *Dispatcher) Forward(_ context.Context, reading readings.Reading) {
	if d == nil || len(d.targets) == 0 {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- reading:
	default:
		metrics.IncArchiveForward("queue", metrics.ResultDropped)
		d.logger.Warnw("archive queue full, dropping reading", "reading", reading.ID)
	}
}

// Close stops accepting readings and waits until the queue drains or ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	d.Start()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for reading := range d.queue {
		for _, target := range d.targets {
			d.deliver(target, reading)
		}
	}
}

func (d *Dispatcher) deliver(target Target, reading readings.Reading) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	err := target.Forward(ctx, reading)
	switch {
	case err == nil:
		metrics.IncArchiveForward(target.Name(), metrics.ResultSuccess)
	case errors.Is(err, ErrSkipped):
		metrics.IncArchiveForward(target.Name(), resultSkipped)
	default:
		metrics.IncArchiveForward(target.Name(), metrics.ResultError)
		d.logger.Warnw("archive forward failed", "target", target.Name(), "reading", reading.ID, "error", err)
	}
}
