package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/crosslogic/finance-service/pkg/metrics"
	"github.com/crosslogic/finance-service/pkg/registry"
	"go.uber.org/zap"
)

// State is the lifecycle stage of a Worker.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Unit is the work a Worker repeats every interval.
type Unit interface {
	RunOnce(ctx context.Context) error
}

// UnitFunc adapts a function to Unit.
type UnitFunc func(ctx context.Context) error

func (f UnitFunc) RunOnce(ctx context.Context) error { return f(ctx) }

// Worker runs a Unit, sleeps, and repeats until stopped. A stop request is
// only observed between units. A Worker cannot be restarted once stopped.
type Worker struct {
	name     string
	interval time.Duration
	unit     Unit
	lease    Lease
	logger   *zap.Logger

	mu      sync.Mutex
	state   State
	started chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// Option customises a Worker.
type Option func(*Worker)

// WithLease makes every cycle conditional on holding lease.
func WithLease(lease Lease) Option {
	return func(w *Worker) {
		w.lease = lease
	}
}

// NewWorker creates a worker in the created state.
func NewWorker(name string, interval time.Duration, unit Unit, logger *zap.Logger, opts ...Option) *Worker {
	w := &Worker{
		name:     name,
		interval: interval,
		unit:     unit,
		lease:    LocalLease{},
		logger:   logger.With(zap.String("worker", name)),
		started:  make(chan struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) Name() string { return w.name }

// Start launches the loop and returns once it is running. Calling Start on a
// worker that was already started or stopped does nothing.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.state != StateCreated {
		w.mu.Unlock()
		return
	}
	w.state = StateRunning
	w.mu.Unlock()

	go w.loop(ctx)
	<-w.started

	w.logger.Info("worker started", zap.Duration("interval", w.interval))
}

// Stop asks the loop to exit after the current unit. It never blocks; use
// Done to wait. Stopping a worker that never started is allowed.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case StateCreated:
		w.state = StateStopped
		close(w.done)
	case StateRunning:
		w.state = StateStopping
		close(w.stop)
	}
}

// Done is closed once the worker has stopped.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// IsActive reports whether the loop is running and has not been asked to stop.
func (w *Worker) IsActive() bool {
	select {
	case <-w.started:
	default:
		return false
	}
	return w.State() == StateRunning
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) loop(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.state = StateStopped
		w.mu.Unlock()
		w.release()
		close(w.done)
		w.logger.Info("worker stopped")
	}()

	close(w.started)

	timer := time.NewTimer(w.interval)
	defer timer.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		w.cycle(ctx)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.interval)

		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

func (w *Worker) cycle(ctx context.Context) {
	start := time.Now()

	held, err := w.lease.Acquire(ctx, w.name)
	if err != nil {
		w.logger.Warn("failed to acquire worker lease, skipping cycle", zap.Error(err))
		metrics.ObserveCycle(w.name, "skipped", time.Since(start))
		return
	}
	if !held {
		w.logger.Debug("worker lease held elsewhere, skipping cycle")
		metrics.ObserveCycle(w.name, "skipped", time.Since(start))
		return
	}

	result := w.runUnit(ctx)
	metrics.ObserveCycle(w.name, result, time.Since(start))
}

func (w *Worker) runUnit(ctx context.Context) (result string) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker unit panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			result = "panic"
		}
	}()

	err := w.unit.RunOnce(ctx)
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, registry.ErrModified):
		w.logger.Debug("tenant registry changed during cycle, resuming next cycle")
		metrics.RegistryModified.WithLabelValues(w.name).Inc()
		return "modified"
	default:
		w.logger.Error("worker cycle failed", zap.Error(err))
		return "error"
	}
}

func (w *Worker) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.lease.Release(ctx, w.name); err != nil {
		w.logger.Warn("failed to release worker lease", zap.Error(err))
	}
}
