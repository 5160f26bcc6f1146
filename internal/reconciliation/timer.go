package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is used when NewTimer gets a non-positive interval.
const DefaultInterval = 5 * time.Minute

// Timer checks the ledger once when started and then on every tick.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger

	running  atomic.Bool
	failures atomic.Int64 // consecutive runs that returned an error

	stopOnce sync.Once
	stop     chan struct{}
}

// NewTimer creates a reconciliation timer.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger.With("component", "reconciliation"),
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// ConsecutiveFailures is the number of runs in a row that could not
// complete. A completed run resets it, mismatches or not.
func (t *Timer) ConsecutiveFailures() int {
	return int(t.failures.Load())
}

// Start runs until ctx is done or Stop is called.
func (t *Timer) Start(ctx context.Context) error {
	t.running.Store(true)
	defer t.running.Store(false)

	t.runOnce(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.stop:
			return nil
		case <-ticker.C:
			t.runOnce(ctx)
		}
	}
}

// Stop ends the loop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.failures.Add(1)
			t.logger.Error("panic in reconciliation run", "panic", fmt.Sprint(r))
		}
	}()

	report, err := t.runner.RunAll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		n := t.failures.Add(1)
		t.logger.Warn("reconciliation run failed", "consecutive_failures", n, "error", err)
		return
	}
	t.failures.Store(0)
	if !report.Healthy() {
		t.logger.Warn("reconciliation found mismatches", "mismatches", len(report.Mismatches))
	}
}
