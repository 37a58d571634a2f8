package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultRecheck is how soon a mismatching run is repeated. Custody and the
// held total are read separately, so a settlement landing between the two
// reads can show a diff that the next run no longer sees.
const DefaultRecheck = 5 * time.Second

// Monitor reconciles custody on a schedule and tracks how many runs in a row
// found a mismatch.
type Monitor struct {
	runner   *Runner
	interval time.Duration
	recheck  time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	streak   atomic.Int64
}

// NewMonitor creates a custody monitor. A non-positive interval uses five
// minutes.
func NewMonitor(runner *Runner, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		runner:   runner,
		interval: interval,
		recheck:  min(DefaultRecheck, interval),
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the schedule loop is active.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

// Mismatches returns the number of consecutive runs that found custody out
// of balance. Failed runs leave it unchanged.
func (m *Monitor) Mismatches() int {
	return int(m.streak.Load())
}

// Start reconciles immediately, then every interval, or after the shorter
// recheck delay while a mismatch is outstanding. Call in a goroutine.
func (m *Monitor) Start(ctx context.Context) {
	m.running.Store(true)
	defer m.running.Store(false)

	timer := time.NewTimer(m.check(ctx))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-timer.C:
			timer.Reset(m.check(ctx))
		}
	}
}

// Stop signals the monitor to stop.
func (m *Monitor) Stop() {
	select {
	case m.stop <- struct{}{}:
	default:
	}
}

// check runs one reconciliation and returns the delay until the next.
func (m *Monitor) check(ctx context.Context) (next time.Duration) {
	next = m.interval
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in custody monitor", "panic", fmt.Sprint(r))
		}
	}()

	report, err := m.runner.RunAll(ctx)
	if err != nil {
		m.logger.Warn("reconciliation run failed", "error", err)
		return next
	}
	if report.Healthy {
		if n := m.streak.Swap(0); n > 0 {
			m.logger.Info("custody back in balance", "after_runs", n)
		}
		return next
	}
	if n := m.streak.Add(1); n > 1 {
		m.logger.Error("custody mismatch persists", "runs", n, "diff", report.Diff)
	}
	return m.recheck
}
