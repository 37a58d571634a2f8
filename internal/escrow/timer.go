package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/agora/internal/metrics"
)

// Timer periodically counts Active escrows past their expiry. It only
// reports; claiming stays with the payer or payee.
type Timer struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	overdue  atomic.Int64
	now      func() time.Time
}

// NewTimer creates a new expiry monitor.
func NewTimer(store Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		now:      time.Now,
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Overdue returns the count from the last scan.
func (t *Timer) Overdue() int {
	return int(t.overdue.Load())
}

// Start runs the scan loop until ctx is done or Stop is called. Call in a
// goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.safeScan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeScan(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeScan(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()
	t.scan(ctx)
}

func (t *Timer) scan(ctx context.Context) {
	n, err := t.store.CountOverdue(ctx, t.now())
	if err != nil {
		t.logger.Warn("failed to count overdue escrows", "error", err)
		return
	}
	prev := t.overdue.Swap(int64(n))
	metrics.EscrowsOverdue.Set(float64(n))
	if n > 0 && int64(n) != prev {
		t.logger.Info("escrows past expiry awaiting claim", "count", n)
	}
}
