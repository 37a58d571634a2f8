// Package reconciliation checks that the payment processor's custody account
// holds exactly the value of the escrows that still lock funds.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/holiman/uint256"

	"github.com/mbd888/agora/internal/admin"
	"github.com/mbd888/agora/internal/metrics"
	"github.com/mbd888/agora/internal/units"
)

// CustodySource reports both sides of the custody check (implemented by
// escrow.Service).
type CustodySource interface {
	ContractBalance(ctx context.Context) (*uint256.Int, error)
	HeldTotal(ctx context.Context) (*uint256.Int, error)
}

// Runner performs custody reconciliation.
type Runner struct {
	source CustodySource
	logger *slog.Logger
	last   atomic.Pointer[admin.ReconciliationReport]
	now    func() time.Time
}

// NewRunner creates a reconciliation runner.
func NewRunner(source CustodySource, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{source: source, logger: logger, now: time.Now}
}

// RunAll compares the custody balance with the held escrow total and
// publishes the result as gauges. A mismatch is reported, not an error.
func (r *Runner) RunAll(ctx context.Context) (*admin.ReconciliationReport, error) {
	start := r.now()

	custody, err := r.source.ContractBalance(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to read custody balance: %w", err)
	}
	held, err := r.source.HeldTotal(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to sum held escrows: %w", err)
	}

	diff := new(big.Int).Sub(custody.ToBig(), held.ToBig())
	report := &admin.ReconciliationReport{
		CustodyBalance: units.Format(custody),
		HeldTotal:      units.Format(held),
		Diff:           diff.String(),
		Healthy:        diff.Sign() == 0,
		Timestamp:      start,
	}
	elapsed := r.now().Sub(start)
	report.DurationMs = elapsed.Milliseconds()
	reconcileDuration.Observe(elapsed.Seconds())

	f, _ := new(big.Float).SetInt(custody.ToBig()).Float64()
	metrics.CustodyBalance.Set(f)
	if report.Healthy {
		metrics.CustodyMismatch.Set(0)
	} else {
		metrics.CustodyMismatch.Set(1)
		r.logger.Error("custody mismatch",
			"custody", report.CustodyBalance, "held", report.HeldTotal, "diff", report.Diff)
	}

	r.last.Store(report)
	return report, nil
}

// Last returns the most recent report, or nil before the first run.
func (r *Runner) Last() *admin.ReconciliationReport {
	return r.last.Load()
}
