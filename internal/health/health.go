// Package health runs the readiness checks behind /health/ready: the
// database, the background workers and the custody balance.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds each check.
const DefaultTimeout = 2 * time.Second

// Status is the result of one named check.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Check returns nil when the subsystem is healthy; the error text becomes
// the status detail.
type Check func(ctx context.Context) error

// Registry holds named checks and runs them on demand.
type Registry struct {
	timeout time.Duration

	mu     sync.RWMutex
	names  []string
	checks []Check
}

// NewRegistry creates a registry. A non-positive timeout uses
// DefaultTimeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{timeout: timeout}
}

// Register adds a named check. Statuses come back in registration order.
func (r *Registry) Register(name string, check Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	r.checks = append(r.checks, check)
}

// CheckAll runs every check concurrently, each under the registry timeout,
// and reports whether all of them passed.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	checks := append([]Check(nil), r.checks...)
	r.mu.RUnlock()

	statuses := make([]Status, len(checks))
	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			statuses[i] = Status{Name: names[i], Healthy: true}
			if err := check(ctx); err != nil {
				statuses[i].Healthy = false
				statuses[i].Detail = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	healthy := true
	for _, s := range statuses {
		healthy = healthy && s.Healthy
	}
	return healthy, statuses
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Database checks that db answers a ping.
func Database(db Pinger) Check {
	return func(ctx context.Context) error {
		return db.PingContext(ctx)
	}
}

var errNotRunning = errors.New("not running")

// Worker checks that a background loop is running.
func Worker(running func() bool) Check {
	return func(context.Context) error {
		if !running() {
			return errNotRunning
		}
		return nil
	}
}

// Custody fails once custody has been out of balance for at least confirm
// consecutive reconciliation runs. A single mismatch can be a settlement
// caught between the two reads, so confirm below 2 is raised to 2.
func Custody(mismatches func() int, confirm int) Check {
	confirm = max(confirm, 2)
	return func(context.Context) error {
		if n := mismatches(); n >= confirm {
			return fmt.Errorf("custody out of balance for %d runs", n)
		}
		return nil
	}
}

// ExpiryBacklog fails when more than limit Active escrows sit past their
// expiry. A non-positive limit disables the check.
func ExpiryBacklog(overdue func() int, limit int) Check {
	return func(context.Context) error {
		if n := overdue(); limit > 0 && n > limit {
			return fmt.Errorf("%d escrows past expiry awaiting claim", n)
		}
		return nil
	}
}
