package escrow

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestTimer_CountsOverdue(t *testing.T) {
	env := newTestEnv(t)
	e := env.create(t, "100")
	env.create(t, "100")

	timer := NewTimer(env.store, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	timer.now = func() time.Time { return env.now }
	ctx := context.Background()

	timer.scan(ctx)
	if got := timer.Overdue(); got != 0 {
		t.Fatalf("expected 0 overdue, got %d", got)
	}

	env.now = e.ExpiresAt
	timer.scan(ctx)
	if got := timer.Overdue(); got != 2 {
		t.Fatalf("expected 2 overdue, got %d", got)
	}

	// Settled escrows drop out even though they are past expiry.
	if _, err := env.svc.ClaimExpired(ctx, payee, e.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	timer.scan(ctx)
	if got := timer.Overdue(); got != 1 {
		t.Errorf("expected 1 overdue after claim, got %d", got)
	}
}

func TestTimer_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	timer := NewTimer(NewMemoryStore(), 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for !timer.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !timer.Running() {
		t.Fatal("timer did not start")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop on cancel")
	}
	if timer.Running() {
		t.Error("timer still reports running")
	}
}
