package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// instant records requested waits instead of sleeping.
func instant(waits *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return ctx.Err()
	}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Policy{Attempts: 3, BaseDelay: time.Millisecond}.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_SuccessOnRetry(t *testing.T) {
	var calls int
	var waits []time.Duration
	p := Policy{Attempts: 3, BaseDelay: 100 * time.Millisecond, sleep: instant(&waits)}

	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	require.Len(t, waits, 2)
	assert.InDelta(t, 100*time.Millisecond, waits[0], float64(25*time.Millisecond))
	assert.InDelta(t, 200*time.Millisecond, waits[1], float64(50*time.Millisecond))
}

func TestDo_AllAttemptsExhausted(t *testing.T) {
	var calls int
	var waits []time.Duration
	sentinel := errors.New("always fails")
	p := Policy{Attempts: 4, BaseDelay: time.Second, MaxDelay: 2 * time.Second, sleep: instant(&waits)}

	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 4, calls)
	require.Len(t, waits, 3)
	assert.LessOrEqual(t, waits[2], 2*time.Second+500*time.Millisecond)
}

func TestDo_PermanentErrorStopsRetry(t *testing.T) {
	var calls int
	sentinel := errors.New("bad credentials")
	err := Policy{Attempts: 5}.Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(sentinel)
	})
	assert.Equal(t, sentinel, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := Policy{Attempts: 5, BaseDelay: time.Hour}.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_OnRetry(t *testing.T) {
	var seen []int
	var waits []time.Duration
	p := Policy{
		Attempts:  3,
		BaseDelay: time.Millisecond,
		OnRetry:   func(attempt int, _ error, _ time.Duration) { seen = append(seen, attempt) },
		sleep:     instant(&waits),
	}
	_ = p.Do(context.Background(), func(context.Context) error { return errors.New("x") })
	assert.Equal(t, []int{1, 2}, seen)
}

func TestPermanentNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}
