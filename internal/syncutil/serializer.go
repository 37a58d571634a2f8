// Package syncutil provides the locking primitives the ledgers use to run
// mutating calls one at a time.
package syncutil

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrReentrant is returned by Guard.Enter when the guard is already held.
var ErrReentrant = errors.New("reentrant call")

// chanMutex is a mutex implemented via a buffered channel, allowing select{}
// with a context cancellation channel.
type chanMutex struct {
	ch chan struct{}
}

func newChanMutex() chanMutex {
	m := chanMutex{ch: make(chan struct{}, 1)}
	m.ch <- struct{}{} // Start unlocked.
	return m
}

// Serializer admits one call at a time. A call that is already inside the
// serializer (its context came from Enter) may call Enter again without
// blocking; this is how a callback invoked mid-call reaches back into the
// same ledger.
type Serializer struct {
	mu chanMutex
}

type frameKey struct{ s *Serializer }

// NewSerializer creates an unlocked serializer.
func NewSerializer() *Serializer {
	return &Serializer{mu: newChanMutex()}
}

// Enter acquires the serializer, respecting context cancellation. The
// returned context marks the call as inside the serializer and must be used
// for everything the call does. The caller MUST call release when done.
func (s *Serializer) Enter(ctx context.Context) (context.Context, func(), error) {
	if s.Held(ctx) {
		return ctx, func() {}, nil
	}
	select {
	case <-s.mu.ch:
		inner := context.WithValue(ctx, frameKey{s}, true)
		return inner, func() { s.mu.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return ctx, nil, ctx.Err()
	}
}

// Held reports whether ctx belongs to a call currently inside s.
func (s *Serializer) Held(ctx context.Context) bool {
	held, _ := ctx.Value(frameKey{s}).(bool)
	return held
}

// Guard is a non-reentrant flag around a critical section such as an
// outbound value transfer.
type Guard struct {
	entered atomic.Bool
}

// Enter claims the guard. It fails with ErrReentrant if the guard is held.
func (g *Guard) Enter() (func(), error) {
	if !g.entered.CompareAndSwap(false, true) {
		return nil, ErrReentrant
	}
	return func() { g.entered.Store(false) }, nil
}

// Held reports whether the guard is currently claimed.
func (g *Guard) Held() bool {
	return g.entered.Load()
}
