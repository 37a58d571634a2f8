package escrow

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mbd888/agora/internal/apperr"
)

var ErrOutOfGas = apperr.New(apperr.Transfer, "receiver exceeded the gas stipend")

// Payment describes a payout delivered to a receiver.
type Payment struct {
	EscrowID string
	From     common.Address
	To       common.Address
	Amount   *uint256.Int
}

// Gas meters the work a receiver does while accepting a payout.
type Gas struct {
	limit uint64
	used  uint64
}

// NewGas creates a meter with the given allowance.
func NewGas(limit uint64) *Gas {
	return &Gas{limit: limit}
}

// Use consumes n units. Once the allowance is exceeded the meter stays
// exhausted and every call fails.
func (g *Gas) Use(n uint64) error {
	if g.used > g.limit || n > g.limit-g.used {
		g.used = g.limit + 1
		return ErrOutOfGas
	}
	g.used += n
	return nil
}

// Remaining returns the unused allowance.
func (g *Gas) Remaining() uint64 {
	if g.used > g.limit {
		return 0
	}
	return g.limit - g.used
}

// Exhausted reports whether the receiver tried to use more than allowed.
func (g *Gas) Exhausted() bool {
	return g.used > g.limit
}

// Receiver is a hook attached to an address that runs when a payout lands
// there. Returning an error rejects the payment and rolls back the whole
// operation. The context is the caller's, so the hook may call back into the
// processor.
type Receiver interface {
	Receive(ctx context.Context, p Payment, gas *Gas) error
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx context.Context, p Payment, gas *Gas) error

func (f ReceiverFunc) Receive(ctx context.Context, p Payment, gas *Gas) error {
	return f(ctx, p, gas)
}

// Receivers maps addresses to their hooks.
type Receivers struct {
	mu    sync.RWMutex
	hooks map[common.Address]Receiver
}

// NewReceivers creates an empty hook table.
func NewReceivers() *Receivers {
	return &Receivers{hooks: make(map[common.Address]Receiver)}
}

// Register attaches r to addr, replacing any previous hook.
func (r *Receivers) Register(addr common.Address, hook Receiver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[addr] = hook
}

// Unregister removes the hook for addr.
func (r *Receivers) Unregister(addr common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hooks, addr)
}

// Lookup returns the hook for addr, or nil.
func (r *Receivers) Lookup(addr common.Address) Receiver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hooks[addr]
}
