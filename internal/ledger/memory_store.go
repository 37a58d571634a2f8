package ledger

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mbd888/agora/internal/txn"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	balances map[common.Address]*uint256.Int
	entries  []*Entry
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[common.Address]*uint256.Int),
	}
}

func (m *MemoryStore) Balance(_ context.Context, account common.Address) (*uint256.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[account]; ok {
		return new(uint256.Int).Set(bal), nil
	}
	return new(uint256.Int), nil
}

// Post applies both sides of p. Inside a txn scope the posting is journaled
// so a rollback reverses it.
func (m *MemoryStore) Post(ctx context.Context, p *Posting) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Compute both sides before touching anything.
	var fromBal, toBal *uint256.Int
	if p.From != (common.Address{}) {
		cur := m.balance(p.From)
		next, underflow := new(uint256.Int).SubOverflow(cur, p.Amount)
		if underflow {
			return ErrInsufficientBalance
		}
		fromBal = next
	}
	if p.To != (common.Address{}) {
		next, overflow := new(uint256.Int).AddOverflow(m.balance(p.To), p.Amount)
		if overflow {
			return ErrOverflow
		}
		toBal = next
	}

	if fromBal != nil {
		m.balances[p.From] = fromBal
	}
	if toBal != nil {
		m.balances[p.To] = toBal
	}
	entries := p.Entries()
	m.entries = append(m.entries, entries...)

	txn.Record(ctx, func() { m.unpost(p, entries) })
	return nil
}

// unpost reverses a journaled posting. Later postings in the same scope are
// reversed first, so the credited side still holds the amount.
func (m *MemoryStore) unpost(p *Posting, entries []*Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.To != (common.Address{}) {
		m.balances[p.To] = new(uint256.Int).Sub(m.balance(p.To), p.Amount)
	}
	if p.From != (common.Address{}) {
		m.balances[p.From] = new(uint256.Int).Add(m.balance(p.From), p.Amount)
	}

	drop := make(map[string]bool, len(entries))
	for _, e := range entries {
		drop[e.ID] = true
	}
	kept := m.entries[:0]
	for _, e := range m.entries {
		if !drop[e.ID] {
			kept = append(kept, e)
		}
	}
	m.entries = kept
}

func (m *MemoryStore) History(_ context.Context, account common.Address, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	addr := hexAddr(account)
	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].Account == addr {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) balance(a common.Address) *uint256.Int {
	if bal, ok := m.balances[a]; ok {
		return bal
	}
	return new(uint256.Int)
}
