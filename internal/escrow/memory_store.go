package escrow

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mbd888/agora/internal/pagination"
	"github.com/mbd888/agora/internal/txn"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[string]*Escrow
	byPayer map[common.Address][]string
	byPayee map[common.Address][]string
	nonces  map[common.Address]uint64
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
		byPayer: make(map[common.Address][]string),
		byPayee: make(map[common.Address][]string),
		nonces:  make(map[common.Address]uint64),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[e.ID]; ok {
		return ErrDuplicateID
	}
	m.escrows[e.ID] = e.Clone()
	m.byPayer[e.Payer] = append(m.byPayer[e.Payer], e.ID)
	m.byPayee[e.Payee] = append(m.byPayee[e.Payee], e.ID)

	txn.Record(ctx, func() { m.remove(e.ID, e.Payer, e.Payee) })
	return nil
}

func (m *MemoryStore) remove(id string, payer, payee common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.escrows, id)
	m.byPayer[payer] = without(m.byPayer[payer], id)
	m.byPayee[payee] = without(m.byPayee[payee], id)
}

func without(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryStore) Transition(ctx context.Context, e *Escrow, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.escrows[e.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if prev.Status != from {
		return ErrNotActive
	}
	next := prev.Clone()
	next.Status = e.Status
	next.DisputeReason = e.DisputeReason
	next.CompletedAt = e.Clone().CompletedAt
	m.escrows[e.ID] = next

	txn.Record(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.escrows[e.ID] = prev
	})
	return nil
}

func (m *MemoryStore) ListByPayer(_ context.Context, payer common.Address, offset, limit int) ([]*Escrow, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.page(m.byPayer[payer], offset, limit), len(m.byPayer[payer]), nil
}

func (m *MemoryStore) ListByPayee(_ context.Context, payee common.Address, offset, limit int) ([]*Escrow, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.page(m.byPayee[payee], offset, limit), len(m.byPayee[payee]), nil
}

// page must be called with mu held.
func (m *MemoryStore) page(ids []string, offset, limit int) []*Escrow {
	if limit <= 0 {
		limit = len(ids)
	}
	start, end := pagination.Bounds(offset, limit, len(ids))
	out := make([]*Escrow, 0, end-start)
	for _, id := range ids[start:end] {
		out = append(out, m.escrows[id].Clone())
	}
	return out
}

func (m *MemoryStore) NextNonce(_ context.Context, payer common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonces[payer]++
	return m.nonces[payer], nil
}

func (m *MemoryStore) HeldTotal(_ context.Context) (*uint256.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := new(uint256.Int)
	for _, e := range m.escrows {
		if !e.Holds() {
			continue
		}
		if _, overflow := total.AddOverflow(total, e.Amount); overflow {
			return nil, ErrHeldOverflow
		}
	}
	return total, nil
}

func (m *MemoryStore) CountOverdue(_ context.Context, now time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, e := range m.escrows {
		if e.Status == StatusActive && !now.Before(e.ExpiresAt) {
			n++
		}
	}
	return n, nil
}
