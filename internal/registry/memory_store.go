package registry

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/agora/internal/pagination"
)

// MemoryStore is a thread-safe in-memory implementation
type MemoryStore struct {
	mu           sync.RWMutex
	agents       map[common.Address]*Agent
	order        []common.Address
	index        *capabilityIndex
	feedback     map[common.Address][]*Feedback
	interactions map[string]*Interaction
	byAgent      map[common.Address][]string
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:       make(map[common.Address]*Agent),
		index:        newCapabilityIndex(),
		feedback:     make(map[common.Address][]*Feedback),
		interactions: make(map[string]*Interaction),
		byAgent:      make(map[common.Address][]string),
	}
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateAgent(_ context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.agents[agent.Address]; ok {
		if prev.IsActive {
			return ErrAlreadyRegistered
		}
	} else {
		m.order = append(m.order, agent.Address)
	}
	m.agents[agent.Address] = agent.Clone()
	m.index.removeAgent(agent.Address)
	if agent.IsActive {
		m.index.addAgent(agent.Address, agent.Capabilities)
	}
	return nil
}

func (m *MemoryStore) GetAgent(_ context.Context, addr common.Address) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agent, ok := m.agents[addr]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return agent.Clone(), nil
}

func (m *MemoryStore) UpdateAgents(_ context.Context, agents ...*Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range agents {
		if _, ok := m.agents[a.Address]; !ok {
			return ErrAgentNotFound
		}
	}
	for _, a := range agents {
		m.agents[a.Address] = a.Clone()
	}
	return nil
}

func (m *MemoryStore) ReindexAgent(_ context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[agent.Address]; !ok {
		return ErrAgentNotFound
	}
	m.agents[agent.Address] = agent.Clone()
	m.index.removeAgent(agent.Address)
	if agent.IsActive {
		m.index.addAgent(agent.Address, agent.Capabilities)
	}
	return nil
}

func (m *MemoryStore) ListAgents(_ context.Context, offset, limit int) ([]common.Address, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	page := pagination.Slice(m.order, offset, limit, 0)
	return page.Items, page.Total, nil
}

func (m *MemoryStore) AllAgents(_ context.Context) ([]common.Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]common.Address{}, m.order...), nil
}

func (m *MemoryStore) SearchByCapability(_ context.Context, capability string) ([]common.Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.index.search(capability), nil
}

func (m *MemoryStore) AddFeedback(_ context.Context, fb *Feedback, target *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[target.Address]; !ok {
		return ErrAgentNotFound
	}
	cp := *fb
	m.feedback[fb.To] = append(m.feedback[fb.To], &cp)
	m.agents[target.Address] = target.Clone()
	return nil
}

func (m *MemoryStore) ListFeedback(_ context.Context, agent common.Address, offset, limit int) ([]*Feedback, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	page := pagination.Slice(m.feedback[agent], offset, limit, 0)
	out := make([]*Feedback, len(page.Items))
	for i, fb := range page.Items {
		cp := *fb
		out[i] = &cp
	}
	return out, page.Total, nil
}

func (m *MemoryStore) CreateInteraction(_ context.Context, in *Interaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *in
	m.interactions[in.ID] = &cp
	m.byAgent[in.From] = append(m.byAgent[in.From], in.ID)
	m.byAgent[in.To] = append(m.byAgent[in.To], in.ID)
	return nil
}

func (m *MemoryStore) GetInteraction(_ context.Context, id string) (*Interaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	in, ok := m.interactions[id]
	if !ok {
		return nil, ErrInteractionNotFound
	}
	cp := *in
	return &cp, nil
}

func (m *MemoryStore) CompleteInteraction(_ context.Context, in *Interaction, participants ...*Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.interactions[in.ID]; !ok {
		return ErrInteractionNotFound
	}
	for _, a := range participants {
		if _, ok := m.agents[a.Address]; !ok {
			return ErrAgentNotFound
		}
	}
	cp := *in
	m.interactions[in.ID] = &cp
	for _, a := range participants {
		m.agents[a.Address] = a.Clone()
	}
	return nil
}

func (m *MemoryStore) ListInteractions(_ context.Context, agent common.Address, offset, limit int) ([]*Interaction, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	page := pagination.Slice(m.byAgent[agent], offset, limit, 0)
	out := make([]*Interaction, 0, len(page.Items))
	for _, id := range page.Items {
		cp := *m.interactions[id]
		out = append(out, &cp)
	}
	return out, page.Total, nil
}
