package events

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory event store for demo/development mode.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
}

// NewMemoryStore creates a new in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	event.Seq = int64(len(m.events) + 1)
	cp := *event
	cp.Data = copyData(event.Data)
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryStore) List(_ context.Context, filter Filter) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Event
	start := int(filter.After)
	if start < 0 {
		start = 0
	}
	for i := start; i < len(m.events); i++ {
		e := m.events[i]
		if filter.Source != "" && e.Source != filter.Source {
			continue
		}
		if filter.Subject != "" && e.Subject != filter.Subject {
			continue
		}
		cp := *e
		cp.Data = copyData(e.Data)
		result = append(result, &cp)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

// Names returns the names of all stored events in order. Used by tests.
func (m *MemoryStore) Names() []Name {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]Name, len(m.events))
	for i, e := range m.events {
		names[i] = e.Name
	}
	return names
}

func copyData(d map[string]string) map[string]string {
	if d == nil {
		return nil
	}
	cp := make(map[string]string, len(d))
	for k, v := range d {
		cp[k] = v
	}
	return cp
}

var _ Store = (*MemoryStore)(nil)
