package registry

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
)

// CachedStore keeps recently read agent records in an LRU cache in front of
// another Store. Every write that touches an agent evicts it and bumps gen; a
// read that started before the bump does not fill the cache.
type CachedStore struct {
	Store
	agents *lru.Cache

	mu  sync.Mutex
	gen uint64
}

// NewCachedStore wraps store with an agent cache of the given size.
func NewCachedStore(store Store, size int) (*CachedStore, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &CachedStore{Store: store, agents: cache}, nil
}

var _ Store = (*CachedStore)(nil)

func (c *CachedStore) GetAgent(ctx context.Context, addr common.Address) (*Agent, error) {
	if v, ok := c.agents.Get(addr); ok {
		return v.(*Agent).Clone(), nil
	}
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	agent, err := c.Store.GetAgent(ctx, addr)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.gen == gen {
		c.agents.Add(addr, agent.Clone())
	}
	c.mu.Unlock()
	return agent, nil
}

func (c *CachedStore) CreateAgent(ctx context.Context, agent *Agent) error {
	defer c.evict(agent)
	return c.Store.CreateAgent(ctx, agent)
}

func (c *CachedStore) UpdateAgents(ctx context.Context, agents ...*Agent) error {
	defer c.evict(agents...)
	return c.Store.UpdateAgents(ctx, agents...)
}

func (c *CachedStore) ReindexAgent(ctx context.Context, agent *Agent) error {
	defer c.evict(agent)
	return c.Store.ReindexAgent(ctx, agent)
}

func (c *CachedStore) AddFeedback(ctx context.Context, fb *Feedback, target *Agent) error {
	defer c.evict(target)
	return c.Store.AddFeedback(ctx, fb, target)
}

func (c *CachedStore) CompleteInteraction(ctx context.Context, in *Interaction, participants ...*Agent) error {
	defer c.evict(participants...)
	return c.Store.CompleteInteraction(ctx, in, participants...)
}

// Len reports the number of cached agents.
func (c *CachedStore) Len() int {
	return c.agents.Len()
}

func (c *CachedStore) evict(agents ...*Agent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	for _, a := range agents {
		c.agents.Remove(a.Address)
	}
}
