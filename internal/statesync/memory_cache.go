package statesync

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/stratfleet/internal/domain"
)

// MemoryCache is a process-local StateCache.
type MemoryCache struct {
	mu     sync.RWMutex
	states map[string]domain.LocalStrategyState
}

var _ domain.StateCache = (*MemoryCache)(nil)

// NewMemoryCache returns an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{states: make(map[string]domain.LocalStrategyState)}
}

func (m *MemoryCache) Get(_ context.Context, id string) (domain.LocalStrategyState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[id]
	if !ok {
		return domain.LocalStrategyState{}, fmt.Errorf("statesync: state %s: %w", id, domain.ErrNotFound)
	}
	st.Parameters = domain.CloneParams(st.Parameters)
	return st, nil
}

func (m *MemoryCache) Set(_ context.Context, st domain.LocalStrategyState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.Parameters = domain.CloneParams(st.Parameters)
	m.states[st.StrategyID] = st
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, id)
	return nil
}

func (m *MemoryCache) List(_ context.Context) ([]domain.LocalStrategyState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.LocalStrategyState, 0, len(m.states))
	for _, st := range m.states {
		st.Parameters = domain.CloneParams(st.Parameters)
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StrategyID < out[j].StrategyID })
	return out, nil
}
