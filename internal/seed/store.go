package seed

import (
	"context"
	"sync"
)

// Store loads the graph owned by a seed.
type Store interface {
	Graph(ctx context.Context, seedID string) (*Graph, error)
}

// CachedStore memoizes graphs for the lifetime of the process. Graphs
// are immutable, so a hit can be shared freely across connections.
type CachedStore struct {
	inner Store

	mu     sync.RWMutex
	graphs map[string]*Graph
}

func NewCachedStore(inner Store) *CachedStore {
	return &CachedStore{inner: inner, graphs: make(map[string]*Graph)}
}

func (s *CachedStore) Graph(ctx context.Context, seedID string) (*Graph, error) {
	s.mu.RLock()
	cached, ok := s.graphs[seedID]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	graph, err := s.inner.Graph(ctx, seedID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if existing, raced := s.graphs[seedID]; raced {
		graph = existing
	} else {
		s.graphs[seedID] = graph
	}
	s.mu.Unlock()
	return graph, nil
}
