package store

import (
	"context"
	"grid_trader/internal/grid"
	"sync"
)

// MemoryStore implements Store in memory, for tests and dry runs.
type MemoryStore struct {
	snap *grid.Snapshot
	mu   sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(ctx context.Context, snap *grid.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	return nil
}

func (s *MemoryStore) Load(ctx context.Context) (*grid.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap, nil
}

func (s *MemoryStore) Delete(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = nil
	return nil
}

func (s *MemoryStore) Close() error { return nil }
