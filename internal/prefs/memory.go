package prefs

import (
	"context"
	"sync"
)

// MemoryStore keeps preferences in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, userID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	modelID, ok := s.items[userID]
	return modelID, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, userID, modelID string) error {
	s.mu.Lock()
	s.items[userID] = modelID
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	delete(s.items, userID)
	s.mu.Unlock()
	return nil
}
