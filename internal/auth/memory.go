package auth

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store with an in-process map. It backs single-node
// deployments and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*APIKey)}
}

// Upsert inserts or replaces a credential.
func (s *MemoryStore) Upsert(key *APIKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.Key] = key
}

func (s *MemoryStore) GetByKey(ctx context.Context, key string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.keys[key]
	if !ok {
		return nil, nil
	}
	// Return a copy to prevent mutation.
	keyCopy := *stored
	return &keyCopy, nil
}

func (s *MemoryStore) TouchLastUsed(ctx context.Context, key string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.keys[key]; ok {
		stored.LastUsedAt = &usedAt
	}
	return nil
}
