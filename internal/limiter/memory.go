package limiter

import (
	"context"
	"sync"
	"time"
)

// entry is one in-flight request and the instance that recorded it.
type entry struct {
	instanceID string
	startedAt  time.Time
}

// MemoryStore implements Store with in-process maps. It backs single-node
// deployments and tests; caps are only meaningful within one process.
type MemoryStore struct {
	mu         sync.Mutex
	instanceID string
	staleTTL   time.Duration
	active     map[string]map[string]entry
	now        func() time.Time
}

// NewMemoryStore creates an in-memory active-request store.
func NewMemoryStore(instanceID string) *MemoryStore {
	return &MemoryStore{
		instanceID: instanceID,
		staleTTL:   DefaultStaleTTL,
		active:     make(map[string]map[string]entry),
		now:        time.Now,
	}
}

func (s *MemoryStore) TryRecordStart(ctx context.Context, backendID, requestID string, limit int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.evictStaleLocked(backendID, now)

	backend := s.active[backendID]
	if limit > 0 && len(backend) >= limit {
		return false, nil
	}

	if backend == nil {
		backend = make(map[string]entry)
		s.active[backendID] = backend
	}
	backend[requestID] = entry{instanceID: s.instanceID, startedAt: now}
	return true, nil
}

func (s *MemoryStore) RecordComplete(ctx context.Context, backendID, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if backend, ok := s.active[backendID]; ok {
		delete(backend, requestID)
		if len(backend) == 0 {
			delete(s.active, backendID)
		}
	}
	return nil
}

func (s *MemoryStore) GetCount(ctx context.Context, backendID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictStaleLocked(backendID, s.now())
	return len(s.active[backendID]), nil
}

func (s *MemoryStore) GetAllCounts(ctx context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	counts := make(map[string]int)
	for backendID := range s.active {
		s.evictStaleLocked(backendID, now)
		if n := len(s.active[backendID]); n > 0 {
			counts[backendID] = n
		}
	}
	return counts, nil
}

func (s *MemoryStore) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for backendID, backend := range s.active {
		for requestID, e := range backend {
			if e.instanceID == s.instanceID {
				delete(backend, requestID)
			}
		}
		if len(backend) == 0 {
			delete(s.active, backendID)
		}
	}
	return nil
}

func (s *MemoryStore) evictStaleLocked(backendID string, now time.Time) {
	backend, ok := s.active[backendID]
	if !ok {
		return
	}
	cutoff := now.Add(-s.staleTTL)
	for requestID, e := range backend {
		if e.startedAt.Before(cutoff) {
			delete(backend, requestID)
		}
	}
	if len(backend) == 0 {
		delete(s.active, backendID)
	}
}
