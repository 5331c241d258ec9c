package affinity

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryStore keeps mappings in a TTL cache. Expiry is checked lazily on
// read and swept by the cache janitor, so eviction needs no application
// timer of its own.
type MemoryStore struct {
	ttl time.Duration
	c   *cache.Cache
	now func() time.Time
}

// MemoryOption configures MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryTTL overrides the mapping TTL (default: 1h).
func WithMemoryTTL(ttl time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		s.ttl = ttl
	}
}

// NewMemoryStore creates an in-process affinity store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.c = cache.New(s.ttl, 10*time.Minute)
	return s
}

// mappingKey joins model and session. X-Session-ID arrives in a header, so
// neither part can contain a newline.
func mappingKey(model, sessionID string) string {
	return model + "\n" + sessionID
}

func (s *MemoryStore) Get(ctx context.Context, model, sessionID string) (*Mapping, error) {
	val, found := s.c.Get(mappingKey(model, sessionID))
	if !found {
		return nil, nil
	}
	m := val.(Mapping)
	return &m, nil
}

func (s *MemoryStore) Set(ctx context.Context, model, sessionID, backendID string) error {
	now := s.now()
	m := Mapping{
		Model:          model,
		SessionID:      sessionID,
		BackendID:      backendID,
		CreatedAt:      now,
		LastAccessedAt: now,
		AccessCount:    1,
	}
	if val, found := s.c.Get(mappingKey(model, sessionID)); found {
		prev := val.(Mapping)
		m.CreatedAt = prev.CreatedAt
		m.AccessCount = prev.AccessCount + 1
	}
	s.c.Set(mappingKey(model, sessionID), m, cache.DefaultExpiration)
	return nil
}

func (s *MemoryStore) Touch(ctx context.Context, model, sessionID string) error {
	val, found := s.c.Get(mappingKey(model, sessionID))
	if !found {
		return nil
	}
	m := val.(Mapping)
	m.LastAccessedAt = s.now()
	m.AccessCount++
	// Re-setting restarts the TTL, which is the point of a touch.
	s.c.Set(mappingKey(model, sessionID), m, cache.DefaultExpiration)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, model, sessionID string) error {
	s.c.Delete(mappingKey(model, sessionID))
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context, f Filter) (int, error) {
	if f.Empty() {
		return 0, ErrEmptyFilter
	}

	removed := 0
	for key, item := range s.c.Items() {
		m := item.Object.(Mapping)
		if f.matches(&m) {
			s.c.Delete(key)
			removed++
		}
	}
	return removed, nil
}
