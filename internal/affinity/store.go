// Package affinity pins conversation sessions to backends. A mapping keyed
// by (model, sessionId) survives for an hour past its last access; routing
// consults it before any load-balancing strategy runs.
package affinity

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is how long a mapping survives without being accessed.
const DefaultTTL = time.Hour

// ErrEmptyFilter rejects clear operations that would wipe every mapping.
var ErrEmptyFilter = errors.New("affinity clear filter must set at least one of model, session id, or backend id")

// Mapping pins one session of one model to a backend.
type Mapping struct {
	Model          string    `json:"model"`
	SessionID      string    `json:"session_id"`
	BackendID      string    `json:"backend_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int64     `json:"access_count"`
}

// Filter selects mappings for deletion. At least one field must be set.
type Filter struct {
	Model     string `json:"model,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	BackendID string `json:"backend_id,omitempty"`
}

// Empty reports whether the filter matches everything.
func (f Filter) Empty() bool {
	return f.Model == "" && f.SessionID == "" && f.BackendID == ""
}

func (f Filter) matches(m *Mapping) bool {
	if f.Model != "" && f.Model != m.Model {
		return false
	}
	if f.SessionID != "" && f.SessionID != m.SessionID {
		return false
	}
	if f.BackendID != "" && f.BackendID != m.BackendID {
		return false
	}
	return true
}

// Store persists session mappings with TTL eviction on last access.
type Store interface {
	// Get returns the mapping or (nil, nil) when none exists.
	Get(ctx context.Context, model, sessionID string) (*Mapping, error)

	// Set upserts a mapping: CreatedAt is preserved on update,
	// LastAccessedAt becomes now, AccessCount increments.
	Set(ctx context.Context, model, sessionID, backendID string) error

	// Touch refreshes LastAccessedAt, AccessCount, and the TTL of an
	// existing mapping. Touching a missing mapping is a no-op.
	Touch(ctx context.Context, model, sessionID string) error

	// Delete removes one mapping.
	Delete(ctx context.Context, model, sessionID string) error

	// Clear removes every mapping the filter matches and returns how
	// many were removed. An empty filter yields ErrEmptyFilter.
	Clear(ctx context.Context, f Filter) (int, error)
}
