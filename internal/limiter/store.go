// Package limiter enforces per-backend concurrency caps backed by a shared
// active-request store. Every in-flight request is recorded with its owning
// instance so crashed instances can be reconciled, and entries older than a
// stale TTL are evicted on the read path because a crashed owner never
// reports completion.
package limiter

import (
	"context"
	"time"
)

// DefaultStaleTTL is how long an active entry may live before it is
// presumed leaked by a dead instance.
const DefaultStaleTTL = 10 * time.Minute

// Store tracks in-flight requests per backend across proxy instances.
type Store interface {
	// TryRecordStart records requestID as active on backendID when the
	// backend has a free slot, atomically with the capacity check.
	// limit <= 0 admits unconditionally.
	TryRecordStart(ctx context.Context, backendID, requestID string, limit int) (bool, error)

	// RecordComplete removes the entry. Removing an unknown entry is a
	// no-op so completion handlers can run unconditionally.
	RecordComplete(ctx context.Context, backendID, requestID string) error

	// GetCount returns the number of live entries for backendID.
	GetCount(ctx context.Context, backendID string) (int, error)

	// GetAllCounts returns live entry counts keyed by backend ID.
	GetAllCounts(ctx context.Context) (map[string]int, error)

	// Cleanup drops every entry recorded by this instance. It runs at
	// startup to clear orphans from a previous crash and at shutdown.
	Cleanup(ctx context.Context) error
}
