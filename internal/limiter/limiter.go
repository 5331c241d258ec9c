package limiter

import (
	"context"
	"log/slog"
)

// Limiter is the dispatch-path facade over a Store. Store outages fail
// open: proxying without enforcement beats refusing traffic because the
// coordination layer is down.
type Limiter struct {
	store  Store
	logger *slog.Logger
}

// New creates a Limiter over store.
func New(store Store, logger *slog.Logger) *Limiter {
	return &Limiter{store: store, logger: logger}
}

// TryAcquire reserves a concurrency slot for requestID on backendID.
// limit <= 0 always admits but still records the request so active counts
// stay observable.
func (l *Limiter) TryAcquire(ctx context.Context, backendID, requestID string, limit int) bool {
	ok, err := l.store.TryRecordStart(ctx, backendID, requestID, limit)
	if err != nil {
		l.logger.Warn("active request store unavailable, admitting request",
			"action", "fail_open", "backend", backendID, "request_id", requestID, "error", err)
		return true
	}
	return ok
}

// Release frees the slot. Errors are logged and swallowed; the stale TTL
// reclaims anything a failed release leaves behind.
func (l *Limiter) Release(ctx context.Context, backendID, requestID string) {
	if err := l.store.RecordComplete(ctx, backendID, requestID); err != nil {
		l.logger.Warn("failed to release active request slot",
			"backend", backendID, "request_id", requestID, "error", err)
	}
}

// ActiveCounts returns live in-flight request counts keyed by backend ID.
func (l *Limiter) ActiveCounts(ctx context.Context) (map[string]int, error) {
	return l.store.GetAllCounts(ctx)
}

// Cleanup drops every slot recorded by this instance. Runs at startup to
// clear orphans from a previous crash and again at shutdown.
func (l *Limiter) Cleanup(ctx context.Context) error {
	return l.store.Cleanup(ctx)
}
