package limiter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingStore simulates a coordination-layer outage.
type failingStore struct {
	Store
	err error
}

func (s *failingStore) TryRecordStart(ctx context.Context, backendID, requestID string, limit int) (bool, error) {
	return false, s.err
}

func (s *failingStore) RecordComplete(ctx context.Context, backendID, requestID string) error {
	return s.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLimiterFailsOpenOnStoreError(t *testing.T) {
	store := &failingStore{err: errors.New("connection refused")}
	limiter := New(store, discardLogger())

	assert.True(t, limiter.TryAcquire(context.Background(), "backend-a", "req-0", 1))
}

func TestLimiterHonorsDenial(t *testing.T) {
	store := NewMemoryStore("relay-test")
	limiter := New(store, discardLogger())
	ctx := context.Background()

	require.True(t, limiter.TryAcquire(ctx, "backend-a", "req-0", 1))
	assert.False(t, limiter.TryAcquire(ctx, "backend-a", "req-1", 1))

	limiter.Release(ctx, "backend-a", "req-0")
	assert.True(t, limiter.TryAcquire(ctx, "backend-a", "req-2", 1))
}

func TestLimiterReleaseSwallowsErrors(t *testing.T) {
	store := &failingStore{err: errors.New("connection refused")}
	limiter := New(store, discardLogger())

	// Must not panic or surface the error.
	limiter.Release(context.Background(), "backend-a", "req-0")
}
