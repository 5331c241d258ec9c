package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreEvictsStaleEntries(t *testing.T) {
	store := NewMemoryStore("relay-test")
	ctx := context.Background()

	now := time.Now()
	store.now = func() time.Time { return now }

	ok, err := store.TryRecordStart(ctx, "backend-a", "req-leaked", 1)
	require.NoError(t, err)
	require.True(t, ok)

	// Within the TTL the slot stays held.
	store.now = func() time.Time { return now.Add(9 * time.Minute) }
	ok, err = store.TryRecordStart(ctx, "backend-a", "req-blocked", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	// Past the TTL the leaked entry no longer counts.
	store.now = func() time.Time { return now.Add(11 * time.Minute) }
	count, err := store.GetCount(ctx, "backend-a")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	ok, err = store.TryRecordStart(ctx, "backend-a", "req-fresh", 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStoreCleanupKeepsOtherInstances(t *testing.T) {
	store := NewMemoryStore("relay-a")
	ctx := context.Background()

	_, err := store.TryRecordStart(ctx, "backend-a", "req-mine", 0)
	require.NoError(t, err)

	// Simulate an entry written by another instance sharing the store.
	store.mu.Lock()
	store.active["backend-a"]["req-theirs"] = entry{instanceID: "relay-b", startedAt: time.Now()}
	store.mu.Unlock()

	require.NoError(t, store.Cleanup(ctx))

	counts, err := store.GetAllCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"backend-a": 1}, counts)
}
