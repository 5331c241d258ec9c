package affinity

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"Memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"Redis": func(t *testing.T) Store {
			srv := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisStore(client)
		},
	}
}

func TestStoreContract(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			t.Run("GetMissing", func(t *testing.T) {
				store := factory(t)

				m, err := store.Get(context.Background(), "gpt-4o", "sess-1")
				require.NoError(t, err)
				assert.Nil(t, m)
			})

			t.Run("SetGetRoundtrip", func(t *testing.T) {
				store := factory(t)
				ctx := context.Background()

				require.NoError(t, store.Set(ctx, "gpt-4o", "sess-1", "backend-a"))

				m, err := store.Get(ctx, "gpt-4o", "sess-1")
				require.NoError(t, err)
				require.NotNil(t, m)
				assert.Equal(t, "gpt-4o", m.Model)
				assert.Equal(t, "sess-1", m.SessionID)
				assert.Equal(t, "backend-a", m.BackendID)
				assert.Equal(t, int64(1), m.AccessCount)
				assert.False(t, m.CreatedAt.IsZero())
				assert.False(t, m.LastAccessedAt.IsZero())
			})

			t.Run("UpsertPreservesCreatedAt", func(t *testing.T) {
				store := factory(t)
				ctx := context.Background()

				require.NoError(t, store.Set(ctx, "gpt-4o", "sess-1", "backend-a"))
				first, err := store.Get(ctx, "gpt-4o", "sess-1")
				require.NoError(t, err)

				time.Sleep(5 * time.Millisecond)
				require.NoError(t, store.Set(ctx, "gpt-4o", "sess-1", "backend-b"))

				m, err := store.Get(ctx, "gpt-4o", "sess-1")
				require.NoError(t, err)
				assert.Equal(t, "backend-b", m.BackendID)
				assert.Equal(t, first.CreatedAt.UnixMilli(), m.CreatedAt.UnixMilli())
				assert.Equal(t, int64(2), m.AccessCount)
			})

			t.Run("TouchBumpsAccess", func(t *testing.T) {
				store := factory(t)
				ctx := context.Background()

				require.NoError(t, store.Set(ctx, "gpt-4o", "sess-1", "backend-a"))
				require.NoError(t, store.Touch(ctx, "gpt-4o", "sess-1"))
				require.NoError(t, store.Touch(ctx, "gpt-4o", "sess-1"))

				m, err := store.Get(ctx, "gpt-4o", "sess-1")
				require.NoError(t, err)
				assert.Equal(t, int64(3), m.AccessCount)
			})

			t.Run("TouchMissingIsNoop", func(t *testing.T) {
				store := factory(t)
				ctx := context.Background()

				require.NoError(t, store.Touch(ctx, "gpt-4o", "sess-none"))

				m, err := store.Get(ctx, "gpt-4o", "sess-none")
				require.NoError(t, err)
				assert.Nil(t, m)
			})

			t.Run("Delete", func(t *testing.T) {
				store := factory(t)
				ctx := context.Background()

				require.NoError(t, store.Set(ctx, "gpt-4o", "sess-1", "backend-a"))
				require.NoError(t, store.Delete(ctx, "gpt-4o", "sess-1"))
				require.NoError(t, store.Delete(ctx, "gpt-4o", "sess-1"))

				m, err := store.Get(ctx, "gpt-4o", "sess-1")
				require.NoError(t, err)
				assert.Nil(t, m)
			})

			t.Run("ClearRejectsEmptyFilter", func(t *testing.T) {
				store := factory(t)

				_, err := store.Clear(context.Background(), Filter{})
				assert.ErrorIs(t, err, ErrEmptyFilter)
			})

			t.Run("ClearByFilter", func(t *testing.T) {
				store := factory(t)
				ctx := context.Background()

				require.NoError(t, store.Set(ctx, "gpt-4o", "sess-1", "backend-a"))
				require.NoError(t, store.Set(ctx, "gpt-4o", "sess-2", "backend-b"))
				require.NoError(t, store.Set(ctx, "claude-sonnet", "sess-1", "backend-a"))

				removed, err := store.Clear(ctx, Filter{BackendID: "backend-a"})
				require.NoError(t, err)
				assert.Equal(t, 2, removed)

				m, err := store.Get(ctx, "gpt-4o", "sess-2")
				require.NoError(t, err)
				require.NotNil(t, m)

				removed, err = store.Clear(ctx, Filter{Model: "gpt-4o", SessionID: "sess-2"})
				require.NoError(t, err)
				assert.Equal(t, 1, removed)
			})
		})
	}
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	store := NewMemoryStore(WithMemoryTTL(30 * time.Millisecond))
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "gpt-4o", "sess-1", "backend-a"))
	time.Sleep(50 * time.Millisecond)

	m, err := store.Get(ctx, "gpt-4o", "sess-1")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestRedisStoreTTLExpiry(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStore(client)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "gpt-4o", "sess-1", "backend-a"))

	srv.FastForward(DefaultTTL + time.Minute)

	m, err := store.Get(ctx, "gpt-4o", "sess-1")
	require.NoError(t, err)
	assert.Nil(t, m)
}

// A touch restarts the idle clock; sessions active longer than the TTL
// stay pinned as long as accesses keep coming.
func TestRedisStoreTouchExtendsTTL(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStore(client)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "gpt-4o", "sess-1", "backend-a"))

	srv.FastForward(40 * time.Minute)
	require.NoError(t, store.Touch(ctx, "gpt-4o", "sess-1"))
	srv.FastForward(40 * time.Minute)

	m, err := store.Get(ctx, "gpt-4o", "sess-1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "backend-a", m.BackendID)
}
