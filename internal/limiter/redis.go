package limiter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis so concurrency caps hold across
// proxy instances. All mutations run as Lua scripts.
type RedisStore struct {
	client     redis.UniversalClient
	instanceID string
	keyPrefix  string
	staleTTL   time.Duration

	// Precompiled Lua scripts
	tryAcquire *redis.Script
	release    *redis.Script
	cleanup    *redis.Script
}

// RedisOption configures RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the Redis key prefix (default: "modelrelay").
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisStore) {
		r.keyPrefix = prefix
	}
}

// WithStaleTTL sets how long an entry may live before eviction (default: 10m).
func WithStaleTTL(ttl time.Duration) RedisOption {
	return func(r *RedisStore) {
		r.staleTTL = ttl
	}
}

// NewRedisStore creates a Redis-backed active-request store.
func NewRedisStore(client redis.UniversalClient, instanceID string, opts ...RedisOption) *RedisStore {
	store := &RedisStore{
		client:     client,
		instanceID: instanceID,
		keyPrefix:  "modelrelay",
		staleTTL:   DefaultStaleTTL,
	}

	for _, opt := range opts {
		opt(store)
	}

	store.tryAcquire = redis.NewScript(tryAcquireScript)
	store.release = redis.NewScript(releaseScript)
	store.cleanup = redis.NewScript(cleanupInstanceScript)

	return store
}

func (r *RedisStore) TryRecordStart(ctx context.Context, backendID, requestID string, limit int) (bool, error) {
	keys := []string{r.activeKey(backendID), r.ownersKey(backendID), r.instanceKey()}
	args := []interface{}{
		requestID,
		r.instanceID,
		limit,
		time.Now().UnixMilli(),
		r.staleTTL.Milliseconds(),
		member(requestID, backendID),
		int(2 * r.staleTTL / time.Second),
	}

	result, err := r.tryAcquire.Run(ctx, r.client, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("record request start: %w", err)
	}
	return result == 1, nil
}

func (r *RedisStore) RecordComplete(ctx context.Context, backendID, requestID string) error {
	keys := []string{r.activeKey(backendID), r.ownersKey(backendID), r.instanceKey()}
	args := []interface{}{requestID, member(requestID, backendID)}

	if err := r.release.Run(ctx, r.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("record request complete: %w", err)
	}
	return nil
}

func (r *RedisStore) GetCount(ctx context.Context, backendID string) (int, error) {
	cutoff := time.Now().Add(-r.staleTTL).UnixMilli()
	count, err := r.client.ZCount(ctx, r.activeKey(backendID), strconv.FormatInt(cutoff, 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count active requests: %w", err)
	}
	return int(count), nil
}

func (r *RedisStore) GetAllCounts(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	prefix := r.keyPrefix + ":active:"

	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		backendID := key[len(prefix):]
		count, err := r.GetCount(ctx, backendID)
		if err != nil {
			return nil, err
		}
		if count > 0 {
			counts[backendID] = count
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan active request keys: %w", err)
	}
	return counts, nil
}

func (r *RedisStore) Cleanup(ctx context.Context) error {
	keys := []string{r.instanceKey()}
	args := []interface{}{r.keyPrefix + ":active:", r.keyPrefix + ":owners:"}

	if err := r.cleanup.Run(ctx, r.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("cleanup instance entries: %w", err)
	}
	return nil
}

func (r *RedisStore) activeKey(backendID string) string {
	return r.keyPrefix + ":active:" + backendID
}

func (r *RedisStore) ownersKey(backendID string) string {
	return r.keyPrefix + ":owners:" + backendID
}

func (r *RedisStore) instanceKey() string {
	return r.keyPrefix + ":instance:" + r.instanceID
}

func member(requestID, backendID string) string {
	return requestID + "/" + backendID
}
