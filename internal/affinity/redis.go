package affinity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// touchScript refreshes an existing mapping without resurrecting a deleted
// one: an unconditional HSET after a concurrent delete would leave a hash
// with no backend_id behind.
//
// Keys:
//   KEYS[1] - mapping hash key
//
// Args:
//   ARGV[1] - last accessed at, unix ms
//   ARGV[2] - TTL in seconds
//
// Returns:
//   1 when the mapping existed, 0 otherwise
const touchScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 0
end
redis.call('HSET', KEYS[1], 'last_accessed_at', ARGV[1])
redis.call('HINCRBY', KEYS[1], 'access_count', 1)
redis.call('EXPIRE', KEYS[1], ARGV[2])
return 1
`

// RedisStore shares mappings across proxy instances. Each mapping is a
// hash whose key TTL implements the idle eviction.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration

	touch *redis.Script
}

// RedisOption configures RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the Redis key prefix (default: "modelrelay").
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisStore) {
		r.keyPrefix = prefix
	}
}

// WithTTL overrides the mapping TTL (default: 1h).
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *RedisStore) {
		r.ttl = ttl
	}
}

// NewRedisStore creates a Redis-backed affinity store.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	store := &RedisStore{
		client:    client,
		keyPrefix: "modelrelay",
		ttl:       DefaultTTL,
	}
	for _, opt := range opts {
		opt(store)
	}
	store.touch = redis.NewScript(touchScript)
	return store
}

func (r *RedisStore) Get(ctx context.Context, model, sessionID string) (*Mapping, error) {
	fields, err := r.client.HGetAll(ctx, r.key(model, sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get affinity mapping: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return mappingFromFields(fields), nil
}

func (r *RedisStore) Set(ctx context.Context, model, sessionID, backendID string) error {
	key := r.key(model, sessionID)
	now := time.Now()

	pipe := r.client.TxPipeline()
	pipe.HSetNX(ctx, key, "created_at", now.UnixMilli())
	pipe.HSet(ctx, key,
		"model", model,
		"session_id", sessionID,
		"backend_id", backendID,
		"last_accessed_at", now.UnixMilli(),
	)
	pipe.HIncrBy(ctx, key, "access_count", 1)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set affinity mapping: %w", err)
	}
	return nil
}

func (r *RedisStore) Touch(ctx context.Context, model, sessionID string) error {
	key := r.key(model, sessionID)
	args := []interface{}{time.Now().UnixMilli(), int(r.ttl / time.Second)}
	if err := r.touch.Run(ctx, r.client, []string{key}, args...).Err(); err != nil {
		return fmt.Errorf("touch affinity mapping: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, model, sessionID string) error {
	if err := r.client.Del(ctx, r.key(model, sessionID)).Err(); err != nil {
		return fmt.Errorf("delete affinity mapping: %w", err)
	}
	return nil
}

func (r *RedisStore) Clear(ctx context.Context, f Filter) (int, error) {
	if f.Empty() {
		return 0, ErrEmptyFilter
	}

	// Filters may match on fields not present in the key, so each
	// candidate hash is loaded before deciding.
	removed := 0
	iter := r.client.Scan(ctx, 0, r.keyPrefix+":affinity:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := r.client.HGetAll(ctx, key).Result()
		if err != nil {
			return removed, fmt.Errorf("load affinity mapping %q: %w", key, err)
		}
		if len(fields) == 0 {
			continue
		}
		if f.matches(mappingFromFields(fields)) {
			if err := r.client.Del(ctx, key).Err(); err != nil {
				return removed, fmt.Errorf("delete affinity mapping %q: %w", key, err)
			}
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scan affinity mappings: %w", err)
	}
	return removed, nil
}

func (r *RedisStore) key(model, sessionID string) string {
	return r.keyPrefix + ":affinity:" + model + ":" + sessionID
}

func mappingFromFields(fields map[string]string) *Mapping {
	m := &Mapping{
		Model:     fields["model"],
		SessionID: fields["session_id"],
		BackendID: fields["backend_id"],
	}
	if ms, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		m.CreatedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["last_accessed_at"], 10, 64); err == nil {
		m.LastAccessedAt = time.UnixMilli(ms)
	}
	if n, err := strconv.ParseInt(fields["access_count"], 10, 64); err == nil {
		m.AccessCount = n
	}
	return m
}
