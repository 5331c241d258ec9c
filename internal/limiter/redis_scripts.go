package limiter

// Lua scripts for atomic active-request tracking. The capacity check and
// the insert must happen in one round trip so that concurrent proxy
// instances sharing a Redis cannot over-admit a backend.

const (
	// tryAcquireScript evicts stale entries, checks the cap, and records
	// the request when a slot is free.
	//
	// Keys:
	//   KEYS[1] - active zset key ("<prefix>:active:<backendID>", score = start ms)
	//   KEYS[2] - owners hash key ("<prefix>:owners:<backendID>", field = requestID)
	//   KEYS[3] - instance set key ("<prefix>:instance:<instanceID>")
	//
	// Args:
	//   ARGV[1] - request ID
	//   ARGV[2] - instance ID
	//   ARGV[3] - concurrency limit (0 = unlimited)
	//   ARGV[4] - current time in milliseconds
	//   ARGV[5] - stale TTL in milliseconds
	//   ARGV[6] - instance set member ("<requestID>/<backendID>")
	//   ARGV[7] - key TTL in seconds
	//
	// Returns:
	//   1 when the request was recorded, 0 when the backend is at capacity
	tryAcquireScript = `
local active_key = KEYS[1]
local owners_key = KEYS[2]
local instance_key = KEYS[3]

local request_id = ARGV[1]
local instance_id = ARGV[2]
local limit = tonumber(ARGV[3])
local now_ms = tonumber(ARGV[4])
local stale_ms = tonumber(ARGV[5])
local member = ARGV[6]
local key_ttl = tonumber(ARGV[7])

-- 1. Evict entries whose owner never reported completion
local stale = redis.call('ZRANGEBYSCORE', active_key, '-inf', now_ms - stale_ms)
if #stale > 0 then
    redis.call('ZREM', active_key, unpack(stale))
    redis.call('HDEL', owners_key, unpack(stale))
end

-- 2. Enforce the concurrency cap
if limit > 0 and redis.call('ZCARD', active_key) >= limit then
    return 0
end

-- 3. Record the request
redis.call('ZADD', active_key, now_ms, request_id)
redis.call('HSET', owners_key, request_id, instance_id)
redis.call('SADD', instance_key, member)
redis.call('EXPIRE', active_key, key_ttl)
redis.call('EXPIRE', owners_key, key_ttl)
redis.call('EXPIRE', instance_key, key_ttl)

return 1
`

	// releaseScript removes one entry from all three structures. Safe to
	// run for entries that were never recorded or already evicted.
	//
	// Keys:
	//   KEYS[1] - active zset key
	//   KEYS[2] - owners hash key
	//   KEYS[3] - instance set key
	//
	// Args:
	//   ARGV[1] - request ID
	//   ARGV[2] - instance set member
	//
	// Returns:
	//   "OK"
	releaseScript = `
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('SREM', KEYS[3], ARGV[2])
return redis.status_reply("OK")
`

	// cleanupInstanceScript drops every entry recorded by one instance.
	// Members encode "<requestID>/<backendID>"; request IDs are generated
	// by the proxy and never contain a slash.
	//
	// Keys:
	//   KEYS[1] - instance set key
	//
	// Args:
	//   ARGV[1] - active zset key prefix ("<prefix>:active:")
	//   ARGV[2] - owners hash key prefix ("<prefix>:owners:")
	//
	// Returns:
	//   number of entries removed
	cleanupInstanceScript = `
local instance_key = KEYS[1]
local active_prefix = ARGV[1]
local owners_prefix = ARGV[2]

local members = redis.call('SMEMBERS', instance_key)
local removed = 0
for _, member in ipairs(members) do
    local sep = string.find(member, '/', 1, true)
    if sep then
        local request_id = string.sub(member, 1, sep - 1)
        local backend_id = string.sub(member, sep + 1)
        redis.call('ZREM', active_prefix .. backend_id, request_id)
        redis.call('HDEL', owners_prefix .. backend_id, request_id)
        removed = removed + 1
    end
end
redis.call('DEL', instance_key)

return removed
`
)
