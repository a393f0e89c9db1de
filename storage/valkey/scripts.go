package valkey

// luaIncrement atomically applies sliding-window increment semantics.
//
// KEYS[1] = counter hash
// ARGV[1] = now (unix ms)
// ARGV[2] = window (ms)
//
// Returns the post-increment count. The lock field is carried over untouched
// and the key TTL covers both the window and any active lock.
const luaIncrement = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local start = tonumber(redis.call('HGET', KEYS[1], 'start') or '0')
local count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
local locked = tonumber(redis.call('HGET', KEYS[1], 'locked') or '0')

if count == 0 or now - start >= window then
	start = now
	count = 1
else
	count = count + 1
end

redis.call('HSET', KEYS[1], 'start', start, 'count', count, 'window', window, 'locked', locked)

local ttl = start + window - now
if locked - now > ttl then
	ttl = locked - now
end
if ttl < 1 then
	ttl = 1
end
redis.call('PEXPIRE', KEYS[1], ttl)

return count
`

// luaLock extends a lock, never shortening it.
//
// KEYS[1] = counter hash
// ARGV[1] = now (unix ms)
// ARGV[2] = requested lockedUntil (unix ms)
//
// Returns the effective lockedUntil (0 when none).
const luaLock = `
local now = tonumber(ARGV[1])
local requested = tonumber(ARGV[2])
local locked = tonumber(redis.call('HGET', KEYS[1], 'locked') or '0')

if requested > now and requested > locked then
	locked = requested
	if redis.call('EXISTS', KEYS[1]) == 0 then
		redis.call('HSET', KEYS[1], 'start', now, 'count', 0, 'window', 0)
	end
	redis.call('HSET', KEYS[1], 'locked', locked)
	local pttl = redis.call('PTTL', KEYS[1])
	if pttl < locked - now then
		redis.call('PEXPIRE', KEYS[1], locked - now)
	end
end

return locked
`
