package redis

// recordTTLSeconds bounds how long an untouched usage record survives (90 days).
const recordTTLSeconds = 7776000

const (
	// incrementUsageScript atomically resets a stale record and adds minutes
	incrementUsageScript = `
local usage_key = KEYS[1]     -- {prefix}:usage:{appID}
local index_key = KEYS[2]     -- {prefix}:usage:apps

local app_id = ARGV[1]
local date = ARGV[2]
local minutes = tonumber(ARGV[3])
local updated_at = ARGV[4]
local ttl = tonumber(ARGV[5])

-- A record stamped with another day counts as zero
local stored_date = redis.call('HGET', usage_key, 'date')
if stored_date ~= date then
  redis.call('HSET', usage_key,
    'app_id', app_id,
    'date', date,
    'minutes_used', 0
  )
end

local used = redis.call('HINCRBY', usage_key, 'minutes_used', minutes)
redis.call('HSET', usage_key, 'updated_at', updated_at)
redis.call('EXPIRE', usage_key, ttl)

redis.call('SADD', index_key, app_id)

return used
`

	// deleteUsageBeforeScript removes records dated before the cutoff and
	// prunes them from the app index
	deleteUsageBeforeScript = `
local index_key = KEYS[1]     -- {prefix}:usage:apps
local prefix = ARGV[1]        -- {prefix}:usage:
local cutoff = ARGV[2]

local deleted = 0
local apps = redis.call('SMEMBERS', index_key)
for _, app_id in ipairs(apps) do
  local key = prefix .. app_id
  local date = redis.call('HGET', key, 'date')
  if not date then
    -- Expired by TTL; only the index entry is left
    redis.call('SREM', index_key, app_id)
  elseif date < cutoff then
    redis.call('DEL', key)
    redis.call('SREM', index_key, app_id)
    deleted = deleted + 1
  end
end

return deleted
`
)
