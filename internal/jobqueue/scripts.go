package jobqueue

import "github.com/redis/go-redis/v9"

// trimLua removes the oldest members beyond a retention cap together with
// their job hashes. Shared by complete and fail.
const trimLua = `
local function trim(set, keep, prefix)
  local excess = redis.call("ZCARD", set) - keep
  if excess > 0 then
    local old = redis.call("ZRANGE", set, 0, excess - 1)
    for _, id in ipairs(old) do
      redis.call("DEL", prefix .. id)
    end
    redis.call("ZREMRANGEBYRANK", set, 0, excess - 1)
  end
end
`

// KEYS: seq, wait
// ARGV: job prefix, url, options json, max attempts, now ms
var enqueueScript = redis.NewScript(`
local id = tostring(redis.call("INCR", KEYS[1]))
redis.call("HSET", ARGV[1] .. id,
  "id", id,
  "url", ARGV[2],
  "options", ARGV[3],
  "state", "waiting",
  "attempts_made", "0",
  "max_attempts", ARGV[4],
  "enqueued_at", ARGV[5])
redis.call("LPUSH", KEYS[2], id)
return id
`)

// KEYS: wait, delayed, active, failed
// ARGV: job prefix, now ms, lease deadline ms, worker id, lease token,
// max stalled, failed keep, stalled reason
//
// Promotes due retries and reclaims expired leases, then leases the oldest
// ready job. A reclaimed job goes back to the head of the wait list unless it
// has stalled more than max stalled times, in which case it fails. Returns
// {leased id or "", number of stalled jobs failed}.
var leaseScript = redis.NewScript(trimLua + `
local now = ARGV[2]

local due = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", now)
for _, id in ipairs(due) do
  redis.call("ZREM", KEYS[2], id)
  redis.call("HDEL", ARGV[1] .. id, "retry_at")
  redis.call("LPUSH", KEYS[1], id)
end

local dead = 0
local stalled = redis.call("ZRANGEBYSCORE", KEYS[3], "-inf", now)
for _, id in ipairs(stalled) do
  local key = ARGV[1] .. id
  redis.call("ZREM", KEYS[3], id)
  if redis.call("EXISTS", key) == 1 then
    local count = redis.call("HINCRBY", key, "stalled_count", 1)
    if count > tonumber(ARGV[6]) then
      redis.call("HSET", key,
        "state", "failed",
        "failed_reason", ARGV[8],
        "finished_at", now,
        "lease_owner", "",
        "lease_token", "",
        "lease_until", "0")
      redis.call("ZADD", KEYS[4], now, id)
      dead = dead + 1
    else
      redis.call("HSET", key, "state", "waiting", "lease_owner", "", "lease_token", "", "lease_until", "0")
      redis.call("RPUSH", KEYS[1], id)
    end
  end
end
if dead > 0 then
  trim(KEYS[4], tonumber(ARGV[7]), ARGV[1])
end

while true do
  local id = redis.call("RPOP", KEYS[1])
  if not id then
    return {"", dead}
  end
  local key = ARGV[1] .. id
  if redis.call("EXISTS", key) == 1 then
    redis.call("HSET", key,
      "state", "active",
      "lease_owner", ARGV[4],
      "lease_token", ARGV[5],
      "lease_until", ARGV[3],
      "processed_at", now)
    redis.call("ZADD", KEYS[3], ARGV[3], id)
    return {id, dead}
  end
end
`)

// KEYS: job, active
// ARGV: id, lease token, lease deadline ms
var renewScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "state") ~= "active" or redis.call("HGET", KEYS[1], "lease_token") ~= ARGV[2] then
  return 0
end
redis.call("HSET", KEYS[1], "lease_until", ARGV[3])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// KEYS: job, active, completed
// ARGV: id, lease token, now ms, result json, keep, job prefix
var completeScript = redis.NewScript(trimLua + `
if redis.call("HGET", KEYS[1], "state") ~= "active" or redis.call("HGET", KEYS[1], "lease_token") ~= ARGV[2] then
  return 0
end
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("HINCRBY", KEYS[1], "attempts_made", 1)
redis.call("HSET", KEYS[1],
  "state", "completed",
  "result", ARGV[4],
  "finished_at", ARGV[3],
  "lease_owner", "",
  "lease_token", "",
  "lease_until", "0")
redis.call("HDEL", KEYS[1], "failed_reason")
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[1])
trim(KEYS[3], tonumber(ARGV[5]), ARGV[6])
return 1
`)

// KEYS: job, active, delayed, failed
// ARGV: id, lease token, now ms, reason, backoff base ms, keep, job prefix
//
// Returns {0, 0} when the lease is lost, {1, delay ms} when the job was
// scheduled for retry and {2, 0} when attempts are exhausted.
var failScript = redis.NewScript(trimLua + `
if redis.call("HGET", KEYS[1], "state") ~= "active" or redis.call("HGET", KEYS[1], "lease_token") ~= ARGV[2] then
  return {0, 0}
end
local attempts = redis.call("HINCRBY", KEYS[1], "attempts_made", 1)
local max = tonumber(redis.call("HGET", KEYS[1], "max_attempts"))
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[1], "failed_reason", ARGV[4], "lease_owner", "", "lease_token", "", "lease_until", "0")

if attempts < max then
  local delay = tonumber(ARGV[5]) * (2 ^ (attempts - 1))
  local ready = tonumber(ARGV[3]) + delay
  redis.call("HSET", KEYS[1], "state", "waiting", "retry_at", string.format("%d", ready))
  redis.call("ZADD", KEYS[3], string.format("%d", ready), ARGV[1])
  return {1, delay}
end

redis.call("HSET", KEYS[1], "state", "failed", "finished_at", ARGV[3])
redis.call("ZADD", KEYS[4], ARGV[3], ARGV[1])
trim(KEYS[4], tonumber(ARGV[6]), ARGV[7])
return {2, 0}
`)
