package ratelimit

import "github.com/redis/go-redis/v9"

// Every script takes KEYS[1] and returns {allowed, remaining, reset_at_us, retry_after_us}.
// Times are unix microseconds. A key holding a value of the wrong type, or fields that do
// not parse, is treated as absent. ARGV[dry] == "1" evaluates without writing.

// ARGV: now, cost, limit, window_start, window_end, dry
var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local cost = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local start = tonumber(ARGV[4])
local finish = tonumber(ARGV[5])
local dry = ARGV[6] == "1"

local kind = redis.call("TYPE", key).ok
if kind ~= "none" and kind ~= "hash" then
  if dry then kind = "none" else redis.call("DEL", key) end
end

local count = 0
if kind == "hash" then
  local vals = redis.call("HMGET", key, "s", "c")
  local s = tonumber(vals[1])
  local c = tonumber(vals[2])
  if s ~= nil and c ~= nil and c >= 0 and s >= start and s <= finish then
    count = c
    if s > start then
      finish = finish + (s - start)
      start = s
    end
  end
end

local allowed = 0
local retry = 0
if count + cost <= limit then
  allowed = 1
  count = count + cost
else
  retry = finish - now
end

if not dry then
  redis.call("HSET", key, "s", start, "c", count)
  redis.call("PEXPIRE", key, math.max(1, math.ceil((finish - now) / 1000)))
end

local remaining = math.max(0, math.floor(limit - count))
return {allowed, remaining, finish, retry}
`)

// ARGV: now, cost, limit, window, dry
var slidingCounterScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local cost = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local window = tonumber(ARGV[4])
local dry = ARGV[5] == "1"

local kind = redis.call("TYPE", key).ok
if kind ~= "none" and kind ~= "hash" then
  if dry then kind = "none" else redis.call("DEL", key) end
end

local start = now - (now % window)
local cur = 0
local prev = 0
if kind == "hash" then
  local vals = redis.call("HMGET", key, "s", "c", "p")
  local s = tonumber(vals[1])
  local c = tonumber(vals[2])
  local p = tonumber(vals[3])
  if s ~= nil and c ~= nil and p ~= nil and c >= 0 and p >= 0 then
    if s >= start and s <= start + window then
      start = s
      cur = c
      prev = p
    elseif s + window == start then
      prev = c
    end
  end
end

local elapsed = (now - start) / window
if elapsed < 0 then elapsed = 0 end
if elapsed > 1 then elapsed = 1 end
local estimated = prev * (1 - elapsed) + cur

local allowed = 0
if estimated + cost <= limit then
  allowed = 1
  cur = cur + cost
  estimated = estimated + cost
end

local reset = now
if cur > 0 then
  reset = start + 2 * window
elseif prev > 0 then
  reset = start + window
end

local retry = 0
if allowed == 0 then
  local at
  if cur + cost <= limit and prev > 0 then
    at = start + (1 - (limit - cur - cost) / prev) * window
  elseif cost <= limit then
    local fraction = 0
    if cur > 0 then fraction = 1 - (limit - cost) / cur end
    if fraction < 0 then fraction = 0 end
    at = start + window + fraction * window
  else
    at = math.max(reset, now + window)
  end
  retry = math.max(1, math.ceil(at - now))
end

if not dry then
  if reset > now then
    redis.call("HSET", key, "s", start, "c", cur, "p", prev)
    redis.call("PEXPIRE", key, math.max(1, math.ceil((reset - now) / 1000)))
  else
    redis.call("DEL", key)
  end
end

local remaining = math.max(0, math.floor(limit - estimated + 1e-9))
return {allowed, remaining, reset, retry}
`)

// ARGV: now, cost, limit, window, dry, member_prefix
var slidingLogScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local cost = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local window = tonumber(ARGV[4])
local dry = ARGV[5] == "1"
local prefix = ARGV[6]

local kind = redis.call("TYPE", key).ok
if kind ~= "none" and kind ~= "zset" then
  if dry then kind = "none" else redis.call("DEL", key) end
end

local cutoff = now - window
local horizon = now + window
local n = 0
if kind == "zset" then
  if not dry then
    redis.call("ZREMRANGEBYSCORE", key, "-inf", cutoff)
    redis.call("ZREMRANGEBYSCORE", key, "(" .. horizon, "+inf")
  end
  n = redis.call("ZCOUNT", key, "(" .. cutoff, horizon)
end

local allowed = 0
local newest = nil
if n + cost <= limit then
  allowed = 1
  if not dry then
    for i = 1, cost do
      redis.call("ZADD", key, now, prefix .. ":" .. i)
    end
  end
  n = n + cost
  newest = now
end

if newest == nil and n > 0 then
  local last = redis.call("ZRANGEBYSCORE", key, "(" .. cutoff, horizon, "WITHSCORES", "LIMIT", n - 1, 1)
  newest = tonumber(last[2])
end

local reset = now
if newest ~= nil then
  reset = math.max(now, newest + window)
end

local retry = 0
if allowed == 0 then
  if cost > limit and n > 0 then
    retry = reset - now
  elseif cost > limit then
    retry = window
  else
    local excess = n + cost - limit
    local row = redis.call("ZRANGEBYSCORE", key, "(" .. cutoff, horizon, "WITHSCORES", "LIMIT", excess - 1, 1)
    retry = tonumber(row[2]) + window - now
  end
end

if not dry and n > 0 then
  redis.call("PEXPIRE", key, math.max(1, math.ceil((reset - now) / 1000)))
end

return {allowed, math.max(0, limit - n), reset, retry}
`)

// ARGV: now, cost, limit, window, capacity, dry
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local cost = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local window = tonumber(ARGV[4])
local capacity = tonumber(ARGV[5])
local dry = ARGV[6] == "1"

local kind = redis.call("TYPE", key).ok
if kind ~= "none" and kind ~= "hash" then
  if dry then kind = "none" else redis.call("DEL", key) end
end

local tokens = capacity
local last = now
if kind == "hash" then
  local vals = redis.call("HMGET", key, "t", "s")
  local t = tonumber(vals[1])
  local s = tonumber(vals[2])
  if t ~= nil and s ~= nil and t >= 0 and s <= now + window then
    tokens = math.min(capacity, t)
    last = s
    if now > last then
      tokens = math.min(capacity, tokens + (now - last) * limit / window)
      last = now
    end
  end
end

local allowed = 0
local retry = 0
if tokens >= cost then
  allowed = 1
  tokens = tokens - cost
elseif cost > capacity then
  retry = math.ceil((capacity - tokens) * window / limit)
  if retry <= 0 then retry = window end
else
  retry = math.ceil((cost - tokens) * window / limit)
end

local reset = now + math.ceil((capacity - tokens) * window / limit)
if not dry then
  redis.call("HSET", key, "t", tokens, "s", last)
  redis.call("PEXPIRE", key, math.max(1, math.ceil((reset - now) / 1000)))
end

return {allowed, math.max(0, math.floor(tokens + 1e-9)), reset, retry}
`)

// ARGV: now, cost, limit, window, capacity, dry
var leakyBucketScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local cost = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local window = tonumber(ARGV[4])
local capacity = tonumber(ARGV[5])
local dry = ARGV[6] == "1"

local kind = redis.call("TYPE", key).ok
if kind ~= "none" and kind ~= "hash" then
  if dry then kind = "none" else redis.call("DEL", key) end
end

local level = 0
local last = now
if kind == "hash" then
  local vals = redis.call("HMGET", key, "l", "s")
  local l = tonumber(vals[1])
  local s = tonumber(vals[2])
  if l ~= nil and s ~= nil and l >= 0 and s <= now + window then
    level = math.min(capacity, l)
    last = s
    if now > last then
      level = math.max(0, level - (now - last) * limit / window)
      last = now
    end
  end
end

local allowed = 0
local retry = 0
if level + cost <= capacity then
  allowed = 1
  level = level + cost
elseif cost > capacity then
  retry = math.ceil(level * window / limit)
  if retry <= 0 then retry = window end
else
  retry = math.ceil((level + cost - capacity) * window / limit)
end

local reset = now + math.ceil(level * window / limit)
if not dry then
  redis.call("HSET", key, "l", level, "s", last)
  redis.call("PEXPIRE", key, math.max(1, math.ceil((reset - now) / 1000)))
end

return {allowed, math.max(0, math.floor(capacity - level + 1e-9)), reset, retry}
`)
