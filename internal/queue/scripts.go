package queue

import "github.com/redis/go-redis/v9"

// Job hashes are addressed through a key prefix passed in ARGV, the same way
// the scripts find every job id they move between structures.

// enqueueScript stores a job and makes it waiting (or delayed when ARGV[3] > 0).
// KEYS[1] = job hash, KEYS[2] = waiting, KEYS[3] = seq, KEYS[4] = delayed
// ARGV[1] = job id, ARGV[2] = priority, ARGV[3] = ready at (unix ms, 0 = now)
// ARGV[4..] = hash field/value pairs
// Returns {id, 1} when created, {id, 0} when the id already existed.
var enqueueScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return {ARGV[1], 0}
end
redis.call("HSET", KEYS[1], unpack(ARGV, 4))
local ready_at = tonumber(ARGV[3])
if ready_at > 0 then
    redis.call("HSET", KEYS[1], "state", "delayed")
    redis.call("ZADD", KEYS[4], ready_at, ARGV[1])
else
    local seq = redis.call("INCR", KEYS[3]) % 4294967296
    redis.call("ZADD", KEYS[2], tonumber(ARGV[2]) * 4294967296 + seq, ARGV[1])
end
return {ARGV[1], 1}
`)

// claimScript promotes due delayed jobs, then moves the best waiting job to active.
// KEYS[1] = waiting, KEYS[2] = delayed, KEYS[3] = active, KEYS[4] = seq
// ARGV[1] = now (unix ms), ARGV[2] = job key prefix
var claimScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1])
for _, id in ipairs(due) do
    local jk = ARGV[2] .. id
    redis.call("ZREM", KEYS[2], id)
    local prio = tonumber(redis.call("HGET", jk, "priority") or "0")
    local seq = redis.call("INCR", KEYS[4]) % 4294967296
    redis.call("ZADD", KEYS[1], prio * 4294967296 + seq, id)
    redis.call("HSET", jk, "state", "waiting")
end

local popped = redis.call("ZPOPMIN", KEYS[1])
if #popped == 0 then
    return false
end

local id = popped[1]
local jk = ARGV[2] .. id
redis.call("SADD", KEYS[3], id)
redis.call("HSET", jk, "state", "active", "processedAt", ARGV[1])
redis.call("HINCRBY", jk, "attemptsMade", 1)
return id
`)

// trim keeps the newest keep entries of a finished set, deleting older job hashes.
const trimFinished = `
local function trim(set, keep, prefix)
    if keep < 0 then
        return
    end
    local n = redis.call("ZCARD", set)
    if n > keep then
        local old = redis.call("ZRANGE", set, 0, n - keep - 1)
        for _, oid in ipairs(old) do
            redis.call("DEL", prefix .. oid)
        end
        redis.call("ZREMRANGEBYRANK", set, 0, n - keep - 1)
    end
end
`

// completeScript moves an active job to completed.
// KEYS[1] = active, KEYS[2] = completed
// ARGV[1] = job key prefix, ARGV[2] = id, ARGV[3] = now (unix ms), ARGV[4] = return value
// Returns 0 if the job was not active.
var completeScript = redis.NewScript(trimFinished + `
if redis.call("SREM", KEYS[1], ARGV[2]) == 0 then
    return 0
end
local jk = ARGV[1] .. ARGV[2]
redis.call("HSET", jk, "state", "completed", "finishedAt", ARGV[3], "returnValue", ARGV[4])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[2])
trim(KEYS[2], tonumber(redis.call("HGET", jk, "keepCompleted") or "-1"), ARGV[1])
return 1
`)

// failScript records a failed run: the job is retried after a delay when
// ARGV[5] >= 0, otherwise it becomes failed.
// KEYS[1] = active, KEYS[2] = failed, KEYS[3] = delayed
// ARGV[1] = job key prefix, ARGV[2] = id, ARGV[3] = now (unix ms), ARGV[4] = reason, ARGV[5] = retry delay (ms, -1 = none)
// Returns 1 when scheduled for retry, 0 when failed, -1 if the job was not active.
var failScript = redis.NewScript(trimFinished + `
if redis.call("SREM", KEYS[1], ARGV[2]) == 0 then
    return -1
end
local jk = ARGV[1] .. ARGV[2]
redis.call("HSET", jk, "failedReason", ARGV[4])
local delay = tonumber(ARGV[5])
if delay >= 0 then
    redis.call("HSET", jk, "state", "delayed")
    redis.call("ZADD", KEYS[3], tonumber(ARGV[3]) + delay, ARGV[2])
    return 1
end
redis.call("HSET", jk, "state", "failed", "finishedAt", ARGV[3])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[2])
trim(KEYS[2], tonumber(redis.call("HGET", jk, "keepFailed") or "-1"), ARGV[1])
return 0
`)

// cleanScript deletes finished jobs older than a cutoff.
// KEYS[1] = finished set
// ARGV[1] = job key prefix, ARGV[2] = cutoff (unix ms), ARGV[3] = limit (0 = no limit)
var cleanScript = redis.NewScript(`
local ids
local limit = tonumber(ARGV[3])
if limit > 0 then
    ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[2], "LIMIT", 0, limit)
else
    ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[2])
end
for _, id in ipairs(ids) do
    redis.call("DEL", ARGV[1] .. id)
    redis.call("ZREM", KEYS[1], id)
end
return #ids
`)
