package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/botrelay/pkg/store"
)

// cadenceScript enforces a minimum interval between executions with an optional
// burst allowance inside the interval. Timestamp and counter change together.
// KEYS[1] = timestamp key (cadence:ts:{bot})
// KEYS[2] = counter hash (cadence:count:{bot})
// ARGV[1] = now (unix ms)
// ARGV[2] = interval (seconds)
// ARGV[3] = max per interval (0 = no burst)
// ARGV[4] = counter hash field
var cadenceScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local interval_ms = tonumber(ARGV[2]) * 1000
local max_per_interval = tonumber(ARGV[3])

local last = redis.call("GET", KEYS[1])
local elapsed = (not last) or (now - tonumber(last) >= interval_ms)

if elapsed then
    redis.call("SET", KEYS[1], ARGV[1])
    if max_per_interval > 0 then
        redis.call("HSET", KEYS[2], ARGV[4], "1")
    end
    return 1
end

if max_per_interval > 0 then
    local count = tonumber(redis.call("HGET", KEYS[2], ARGV[4]) or "0")
    if count < max_per_interval then
        redis.call("HINCRBY", KEYS[2], ARGV[4], "1")
        return 1
    end
end

return 0
`)

// CadenceGate spaces out admitted executions per admission key.
type CadenceGate struct {
	rdb redis.Cmdable
	now func() time.Time
}

// NewCadenceGate creates a gate backed by rdb using the wall clock.
func NewCadenceGate(rdb redis.Cmdable) *CadenceGate {
	return &CadenceGate{rdb: rdb, now: time.Now}
}

// WithClock replaces the gate's time source. Tests use it to step time.
func (g *CadenceGate) WithClock(now func() time.Time) *CadenceGate {
	g.now = now
	return g
}

// Check admits one execution if the key's cadence allows it, recording the
// admission atomically. Returns false without error on rejection.
func (g *CadenceGate) Check(ctx context.Context, key string, intervalSeconds, maxPerInterval int) (bool, error) {
	keys := []string{store.CadenceTimestampKey(key), store.CadenceCounterKey(key)}
	res, err := cadenceScript.Run(ctx, g.rdb, keys, g.now().UnixMilli(), intervalSeconds, maxPerInterval, key).Int()
	if err != nil {
		return false, fmt.Errorf("failed to check cadence for %s: %w", key, err)
	}
	return res == 1, nil
}
