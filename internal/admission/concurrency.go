package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/botrelay/pkg/store"
)

// acquireScript increments the counter only while it is below the limit.
// KEYS[1] = counter key (semaphore:count:{bot})
// ARGV[1] = limit
var acquireScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current < tonumber(ARGV[1]) then
    redis.call("INCR", KEYS[1])
    return 1
end
return 0
`)

// releaseScript decrements the counter, clamping at zero.
// KEYS[1] = counter key
var releaseScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current > 0 then
    redis.call("DECR", KEYS[1])
    return 1
end
redis.call("SET", KEYS[1], "0")
return 0
`)

// ConcurrencyGate bounds simultaneous executions per admission key with a
// counter in Redis. Counters never expire; every successful Acquire must be
// paired with a Release.
type ConcurrencyGate struct {
	rdb redis.Cmdable
}

// NewConcurrencyGate creates a gate backed by rdb.
func NewConcurrencyGate(rdb redis.Cmdable) *ConcurrencyGate {
	return &ConcurrencyGate{rdb: rdb}
}

// Acquire takes one unit of the key's concurrency budget.
// Returns false without error when the counter is already at limit.
func (g *ConcurrencyGate) Acquire(ctx context.Context, key string, limit int) (bool, error) {
	res, err := acquireScript.Run(ctx, g.rdb, []string{store.ConcurrencyCounterKey(key)}, limit).Int()
	if err != nil {
		return false, fmt.Errorf("failed to acquire concurrency slot for %s: %w", key, err)
	}
	return res == 1, nil
}

// Release returns one unit of the key's budget. Releasing a counter already at
// zero leaves it at zero and reports false.
func (g *ConcurrencyGate) Release(ctx context.Context, key string) (bool, error) {
	res, err := releaseScript.Run(ctx, g.rdb, []string{store.ConcurrencyCounterKey(key)}).Int()
	if err != nil {
		return false, fmt.Errorf("failed to release concurrency slot for %s: %w", key, err)
	}
	return res == 1, nil
}

// Count returns the current counter value. Observability only.
func (g *ConcurrencyGate) Count(ctx context.Context, key string) (int, error) {
	n, err := g.rdb.Get(ctx, store.ConcurrencyCounterKey(key)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read concurrency counter for %s: %w", key, err)
	}
	return n, nil
}
