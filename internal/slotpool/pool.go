// Package slotpool implements the self-expiring slot pool used at the dispatch layer.
//
// A pool is a Redis sorted set of holder tokens scored by acquisition time (unix ms).
// Entries older than the pool timeout are purged on every acquire and count, so a
// holder that crashes without releasing stops counting against the limit once its
// entry ages out.
package slotpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dyluth/botrelay/internal/metrics"
	"github.com/dyluth/botrelay/pkg/store"
)

// DefaultRetryInterval is the sleep between acquisition attempts.
const DefaultRetryInterval = 10 * time.Millisecond

// ErrAcquireTimeout is returned when no slot frees up before the pool timeout.
var ErrAcquireTimeout = errors.New("slot acquire timeout")

// acquireSlotScript purges stale holders, counts the rest and inserts the token
// if there is room, in one step so concurrent acquirers cannot overshoot.
// KEYS[1] = pool key (semaphore:{queue})
// ARGV[1] = now (unix ms)
// ARGV[2] = stale bound (unix ms); entries scored at or below it are dropped
// ARGV[3] = limit
// ARGV[4] = token
// ARGV[5] = key ttl (ms)
var acquireSlotScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[2])
local count = redis.call("ZCARD", KEYS[1])
if count < tonumber(ARGV[3]) then
    redis.call("ZADD", KEYS[1], ARGV[1], ARGV[4])
    redis.call("PEXPIRE", KEYS[1], ARGV[5])
    return 1
end
return 0
`)

// countSlotsScript purges stale holders and returns the live count.
// KEYS[1] = pool key
// ARGV[1] = stale bound (unix ms)
var countSlotsScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
return redis.call("ZCARD", KEYS[1])
`)

// Pool acquires and releases self-expiring slots. Safe for concurrent use.
type Pool struct {
	rdb           redis.Cmdable
	retryInterval time.Duration
}

// New creates a pool client backed by rdb.
func New(rdb redis.Cmdable) *Pool {
	return &Pool{rdb: rdb, retryInterval: DefaultRetryInterval}
}

// WithRetryInterval overrides the sleep between attempts.
func (p *Pool) WithRetryInterval(d time.Duration) *Pool {
	if d > 0 {
		p.retryInterval = d
	}
	return p
}

// Acquire blocks until a slot in the queue's pool is free and returns the
// holder token. It gives up with ErrAcquireTimeout once timeout elapses, and
// returns ctx.Err() if ctx is cancelled first. The same timeout is the age at
// which a held slot expires.
func (p *Pool) Acquire(ctx context.Context, queue string, limit int, timeout time.Duration) (string, error) {
	token := uuid.New().String()
	key := store.SlotPoolKey(queue)
	deadline := time.Now().Add(timeout)

	waiting := metrics.SemaphoreWaiting.WithLabelValues(queue)
	waiting.Inc()
	defer waiting.Dec()

	for {
		now := time.Now()
		ok, err := acquireSlotScript.Run(ctx, p.rdb, []string{key},
			now.UnixMilli(),
			now.Add(-timeout).UnixMilli(),
			limit,
			token,
			timeout.Milliseconds(),
		).Int()
		if err != nil {
			return "", fmt.Errorf("failed to acquire slot on %s: %w", queue, err)
		}
		if ok == 1 {
			return token, nil
		}

		if !time.Now().Add(p.retryInterval).Before(deadline) {
			return "", fmt.Errorf("queue %s full (limit %d) for %s: %w", queue, limit, timeout, ErrAcquireTimeout)
		}

		timer := time.NewTimer(p.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

// Release removes the token from the queue's pool.
// Releasing an absent or already-expired token is a no-op and reports false.
func (p *Pool) Release(ctx context.Context, queue, token string) (bool, error) {
	removed, err := p.rdb.ZRem(ctx, store.SlotPoolKey(queue), token).Result()
	if err != nil {
		return false, fmt.Errorf("failed to release slot on %s: %w", queue, err)
	}
	return removed == 1, nil
}

// CurrentCount purges stale holders and returns the number of live ones.
func (p *Pool) CurrentCount(ctx context.Context, queue string, timeout time.Duration) (int, error) {
	staleBound := time.Now().Add(-timeout).UnixMilli()
	n, err := countSlotsScript.Run(ctx, p.rdb, []string{store.SlotPoolKey(queue)}, staleBound).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to count slots on %s: %w", queue, err)
	}
	return n, nil
}

// AvailableCount returns how many more holders the pool would admit right now.
func (p *Pool) AvailableCount(ctx context.Context, queue string, limit int, timeout time.Duration) (int, error) {
	n, err := p.CurrentCount(ctx, queue, timeout)
	if err != nil {
		return 0, err
	}
	return max(0, limit-n), nil
}
