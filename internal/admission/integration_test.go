//go:build integration

package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/botrelay/internal/testutil"
	"github.com/dyluth/botrelay/pkg/store"
)

// TestAdmission_RealRedis runs the gates against a real Redis server, where
// scripts go through EVALSHA with NOSCRIPT fallback.
func TestAdmission_RealRedis(t *testing.T) {
	redisURL := testutil.StartRedisContainer(t)

	opts, err := redis.ParseURL(redisURL)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, rdb.ScriptFlush(ctx).Err())

	ctrl := NewController(rdb, zerolog.Nop())
	desc := &store.BotDescriptor{
		BotType:           "integration",
		WorkerTargetQueue: "q",
		Concurrency:       &store.ConcurrencyLimit{Limit: 3},
	}

	var wg sync.WaitGroup
	var admitted atomic.Int32
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ctrl.Admit(ctx, desc); err == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(3), admitted.Load())

	for i := 0; i < 5; i++ {
		_, err := ctrl.Release(ctx, "integration")
		require.NoError(t, err)
	}
	n, err := ctrl.Concurrency.Count(ctx, "integration")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	gate := NewCadenceGate(rdb)
	ok, err := gate.Check(ctx, "integration", 60, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = gate.Check(ctx, "integration", 60, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = gate.Check(ctx, "integration", 60, 2)
	require.NoError(t, err)
	assert.False(t, ok)
}
