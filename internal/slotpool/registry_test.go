package slotpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_CachesPolicies(t *testing.T) {
	var loads atomic.Int32
	reg := NewRegistry(func(ctx context.Context, queue string) (Policy, error) {
		loads.Add(1)
		return Policy{Limit: 4, Timeout: time.Second}, nil
	}, 0)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		p, err := reg.Policy(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 4, p.Limit)
	}
	_, err := reg.Policy(ctx, "b")
	require.NoError(t, err)

	assert.Equal(t, int32(2), loads.Load())
	assert.Equal(t, []string{"a", "b"}, reg.Queues())
}

func TestRegistry_RefreshKeepsLastGoodPolicy(t *testing.T) {
	var fail atomic.Bool
	limit := atomic.Int32{}
	limit.Store(2)

	reg := NewRegistry(func(ctx context.Context, queue string) (Policy, error) {
		if fail.Load() {
			return Policy{}, errors.New("redis down")
		}
		return Policy{Limit: int(limit.Load()), Timeout: time.Second}, nil
	}, time.Millisecond)
	var refreshErrs []string
	reg.WithRefreshErrorHandler(func(queue string, err error) {
		refreshErrs = append(refreshErrs, queue+": "+err.Error())
	})

	ctx := context.Background()
	p, err := reg.Policy(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Limit)

	time.Sleep(5 * time.Millisecond)
	limit.Store(7)
	p, err = reg.Policy(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 7, p.Limit)

	time.Sleep(5 * time.Millisecond)
	fail.Store(true)
	p, err = reg.Policy(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 7, p.Limit)
	assert.Equal(t, []string{"q: redis down"}, refreshErrs)

	_, err = reg.Policy(ctx, "unknown")
	assert.Error(t, err)
	assert.Len(t, refreshErrs, 1, "first loads return their error instead")
}
