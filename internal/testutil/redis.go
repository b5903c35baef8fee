// Package testutil holds helpers shared by botrelay's package tests.
package testutil

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/botrelay/pkg/store"
)

// NewRedis starts a miniredis instance and returns a client connected to it.
// Both are closed when the test ends.
func NewRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return rdb, mr
}

// NewStore starts a miniredis instance and returns a store client connected to it.
func NewStore(t *testing.T) (*store.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client, err := store.NewClient(&redis.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, mr
}

// Bot is a shorthand for a registered bot descriptor.
func Bot(key, queue string, limit int) *store.BotDescriptor {
	d := &store.BotDescriptor{BotType: key, WorkerTargetQueue: queue}
	if limit > 0 {
		d.Concurrency = &store.ConcurrencyLimit{Limit: limit}
	}
	return d
}

// SaveBots registers descriptors in the store, failing the test on error.
func SaveBots(t *testing.T, client *store.Client, bots ...*store.BotDescriptor) {
	t.Helper()
	for _, b := range bots {
		require.NoError(t, client.SaveBotDescriptor(t.Context(), b))
	}
}
