package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Client provides Redis operations for the shared atomic store.
// The client is thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a new store client from Redis connection options.
func NewClient(redisOpts *redis.Options) (*Client, error) {
	if redisOpts == nil {
		return nil, fmt.Errorf("redis options cannot be nil")
	}

	return &Client{rdb: redis.NewClient(redisOpts)}, nil
}

// NewClientFromURL creates a store client from a redis:// URL such as the REDIS_URL setting.
func NewClientFromURL(url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return NewClient(opts)
}

// Close closes the Redis connection. Implements io.Closer.
// After calling Close(), the client should not be used.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// RedisClient exposes the underlying connection to the gate, pool and queue components,
// which run their own Lua scripts against it.
func (c *Client) RedisClient() *redis.Client {
	return c.rdb
}

// IsNotFound returns true if the error is a Redis "key not found" error (redis.Nil).
// Use this to check if GetBotDescriptor, GetBotGroup or GetWorkerQueueOverride returned "not found".
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
