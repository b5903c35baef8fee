package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// ConfigReader is the read-only view of admin-plane configuration used by the core.
// Lookups return (nil, redis.Nil) when the entry does not exist.
type ConfigReader interface {
	GetBotDescriptor(ctx context.Context, botKey string) (*BotDescriptor, error)
	GetBotGroup(ctx context.Context, groupID string) (*BotGroup, error)
	GetWorkerQueueOverride(ctx context.Context, queueName string) (*WorkerQueueConfig, error)
	ListBotKeys(ctx context.Context) ([]string, error)
}

var _ ConfigReader = (*Client)(nil)

// GetBotDescriptor retrieves a bot descriptor by key.
// Returns (nil, redis.Nil) if the bot is not registered.
func (c *Client) GetBotDescriptor(ctx context.Context, botKey string) (*BotDescriptor, error) {
	var d BotDescriptor
	if err := c.getJSON(ctx, BotDescriptorKey(botKey), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// GetBotGroup retrieves a bot group by id.
// Returns (nil, redis.Nil) if the group does not exist.
func (c *Client) GetBotGroup(ctx context.Context, groupID string) (*BotGroup, error) {
	var g BotGroup
	if err := c.getJSON(ctx, BotGroupKey(groupID), &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// GetWorkerQueueOverride retrieves the slot policy override of a target queue.
// Returns (nil, redis.Nil) if no override is stored.
func (c *Client) GetWorkerQueueOverride(ctx context.Context, queueName string) (*WorkerQueueConfig, error) {
	var w WorkerQueueConfig
	if err := c.getJSON(ctx, WorkerQueueConfigKey(queueName), &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// ListBotKeys returns the sorted keys of all registered bots.
func (c *Client) ListBotKeys(ctx context.Context) ([]string, error) {
	return c.sortedMembers(ctx, allBotDescriptorsKey)
}

// ListGroupIDs returns the sorted ids of all stored groups.
func (c *Client) ListGroupIDs(ctx context.Context) ([]string, error) {
	return c.sortedMembers(ctx, allBotGroupsKey)
}

// ListWorkerQueues returns the sorted names of all queues with a stored override.
func (c *Client) ListWorkerQueues(ctx context.Context) ([]string, error) {
	return c.sortedMembers(ctx, allWorkerQueuesKey)
}

// SaveBotDescriptor validates and stores a descriptor, registering it in the bot index.
// The core never calls this; it exists for the config apply command and tests.
func (c *Client) SaveBotDescriptor(ctx context.Context, d *BotDescriptor) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid bot descriptor: %w", err)
	}
	return c.putJSON(ctx, BotDescriptorKey(d.BotType), allBotDescriptorsKey, d.BotType, d)
}

// SaveBotGroup validates and stores a group, registering it in the group index.
func (c *Client) SaveBotGroup(ctx context.Context, g *BotGroup) error {
	if err := g.Validate(); err != nil {
		return fmt.Errorf("invalid bot group: %w", err)
	}
	return c.putJSON(ctx, BotGroupKey(g.GroupID), allBotGroupsKey, g.GroupID, g)
}

// SaveWorkerQueueOverride validates and stores a slot policy override.
func (c *Client) SaveWorkerQueueOverride(ctx context.Context, w *WorkerQueueConfig) error {
	if err := w.Validate(); err != nil {
		return fmt.Errorf("invalid worker queue config: %w", err)
	}
	return c.putJSON(ctx, WorkerQueueConfigKey(w.QueueName), allWorkerQueuesKey, w.QueueName, w)
}

func (c *Client) getJSON(ctx context.Context, key string, v any) error {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return redis.Nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s from Redis: %w", key, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to deserialize %s: %w", key, err)
	}
	return nil
}

func (c *Client) putJSON(ctx context.Context, key, indexKey, member string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", key, err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	pipe.SAdd(ctx, indexKey, member)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write %s to Redis: %w", key, err)
	}
	return nil
}

func (c *Client) sortedMembers(ctx context.Context, key string) ([]string, error) {
	members, err := c.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	sort.Strings(members)
	return members, nil
}

// TargetQueues returns the sorted, distinct target queues of all registered bots.
func TargetQueues(ctx context.Context, config ConfigReader) ([]string, error) {
	keys, err := config.ListBotKeys(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	for _, key := range keys {
		d, err := config.GetBotDescriptor(ctx, key)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		seen[d.WorkerTargetQueue] = true
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
