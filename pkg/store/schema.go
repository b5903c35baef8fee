package store

// Redis key pattern helpers.
//
// The prefixes are part of the operational contract: dashboards and runbooks
// address these keys directly, so they must not change.

const (
	concurrencyCounterPrefix = "semaphore:count:"
	slotPoolPrefix           = "semaphore:"
	cadenceTimestampPrefix   = "cadence:ts:"
	cadenceCounterPrefix     = "cadence:count:"
	roundRobinIndexPrefix    = "rule:rr_idx:"

	botDescriptorPrefix  = "config:bottype:"
	allBotDescriptorsKey = "config:bottype:_all_types"
	botGroupPrefix       = "config:botgroup:"
	allBotGroupsKey      = "config:botgroup:_all_groups"
	workerQueuePrefix    = "config:wq:"
	allWorkerQueuesKey   = "config:wq:_all_queues"
)

// ConcurrencyCounterKey returns the key holding the concurrency counter for a bot.
// Pattern: semaphore:count:{bot_key}
func ConcurrencyCounterKey(botKey string) string {
	return concurrencyCounterPrefix + botKey
}

// SlotPoolKey returns the sorted set backing the self-expiring slot pool of a queue.
// Pattern: semaphore:{queue_name}
func SlotPoolKey(queueName string) string {
	return slotPoolPrefix + queueName
}

// CadenceTimestampKey returns the key holding the last admitted execution time (unix ms).
// Pattern: cadence:ts:{bot_key}
func CadenceTimestampKey(botKey string) string {
	return cadenceTimestampPrefix + botKey
}

// CadenceCounterKey returns the hash holding the per-interval execution count.
// Pattern: cadence:count:{bot_key}
func CadenceCounterKey(botKey string) string {
	return cadenceCounterPrefix + botKey
}

// RoundRobinIndexKey returns the monotonic round-robin counter of a group.
// Pattern: rule:rr_idx:{group_id}
func RoundRobinIndexKey(groupID string) string {
	return roundRobinIndexPrefix + groupID
}

// BotDescriptorKey returns the key of a bot descriptor JSON document.
// Pattern: config:bottype:{bot_key}
func BotDescriptorKey(botKey string) string {
	return botDescriptorPrefix + botKey
}

// BotGroupKey returns the key of a bot group JSON document.
// Pattern: config:botgroup:{group_id}
func BotGroupKey(groupID string) string {
	return botGroupPrefix + groupID
}

// WorkerQueueConfigKey returns the key of a worker queue override JSON document.
// Pattern: config:wq:{queue_name}
func WorkerQueueConfigKey(queueName string) string {
	return workerQueuePrefix + queueName
}
