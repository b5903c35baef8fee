// Package store provides the shared Redis store used by every botrelay process:
// the key schema, the read-only bot configuration model, and a thin client wrapper.
//
// # Overview
//
// botrelay runs several stateless processes (gateways, dispatchers, workers) that
// never share memory. Every piece of coordination state lives in Redis and every
// check-then-act sequence runs as a server-side Lua script, so the processes can
// interleave arbitrarily without in-process locks.
//
// # Redis Schema
//
// Keys are namespaced by a fixed prefix plus the admission key, so operators can
// inspect or reset them directly with redis-cli:
//
//	Concurrency counters:   semaphore:count:{bot_key}
//	Cadence timestamps:     cadence:ts:{bot_key}
//	Cadence counters:       cadence:count:{bot_key}          (hash, field = bot_key)
//	Round-robin counters:   rule:rr_idx:{group_id}
//	Self-expiring pools:    semaphore:{queue_name}           (zset, member = token, score = unix ms)
//	Bot descriptors:        config:bottype:{bot_key}         (JSON string)
//	Bot groups:             config:botgroup:{group_id}       (JSON string)
//	Worker queue overrides: config:wq:{queue_name}           (JSON string)
//
// # Configuration Ownership
//
// Bot descriptors, groups and worker queue overrides are written by the admin plane.
// The admission and dispatch code only reads them through ConfigReader. The Save*
// helpers exist for the CLI "config apply" command and for tests.
package store
