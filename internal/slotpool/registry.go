package slotpool

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Policy is the limit and expiry applied to one queue's pool.
type Policy struct {
	Limit   int
	Timeout time.Duration
}

// PolicyLoader resolves the current policy of a queue.
type PolicyLoader func(ctx context.Context, queue string) (Policy, error)

type registryEntry struct {
	policy   Policy
	loadedAt time.Time
}

// Registry caches per-queue policies. Entries are refreshed through the loader
// once they are older than the refresh interval, so admin-plane overrides take
// effect without a restart.
type Registry struct {
	entries sync.Map // queue name -> registryEntry
	load    PolicyLoader
	refresh time.Duration
	onError func(queue string, err error)
}

// NewRegistry creates a registry. A refresh of zero means entries never go stale.
func NewRegistry(load PolicyLoader, refresh time.Duration) *Registry {
	return &Registry{load: load, refresh: refresh}
}

// WithRefreshErrorHandler sets fn to be called when a stale policy cannot be
// reloaded and the previous one stays in force.
func (r *Registry) WithRefreshErrorHandler(fn func(queue string, err error)) *Registry {
	r.onError = fn
	return r
}

// Policy returns the cached policy for queue, loading it on first use or when stale.
// If a refresh fails the previous policy is kept.
func (r *Registry) Policy(ctx context.Context, queue string) (Policy, error) {
	if v, ok := r.entries.Load(queue); ok {
		e := v.(registryEntry)
		if r.refresh <= 0 || time.Since(e.loadedAt) < r.refresh {
			return e.policy, nil
		}
		p, err := r.load(ctx, queue)
		if err != nil {
			if r.onError != nil {
				r.onError(queue, err)
			}
			return e.policy, nil
		}
		r.entries.Store(queue, registryEntry{policy: p, loadedAt: time.Now()})
		return p, nil
	}

	p, err := r.load(ctx, queue)
	if err != nil {
		return Policy{}, err
	}
	r.entries.Store(queue, registryEntry{policy: p, loadedAt: time.Now()})
	return p, nil
}

// Snapshot returns the cached policies by queue name.
func (r *Registry) Snapshot() map[string]Policy {
	out := make(map[string]Policy)
	r.entries.Range(func(k, v any) bool {
		out[k.(string)] = v.(registryEntry).policy
		return true
	})
	return out
}

// Queues returns the sorted names of queues seen so far.
func (r *Registry) Queues() []string {
	snap := r.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
