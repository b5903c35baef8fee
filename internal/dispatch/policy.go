package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/dyluth/botrelay/internal/slotpool"
	"github.com/dyluth/botrelay/pkg/store"
)

// DefaultSlotPolicy applies to target queues with neither an override nor an
// environment default.
var DefaultSlotPolicy = slotpool.Policy{Limit: 5, Timeout: 30 * time.Second}

// NewPolicyLoader resolves a target queue's slot policy field by field:
// the queue's stored override, then defaults, then DefaultSlotPolicy.
// A zero field in defaults counts as unset.
func NewPolicyLoader(config store.ConfigReader, defaults slotpool.Policy) slotpool.PolicyLoader {
	return func(ctx context.Context, queue string) (slotpool.Policy, error) {
		policy := DefaultSlotPolicy
		if defaults.Limit > 0 {
			policy.Limit = defaults.Limit
		}
		if defaults.Timeout > 0 {
			policy.Timeout = defaults.Timeout
		}

		override, err := config.GetWorkerQueueOverride(ctx, queue)
		if store.IsNotFound(err) {
			return policy, nil
		}
		if err != nil {
			return slotpool.Policy{}, fmt.Errorf("failed to load slot policy for %s: %w", queue, err)
		}

		if override.MaxConcurrency != nil && *override.MaxConcurrency > 0 {
			policy.Limit = *override.MaxConcurrency
		}
		if override.TimeoutMs != nil && *override.TimeoutMs > 0 {
			policy.Timeout = time.Duration(*override.TimeoutMs) * time.Millisecond
		}
		return policy, nil
	}
}
