package admission

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dyluth/botrelay/internal/logging"
	"github.com/dyluth/botrelay/internal/metrics"
	"github.com/dyluth/botrelay/pkg/store"
)

// Decision records what an admission took, so it can be undone exactly.
type Decision struct {
	BotKey          string
	ConcurrencyHeld bool // a concurrency unit was taken and must be released
	CadenceApplied  bool // the cadence gate recorded this execution
}

// Controller composes the concurrency and cadence gates for inbound requests.
type Controller struct {
	Concurrency *ConcurrencyGate
	Cadence     *CadenceGate
	logger      zerolog.Logger
}

// NewController creates a controller whose gates share one Redis connection.
func NewController(rdb redis.Cmdable, logger zerolog.Logger) *Controller {
	return &Controller{
		Concurrency: NewConcurrencyGate(rdb),
		Cadence:     NewCadenceGate(rdb),
		logger:      logging.Component(logger, "admission"),
	}
}

// Admit runs the gates for one request in order: concurrency, then cadence.
// A cadence rejection (or a cadence store error) gives back the concurrency
// unit before returning, so a rejected request never holds a slot.
func (c *Controller) Admit(ctx context.Context, desc *store.BotDescriptor) (Decision, error) {
	d := Decision{BotKey: desc.BotType}

	if desc.HasConcurrencyLimit() {
		ok, err := c.Concurrency.Acquire(ctx, desc.BotType, desc.Concurrency.Limit)
		if err != nil {
			return d, err
		}
		if !ok {
			c.record(desc.BotType, ErrConcurrencyRejected.Error())
			return d, fmt.Errorf("bot %s at concurrency limit %d: %w", desc.BotType, desc.Concurrency.Limit, ErrConcurrencyRejected)
		}
		d.ConcurrencyHeld = true
	}

	if desc.HasCadence() {
		ok, err := c.Cadence.Check(ctx, desc.BotType, desc.Cadence.IntervalSeconds, desc.Cadence.MaxPerInterval)
		if err != nil || !ok {
			c.undo(ctx, &d)
		}
		if err != nil {
			return d, err
		}
		if !ok {
			c.record(desc.BotType, ErrCadenceRejected.Error())
			return d, fmt.Errorf("bot %s within cadence interval of %ds: %w", desc.BotType, desc.Cadence.IntervalSeconds, ErrCadenceRejected)
		}
		d.CadenceApplied = true
	}

	c.record(desc.BotType, "admitted")
	return d, nil
}

// Rollback undoes an admission whose task could not be enqueued.
// The cadence record is kept: the gate has no safe inverse.
func (c *Controller) Rollback(ctx context.Context, d Decision) {
	c.undo(ctx, &d)
}

// Release services a release notification from a dispatcher.
// It is idempotent: a counter already at zero stays at zero.
func (c *Controller) Release(ctx context.Context, botKey string) (bool, error) {
	released, err := c.Concurrency.Release(ctx, botKey)
	if err != nil {
		return false, err
	}

	logging.Event(&c.logger, "concurrency_released").
		Str("bot_key", botKey).
		Bool("decremented", released).
		Msg("concurrency release processed")
	return released, nil
}

func (c *Controller) undo(ctx context.Context, d *Decision) {
	if !d.ConcurrencyHeld {
		return
	}
	if _, err := c.Concurrency.Release(ctx, d.BotKey); err != nil {
		c.logger.Error().Err(err).Str("bot_key", d.BotKey).Msg("compensating release failed")
		return
	}
	d.ConcurrencyHeld = false
}

func (c *Controller) record(botKey, outcome string) {
	metrics.AdmissionDecisions.WithLabelValues(botKey, outcome).Inc()
	if outcome != "admitted" {
		logging.Event(&c.logger, "admission_rejected").
			Str("bot_key", botKey).
			Str("status", outcome).
			Msg("admission rejected")
	}
}
