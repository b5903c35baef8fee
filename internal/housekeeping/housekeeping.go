// Package housekeeping runs the dispatcher's periodic maintenance jobs.
//
// Finished jobs are trimmed from every known queue and jobs left active by a
// dead consumer are failed. Gauges are refreshed and concurrency counters
// audited. The audit only reports:
// a counter above its limit is logged and exported, never repaired.
package housekeeping

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/dyluth/botrelay/internal/admission"
	"github.com/dyluth/botrelay/internal/dispatch"
	"github.com/dyluth/botrelay/internal/logging"
	"github.com/dyluth/botrelay/internal/metrics"
	"github.com/dyluth/botrelay/internal/queue"
	"github.com/dyluth/botrelay/internal/slotpool"
	"github.com/dyluth/botrelay/pkg/store"
)

const (
	DefaultCleanupInterval = time.Hour
	DefaultStatsInterval   = 5 * time.Minute
	DefaultGaugeInterval   = 30 * time.Second
	DefaultCompletedGrace  = 24 * time.Hour
	DefaultFailedGrace     = 7 * 24 * time.Hour
	DefaultCleanLimit      = 100
	DefaultStalledAfter    = time.Hour
)

// Options configures the schedule and retention. Zero fields take the defaults.
type Options struct {
	CleanupInterval time.Duration
	StatsInterval   time.Duration
	GaugeInterval   time.Duration
	CompletedGrace  time.Duration
	FailedGrace     time.Duration
	CleanLimit      int
	StalledAfter    time.Duration
}

func (o Options) withDefaults() Options {
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = DefaultCleanupInterval
	}
	if o.StatsInterval <= 0 {
		o.StatsInterval = DefaultStatsInterval
	}
	if o.GaugeInterval <= 0 {
		o.GaugeInterval = DefaultGaugeInterval
	}
	if o.CompletedGrace <= 0 {
		o.CompletedGrace = DefaultCompletedGrace
	}
	if o.FailedGrace <= 0 {
		o.FailedGrace = DefaultFailedGrace
	}
	if o.CleanLimit <= 0 {
		o.CleanLimit = DefaultCleanLimit
	}
	if o.StalledAfter <= 0 {
		o.StalledAfter = DefaultStalledAfter
	}
	return o
}

// Anomaly is a concurrency counter found above its configured limit.
type Anomaly struct {
	BotKey string
	Count  int
	Limit  int
}

// Housekeeper owns the maintenance schedule.
type Housekeeper struct {
	rdb      redis.Cmdable
	config   store.ConfigReader
	policies *slotpool.Registry
	pool     *slotpool.Pool
	gate     *admission.ConcurrencyGate
	opts     Options
	logger   zerolog.Logger
}

// New creates a housekeeper. policies and pool are shared with the dispatcher
// so slot gauges reflect the policies it actually applies.
func New(rdb redis.Cmdable, config store.ConfigReader, policies *slotpool.Registry, pool *slotpool.Pool, opts Options, logger zerolog.Logger) *Housekeeper {
	return &Housekeeper{
		rdb:      rdb,
		config:   config,
		policies: policies,
		pool:     pool,
		gate:     admission.NewConcurrencyGate(rdb),
		opts:     opts.withDefaults(),
		logger:   logging.Component(logger, "housekeeping"),
	}
}

// Run schedules the jobs and blocks until ctx is cancelled, then waits for
// running jobs to return.
func (h *Housekeeper) Run(ctx context.Context) error {
	cl := cronLogger{logger: h.logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	c.Schedule(cron.Every(h.opts.CleanupInterval), h.job(ctx, "cleanup", func(ctx context.Context) error {
		_, err := h.Clean(ctx)
		return err
	}))
	c.Schedule(cron.Every(h.opts.StatsInterval), h.job(ctx, "stats", h.LogStats))
	c.Schedule(cron.Every(h.opts.GaugeInterval), h.job(ctx, "gauges", func(ctx context.Context) error {
		if err := h.RefreshGauges(ctx); err != nil {
			return err
		}
		_, err := h.AuditCounters(ctx)
		return err
	}))

	c.Start()
	h.logger.Info().
		Dur("cleanup_interval", h.opts.CleanupInterval).
		Dur("stats_interval", h.opts.StatsInterval).
		Dur("gauge_interval", h.opts.GaugeInterval).
		Msg("Housekeeping started")

	<-ctx.Done()
	<-c.Stop().Done()
	h.logger.Info().Msg("Housekeeping stopped")
	return nil
}

func (h *Housekeeper) job(ctx context.Context, name string, fn func(context.Context) error) cron.Job {
	return cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if err := fn(ctx); err != nil {
			h.logger.Error().Err(err).Str("job", name).Msg("Housekeeping job failed")
		}
	})
}

// Queues returns the main task queue followed by every registered target queue.
func (h *Housekeeper) Queues(ctx context.Context) ([]string, error) {
	targets, err := store.TargetQueues(ctx, h.config)
	if err != nil {
		return nil, fmt.Errorf("failed to list target queues: %w", err)
	}
	return append([]string{dispatch.MainQueue}, targets...), nil
}

// Clean fails stalled jobs, then trims old completed and failed jobs from every
// queue and returns the number removed. A queue that fails to clean does not
// stop the others.
func (h *Housekeeper) Clean(ctx context.Context) (int, error) {
	names, err := h.Queues(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	var firstErr error
	for _, name := range names {
		q := queue.New(h.rdb, name)
		if err := h.failStalled(ctx, q); err != nil {
			h.logger.Warn().Err(err).Str("queue", name).Msg("Stalled job sweep failed")
			if firstErr == nil {
				firstErr = err
			}
		}
		for _, c := range []struct {
			state queue.State
			grace time.Duration
		}{
			{queue.StateCompleted, h.opts.CompletedGrace},
			{queue.StateFailed, h.opts.FailedGrace},
		} {
			n, err := q.Clean(ctx, c.state, c.grace, h.opts.CleanLimit)
			if err != nil {
				h.logger.Warn().Err(err).Str("queue", name).Str("state", string(c.state)).Msg("Queue cleanup failed")
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			total += n
		}
	}

	if total > 0 {
		logging.Event(&h.logger, "queue_cleaned").Int("removed", total).Msg("Old jobs cleaned up")
	}
	return total, firstErr
}

// failStalled fails the jobs of q that have been active for longer than
// StalledAfter. A main-queue task failed for good still holds its bot's
// concurrency unit, which is released here since no dispatcher will.
func (h *Housekeeper) failStalled(ctx context.Context, q *queue.Queue) error {
	stalled, err := q.FailStalled(ctx, h.opts.StalledAfter)
	for _, job := range stalled {
		log := h.logger.Warn().
			Str("event_type", "job_stalled").
			Str("queue", q.Name()).
			Str("job_id", job.ID).
			Str("state", string(job.State)).
			Int("attempts_made", job.AttemptsMade)

		if q.Name() != dispatch.MainQueue || job.State != queue.StateFailed {
			log.Msg("Stalled job failed")
			continue
		}

		botKey := job.Name
		var task dispatch.Task
		if job.Decode(&task) == nil && task.BotKey != "" {
			botKey = task.BotKey
		}
		if _, rerr := h.gate.Release(ctx, botKey); rerr != nil {
			log.Str("bot_key", botKey).Msg("Stalled job failed")
			h.logger.Error().Err(rerr).Str("bot_key", botKey).Msg("Failed to release concurrency unit of stalled task")
			continue
		}
		log.Str("bot_key", botKey).Bool("concurrency_released", true).Msg("Stalled job failed")
	}
	return err
}

// LogStats logs the job counts of every queue.
func (h *Housekeeper) LogStats(ctx context.Context) error {
	names, err := h.Queues(ctx)
	if err != nil {
		return err
	}

	for _, name := range names {
		counts, err := queue.New(h.rdb, name).Counts(ctx)
		if err != nil {
			return err
		}
		logging.Event(&h.logger, "queue_stats").
			Str("queue", name).
			Int64("waiting", counts.Waiting).
			Int64("delayed", counts.Delayed).
			Int64("active", counts.Active).
			Int64("completed", counts.Completed).
			Int64("failed", counts.Failed).
			Msg("Queue statistics")
	}
	return nil
}

// RefreshGauges updates the queue size and semaphore usage gauges.
func (h *Housekeeper) RefreshGauges(ctx context.Context) error {
	names, err := h.Queues(ctx)
	if err != nil {
		return err
	}

	for _, name := range names {
		counts, err := queue.New(h.rdb, name).Counts(ctx)
		if err != nil {
			return err
		}
		metrics.QueueSize.WithLabelValues(name, string(queue.StateWaiting)).Set(float64(counts.Waiting))
		metrics.QueueSize.WithLabelValues(name, string(queue.StateDelayed)).Set(float64(counts.Delayed))
		metrics.QueueSize.WithLabelValues(name, string(queue.StateActive)).Set(float64(counts.Active))
		metrics.QueueSize.WithLabelValues(name, string(queue.StateCompleted)).Set(float64(counts.Completed))
		metrics.QueueSize.WithLabelValues(name, string(queue.StateFailed)).Set(float64(counts.Failed))

		if name == dispatch.MainQueue {
			continue
		}
		policy, err := h.policies.Policy(ctx, name)
		if err != nil {
			return err
		}
		inUse, err := h.pool.CurrentCount(ctx, name, policy.Timeout)
		if err != nil {
			return err
		}
		metrics.SemaphoreUsage.WithLabelValues(store.SlotPoolKey(name)).Set(float64(inUse))
	}

	keys, err := h.config.ListBotKeys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		n, err := h.gate.Count(ctx, key)
		if err != nil {
			return err
		}
		metrics.SemaphoreUsage.WithLabelValues(store.ConcurrencyCounterKey(key)).Set(float64(n))
	}
	return nil
}

// AuditCounters compares every bot's concurrency counter with its limit.
// Counters above the limit are returned, logged and exported; non-zero
// counters are logged at debug level.
func (h *Housekeeper) AuditCounters(ctx context.Context) ([]Anomaly, error) {
	keys, err := h.config.ListBotKeys(ctx)
	if err != nil {
		return nil, err
	}

	var anomalies []Anomaly
	for _, key := range keys {
		desc, err := h.config.GetBotDescriptor(ctx, key)
		if store.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}

		n, err := h.gate.Count(ctx, key)
		if err != nil {
			return nil, err
		}

		excess := 0
		if desc.HasConcurrencyLimit() && n > desc.Concurrency.Limit {
			excess = n - desc.Concurrency.Limit
			anomalies = append(anomalies, Anomaly{BotKey: key, Count: n, Limit: desc.Concurrency.Limit})
			h.logger.Warn().
				Str("event_type", "counter_anomaly").
				Str("bot_key", key).
				Int("count", n).
				Int("limit", desc.Concurrency.Limit).
				Msg("Concurrency counter exceeds its limit")
		} else if n > 0 {
			h.logger.Debug().Str("bot_key", key).Int("count", n).Msg("Concurrency counter in use")
		}
		metrics.CounterAudit.WithLabelValues(key).Set(float64(excess))
	}
	return anomalies, nil
}

// cronLogger adapts zerolog to the cron.Logger interface.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
