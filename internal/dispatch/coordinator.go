package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dyluth/botrelay/internal/logging"
	"github.com/dyluth/botrelay/internal/metrics"
	"github.com/dyluth/botrelay/internal/queue"
	"github.com/dyluth/botrelay/internal/slotpool"
	"github.com/dyluth/botrelay/pkg/store"
)

// Forwarded job settings on target queues.
const (
	forwardAttempts      = 2
	forwardBackoff       = time.Second
	forwardKeepCompleted = 50
	forwardKeepFailed    = 20
)

const (
	DefaultConcurrency   = 20
	DefaultPollInterval  = time.Second
	DefaultMaxPolls      = 300
	DefaultPolicyRefresh = 30 * time.Second

	cleanupTimeout = 5 * time.Second
	serviceName    = "orchestrator"
)

// Options tune a Coordinator. Zero values take the defaults.
type Options struct {
	Concurrency   int             // concurrent task state machines
	PollInterval  time.Duration   // wait between forwarded-job state checks
	MaxPolls      int             // state checks before the task times out
	SlotDefaults  slotpool.Policy // environment-level slot policy defaults
	PolicyRefresh time.Duration   // how long a resolved slot policy is cached
	RetryInterval time.Duration   // wait between slot acquire attempts
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.MaxPolls <= 0 {
		o.MaxPolls = DefaultMaxPolls
	}
	if o.PolicyRefresh <= 0 {
		o.PolicyRefresh = DefaultPolicyRefresh
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = slotpool.DefaultRetryInterval
	}
	return o
}

// Outcome is the return value recorded on a completed main-queue job.
type Outcome struct {
	ForwardedJobID string          `json:"forwardedJobId"`
	TargetQueue    string          `json:"targetQueue"`
	Result         json.RawMessage `json:"result,omitempty"`
}

// Coordinator runs the dispatch state machine for tasks on the main queue.
type Coordinator struct {
	rdb      redis.Cmdable
	main     *queue.Queue
	pool     *slotpool.Pool
	policies *slotpool.Registry
	notifier Notifier
	opts     Options
	logger   zerolog.Logger

	notifications sync.WaitGroup
}

// NewCoordinator creates a coordinator. Slot policies are resolved through config.
func NewCoordinator(rdb redis.Cmdable, config store.ConfigReader, notifier Notifier, opts Options, logger zerolog.Logger) *Coordinator {
	opts = opts.withDefaults()
	c := &Coordinator{
		rdb:      rdb,
		main:     queue.New(rdb, MainQueue),
		pool:     slotpool.New(rdb).WithRetryInterval(opts.RetryInterval),
		notifier: notifier,
		opts:     opts,
		logger:   logging.Component(logger, "dispatcher"),
	}
	c.policies = slotpool.NewRegistry(NewPolicyLoader(config, opts.SlotDefaults), opts.PolicyRefresh).
		WithRefreshErrorHandler(func(queueName string, err error) {
			c.logger.Warn().
				Str("event_type", "slot_policy_refresh_failed").
				Err(err).
				Str("target_queue", queueName).
				Msg("slot policy refresh failed, keeping previous policy")
		})
	return c
}

// Policies exposes the slot policies resolved so far.
func (c *Coordinator) Policies() *slotpool.Registry {
	return c.policies
}

// Pool exposes the slot pool, for gauges and admin reads.
func (c *Coordinator) Pool() *slotpool.Pool {
	return c.pool
}

// Run consumes the main queue until ctx is cancelled, then waits for in-flight
// tasks and pending release notifications.
func (c *Coordinator) Run(ctx context.Context) error {
	consumer := queue.NewConsumer(c.main, c.opts.Concurrency, c.Handle, c.logger)
	err := consumer.Run(ctx)
	c.notifications.Wait()
	return err
}

// Wait blocks until every release notification sent so far has finished.
func (c *Coordinator) Wait() {
	c.notifications.Wait()
}

// Handle is the queue handler for main-queue jobs.
// The bot's concurrency unit is released once the task is finished for good:
// on success, or on the run that spends the job's last attempt.
func (c *Coordinator) Handle(ctx context.Context, job *queue.Job) (any, error) {
	var task Task
	if err := job.Decode(&task); err != nil {
		if job.AttemptsMade >= job.Attempts {
			c.releaseUndecodable(job, err)
		}
		return nil, err
	}

	outcome, err := c.Dispatch(ctx, &task)
	if err == nil || job.AttemptsMade >= job.Attempts {
		c.notifyRelease(task.BotKey)
	}
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// Dispatch runs one task through the state machine. The slot is always given
// back before Dispatch returns. The wait for the forwarded job runs on a
// context detached from ctx so shutdown cannot abandon a held slot.
func (c *Coordinator) Dispatch(ctx context.Context, task *Task) (_ *Outcome, err error) {
	started := time.Now()
	log := c.logger.With().
		Str("bot_key", task.BotKey).
		Str("target_queue", task.TargetQueue).
		Str("correlation_id", task.CorrelationID).
		Logger()
	c.transition(&log, StateClaimed)

	defer func() {
		status := "completed"
		final := StateDone
		if err != nil {
			status = "failed"
			final = StateFailed
		}
		metrics.BotExecutions.WithLabelValues(task.BotKey, status, serviceName).Inc()
		metrics.BotExecutionDuration.WithLabelValues(task.BotKey, serviceName).Observe(time.Since(started).Seconds())
		c.transition(&log, final)
		if err != nil {
			log.Error().Err(err).Msg("dispatch failed")
		}
	}()

	policy, err := c.policies.Policy(ctx, task.TargetQueue)
	if err != nil {
		return nil, err
	}

	c.transition(&log, StateSlotPending)
	token, err := c.pool.Acquire(ctx, task.TargetQueue, policy.Limit, policy.Timeout)
	if err != nil {
		return nil, err
	}
	c.transition(&log, StateSlotHeld)

	defer c.releaseSlot(&log, task.TargetQueue, token)

	waitCtx := context.WithoutCancel(ctx)
	target := queue.New(c.rdb, task.TargetQueue)
	forwarded, err := target.Enqueue(waitCtx, task.BotKey, task, queue.Options{
		Priority:         task.Priority,
		Attempts:         forwardAttempts,
		BackoffDelay:     forwardBackoff,
		RemoveOnComplete: forwardKeepCompleted,
		RemoveOnFail:     forwardKeepFailed,
	})
	if err != nil {
		return nil, err
	}
	c.transition(&log, StateDelegated)

	log = log.With().Str("forwarded_job_id", forwarded.ID).Logger()
	c.transition(&log, StateAwaitingResult)

	result, err := c.await(waitCtx, target, forwarded.ID)
	if err != nil {
		return nil, err
	}

	return &Outcome{ForwardedJobID: forwarded.ID, TargetQueue: task.TargetQueue, Result: result}, nil
}

// await polls the forwarded job until it finishes or the poll budget is spent.
// A job that cannot be found (trimmed or cleaned) keeps being polled.
func (c *Coordinator) await(ctx context.Context, target *queue.Queue, id string) (json.RawMessage, error) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < c.opts.MaxPolls; attempt++ {
		job, err := target.GetJob(ctx, id)
		switch {
		case err == nil && job.State == queue.StateCompleted:
			return job.ReturnValue, nil
		case err == nil && job.State == queue.StateFailed:
			return nil, fmt.Errorf("job %s on %s: %s: %w", id, target.Name(), job.FailedReason, ErrDelegatedTaskFailed)
		case err != nil && !store.IsNotFound(err):
			c.logger.Warn().Err(err).Str("forwarded_job_id", id).Msg("failed to poll forwarded job")
		}

		<-ticker.C
	}

	return nil, fmt.Errorf("job %s on %s not finished after %d checks: %w", id, target.Name(), c.opts.MaxPolls, ErrDelegatedTaskTimeout)
}

func (c *Coordinator) releaseSlot(log *zerolog.Logger, queueName, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if _, err := c.pool.Release(ctx, queueName, token); err != nil {
		log.Error().Err(err).Msg("failed to release slot")
	}
}

// notifyRelease sends the release notification in the background. It is
// attempted once; failures are logged.
// releaseUndecodable gives back the unit of a job whose payload is not a Task.
// The bot key is read from the payload when possible, else from the job name,
// which the gateway sets to the bot key.
func (c *Coordinator) releaseUndecodable(job *queue.Job, decodeErr error) {
	var partial struct {
		BotKey string `json:"botKey"`
	}
	botKey := job.Name
	if json.Unmarshal(job.Payload, &partial) == nil && partial.BotKey != "" {
		botKey = partial.BotKey
	}
	if botKey == "" {
		c.logger.Error().Err(decodeErr).Str("job_id", job.ID).Msg("undecodable task names no bot, concurrency unit not released")
		return
	}
	c.logger.Warn().Err(decodeErr).Str("job_id", job.ID).Str("bot_key", botKey).Msg("releasing concurrency unit of undecodable task")
	c.notifyRelease(botKey)
}

func (c *Coordinator) notifyRelease(botKey string) {
	if c.notifier == nil {
		return
	}

	c.notifications.Add(1)
	go func() {
		defer c.notifications.Done()

		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()

		if err := c.notifier.NotifyRelease(ctx, botKey); err != nil {
			if !errors.Is(err, ErrNotificationDelivery) {
				err = fmt.Errorf("%w: %v", ErrNotificationDelivery, err)
			}
			logging.Event(&c.logger, "release_notification_failed").
				Err(err).
				Str("bot_key", botKey).
				Msg("release notification not delivered")
			return
		}
		logging.Event(&c.logger, "release_notification_sent").Str("bot_key", botKey).Msg("release notification sent")
	}()
}

func (c *Coordinator) transition(log *zerolog.Logger, state State) {
	logging.Event(log, "dispatch_state").Str("state", string(state)).Msg("dispatch state changed")
}
