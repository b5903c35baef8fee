package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyluth/botrelay/internal/metrics"
)

// Handler processes one claimed job. A nil error completes the job with result;
// an error fails the run (and schedules a retry while attempts remain).
type Handler func(ctx context.Context, job *Job) (result any, err error)

// DefaultPollInterval is how long an idle consumer goroutine waits before claiming again.
const DefaultPollInterval = 200 * time.Millisecond

// Consumer runs a fixed number of goroutines that claim and process jobs.
type Consumer struct {
	queue        *Queue
	handler      Handler
	concurrency  int
	pollInterval time.Duration
	logger       zerolog.Logger
	wg           sync.WaitGroup
}

// NewConsumer creates a consumer processing up to concurrency jobs at once.
func NewConsumer(q *Queue, concurrency int, handler Handler, logger zerolog.Logger) *Consumer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Consumer{
		queue:        q,
		handler:      handler,
		concurrency:  concurrency,
		pollInterval: DefaultPollInterval,
		logger:       logger.With().Str("queue", q.Name()).Logger(),
	}
}

// WithPollInterval overrides the idle wait between claims.
func (c *Consumer) WithPollInterval(d time.Duration) *Consumer {
	if d > 0 {
		c.pollInterval = d
	}
	return c
}

// Run blocks until ctx is cancelled and every in-flight job has finished.
// Jobs already claimed run to completion on a context detached from ctx.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info().Int("concurrency", c.concurrency).Msg("consumer starting")

	for i := 0; i < c.concurrency; i++ {
		c.wg.Add(1)
		go c.loop(ctx)
	}

	<-ctx.Done()
	c.logger.Info().Msg("shutdown signal received, waiting for in-flight jobs")
	c.wg.Wait()
	c.logger.Info().Msg("consumer stopped")
	return nil
}

func (c *Consumer) loop(ctx context.Context) {
	defer c.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := c.queue.Claim(ctx)
		if err != nil && ctx.Err() == nil {
			c.logger.Error().Err(err).Msg("claim failed")
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.pollInterval):
			}
			continue
		}

		c.process(context.WithoutCancel(ctx), job)
	}
}

func (c *Consumer) process(ctx context.Context, job *Job) {
	result, err := c.handler(ctx, job)
	if err == nil {
		if cerr := c.queue.Complete(ctx, job, result); cerr != nil {
			c.logger.Error().Err(cerr).Str("job_id", job.ID).Msg("failed to mark job completed")
			return
		}
		metrics.QueueJobsProcessed.WithLabelValues(c.queue.Name(), string(StateCompleted)).Inc()
		return
	}

	retrying, ferr := c.queue.Fail(ctx, job, err.Error())
	if ferr != nil {
		c.logger.Error().Err(ferr).Str("job_id", job.ID).Msg("failed to mark job failed")
		return
	}

	status := string(StateFailed)
	if retrying {
		status = "retrying"
	}
	metrics.QueueJobsProcessed.WithLabelValues(c.queue.Name(), status).Inc()
	c.logger.Warn().Err(err).
		Str("job_id", job.ID).
		Int("attempts_made", job.AttemptsMade).
		Int("attempts", job.Attempts).
		Bool("retrying", retrying).
		Msg("job run failed")
}
