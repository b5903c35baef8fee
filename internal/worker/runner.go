package worker

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dyluth/botrelay/internal/dispatch"
	"github.com/dyluth/botrelay/internal/logging"
	"github.com/dyluth/botrelay/internal/metrics"
	"github.com/dyluth/botrelay/internal/queue"
)

const serviceName = "worker"

// Runner consumes one target queue, executing each forwarded task and posting
// the result to the task's callback address.
type Runner struct {
	queue       *queue.Queue
	executor    Executor
	callbacks   *CallbackSender
	concurrency int
	node        string
	logger      zerolog.Logger
}

// NewRunner creates a runner for queueName.
func NewRunner(rdb redis.Cmdable, queueName string, executor Executor, callbacks *CallbackSender, concurrency int, logger zerolog.Logger) *Runner {
	node, _ := os.Hostname()
	return &Runner{
		queue:       queue.New(rdb, queueName),
		executor:    executor,
		callbacks:   callbacks,
		concurrency: concurrency,
		node:        node,
		logger:      logging.Component(logger, "worker").With().Str("queue", queueName).Logger(),
	}
}

// Run processes jobs until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	return queue.NewConsumer(r.queue, r.concurrency, r.Handle, r.logger).Run(ctx)
}

// Handle executes one forwarded job. A failed run's callback is only sent once
// the job has no attempts left, so the callback address hears about each task once.
func (r *Runner) Handle(ctx context.Context, job *queue.Job) (any, error) {
	var task dispatch.Task
	if err := job.Decode(&task); err != nil {
		return nil, err
	}

	started := time.Now()
	result, err := r.executor.Execute(ctx, &task)
	duration := time.Since(started)

	status := "completed"
	if err != nil {
		status = "failed"
	}
	metrics.BotExecutions.WithLabelValues(task.BotKey, status, serviceName).Inc()
	metrics.BotExecutionDuration.WithLabelValues(task.BotKey, serviceName).Observe(duration.Seconds())

	log := r.logger.With().
		Str("job_id", job.ID).
		Str("bot_key", task.BotKey).
		Str("correlation_id", task.CorrelationID).
		Dur("duration", duration).
		Logger()

	if err != nil {
		log.Warn().Err(err).Int("attempts_made", job.AttemptsMade).Msg("bot execution failed")
		if job.AttemptsMade >= job.Attempts {
			r.deliver(ctx, &log, &task, job.ID, &CallbackPayload{Success: false, Error: err.Error(), DurationMs: duration.Milliseconds()})
		}
		return nil, err
	}

	logging.Event(&log, "bot_executed").Msg("bot execution completed")
	r.deliver(ctx, &log, &task, job.ID, &CallbackPayload{Success: true, Data: result, DurationMs: duration.Milliseconds()})
	return json.RawMessage(result), nil
}

func (r *Runner) deliver(ctx context.Context, log *zerolog.Logger, task *dispatch.Task, jobID string, payload *CallbackPayload) {
	if task.CallbackAddress == "" {
		return
	}

	payload.JobID = jobID
	payload.BotKey = task.BotKey
	payload.CorrelationID = task.CorrelationID
	payload.ExecutionNode = r.node
	payload.Timestamp = time.Now().UTC()

	if err := r.callbacks.Send(ctx, task.CallbackAddress, payload); err != nil {
		log.Error().Err(err).Msg("result callback not delivered")
		return
	}
	logging.Event(log, "callback_delivered").Bool("success", payload.Success).Msg("result callback delivered")
}
