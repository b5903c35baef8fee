// Package queue implements a Redis-backed priority job queue.
//
// Jobs are served lowest priority number first, FIFO within a priority. A job
// that fails is retried with exponential backoff until its attempts are spent,
// then kept in the failed set. Every state transition is one Lua script, so any
// number of producers and consumers may share a queue across processes.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotActive is returned when completing or failing a job that is not active.
var ErrNotActive = errors.New("job is not active")

// Queue is a handle on one named queue. Safe for concurrent use.
type Queue struct {
	rdb  redis.Cmdable
	name string
	keys keys
	now  func() time.Time
}

// New returns a handle on the queue called name.
func New(rdb redis.Cmdable, name string) *Queue {
	return &Queue{rdb: rdb, name: name, keys: newKeys(name), now: time.Now}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Enqueue adds a job whose payload is the JSON encoding of payload.
// With a DedupeKey, enqueueing an id that still exists returns the existing job.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any, opts Options) (*Job, error) {
	return q.enqueue(ctx, name, payload, opts, 0)
}

// EnqueueDelayed adds a job that becomes claimable after delay.
func (q *Queue) EnqueueDelayed(ctx context.Context, name string, payload any, opts Options, delay time.Duration) (*Job, error) {
	return q.enqueue(ctx, name, payload, opts, delay)
}

func (q *Queue) enqueue(ctx context.Context, name string, payload any, opts Options, delay time.Duration) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	id := opts.DedupeKey
	if id == "" {
		id = uuid.New().String()
	}
	attempts := opts.Attempts
	if attempts < 1 {
		attempts = 1
	}

	now := q.now()
	job := &Job{
		ID:          id,
		Queue:       q.name,
		Name:        name,
		Payload:     data,
		Priority:    opts.Priority,
		Attempts:    attempts,
		BackoffMs:   opts.BackoffDelay.Milliseconds(),
		State:       StateWaiting,
		CreatedAtMs: now.UnixMilli(),
	}

	var readyAt int64
	if delay > 0 {
		readyAt = now.Add(delay).UnixMilli()
		job.State = StateDelayed
	}

	args := append([]any{id, job.Priority, readyAt}, jobToHash(job, opts)...)
	res, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.keys.job(id), q.keys.waiting, q.keys.seq, q.keys.delayed},
		args...,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job on %s: %w", q.name, err)
	}

	if created, _ := res[1].(int64); created == 0 {
		return q.GetJob(ctx, id)
	}
	return job, nil
}

// Claim moves the next ready job to active and returns it.
// Returns (nil, nil) when nothing is ready.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	id, err := claimScript.Run(ctx, q.rdb,
		[]string{q.keys.waiting, q.keys.delayed, q.keys.active, q.keys.seq},
		q.now().UnixMilli(), q.keys.jobPrefix,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job from %s: %w", q.name, err)
	}
	return q.GetJob(ctx, id)
}

// Complete marks an active job completed with an optional JSON-encodable result.
func (q *Queue) Complete(ctx context.Context, job *Job, result any) error {
	data := []byte("null")
	if result != nil {
		var err error
		if data, err = json.Marshal(result); err != nil {
			return fmt.Errorf("failed to marshal result of job %s: %w", job.ID, err)
		}
	}

	ok, err := completeScript.Run(ctx, q.rdb,
		[]string{q.keys.active, q.keys.completed},
		q.keys.jobPrefix, job.ID, q.now().UnixMilli(), string(data),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}
	if ok == 0 {
		return fmt.Errorf("complete %s: %w", job.ID, ErrNotActive)
	}
	job.State = StateCompleted
	job.ReturnValue = data
	return nil
}

// Fail records a failed run. The job is scheduled for retry while attempts
// remain, and retrying reports whether that happened.
func (q *Queue) Fail(ctx context.Context, job *Job, reason string) (retrying bool, err error) {
	delay := int64(-1)
	if job.AttemptsMade < job.Attempts {
		delay = RetryDelay(time.Duration(job.BackoffMs)*time.Millisecond, job.AttemptsMade).Milliseconds()
	}

	res, err := failScript.Run(ctx, q.rdb,
		[]string{q.keys.active, q.keys.failed, q.keys.delayed},
		q.keys.jobPrefix, job.ID, q.now().UnixMilli(), reason, delay,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to fail job %s: %w", job.ID, err)
	}

	switch res {
	case -1:
		return false, fmt.Errorf("fail %s: %w", job.ID, ErrNotActive)
	case 1:
		job.State = StateDelayed
		job.FailedReason = reason
		return true, nil
	default:
		job.State = StateFailed
		job.FailedReason = reason
		return false, nil
	}
}

// StalledReason is the failure reason recorded by FailStalled.
const StalledReason = "job stalled: its consumer stopped before finishing it"

// FailStalled fails every active job claimed more than maxAge ago, the same way
// Fail does for a consumer-reported error: jobs with attempts left are retried.
// It returns the jobs it moved, with their new state.
func (q *Queue) FailStalled(ctx context.Context, maxAge time.Duration) ([]*Job, error) {
	ids, err := q.rdb.SMembers(ctx, q.keys.active).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs on %s: %w", q.name, err)
	}

	cutoff := q.now().Add(-maxAge).UnixMilli()
	var stalled []*Job
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if errors.Is(err, redis.Nil) {
			// the hash was removed under the job; only the index entry is left
			q.rdb.SRem(ctx, q.keys.active, id)
			continue
		}
		if err != nil {
			return stalled, err
		}
		if job.ProcessedMs > cutoff {
			continue
		}

		if _, err := q.Fail(ctx, job, StalledReason); err != nil {
			if errors.Is(err, ErrNotActive) {
				continue
			}
			return stalled, err
		}
		stalled = append(stalled, job)
	}
	return stalled, nil
}

// RetryDelay is the wait before retry n (1-based) of a job with the given base
// delay: base, 2*base, 4*base, ...
func RetryDelay(base time.Duration, n int) time.Duration {
	if base <= 0 || n < 1 {
		return 0
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 24 * time.Hour
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}

// GetJob loads a job by id. Returns (nil, redis.Nil) if it does not exist.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	hash, err := q.rdb.HGetAll(ctx, q.keys.job(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", id, err)
	}
	if len(hash) == 0 {
		return nil, redis.Nil
	}
	return hashToJob(q.name, hash)
}

// State returns a job's state. Returns ("", redis.Nil) if the job does not exist
// (never enqueued, cleaned, or trimmed after finishing).
func (q *Queue) State(ctx context.Context, id string) (State, error) {
	s, err := q.rdb.HGet(ctx, q.keys.job(id), "state").Result()
	if errors.Is(err, redis.Nil) {
		return "", redis.Nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read state of job %s: %w", id, err)
	}
	return State(s), nil
}

// Counts is the number of jobs per state.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Counts returns the number of jobs in each state.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, q.keys.waiting)
	delayed := pipe.ZCard(ctx, q.keys.delayed)
	active := pipe.SCard(ctx, q.keys.active)
	completed := pipe.ZCard(ctx, q.keys.completed)
	failed := pipe.ZCard(ctx, q.keys.failed)
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("failed to count jobs on %s: %w", q.name, err)
	}

	return Counts{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// Clean deletes up to limit jobs in a finished state that finished more than
// grace ago. A limit of 0 removes all of them. Returns the number removed.
func (q *Queue) Clean(ctx context.Context, state State, grace time.Duration, limit int) (int, error) {
	set, ok := q.keys.finished(state)
	if !ok {
		return 0, fmt.Errorf("cannot clean %s jobs: only completed and failed jobs can be cleaned", state)
	}

	cutoff := q.now().Add(-grace).UnixMilli()
	n, err := cleanScript.Run(ctx, q.rdb, []string{set}, q.keys.jobPrefix, cutoff, limit).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to clean %s jobs on %s: %w", state, q.name, err)
	}
	return n, nil
}
