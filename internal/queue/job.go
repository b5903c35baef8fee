package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// State is the lifecycle position of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// IsTerminal reports whether the job will not run again.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job is one unit of work on a queue.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Name         string          `json:"name"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	Attempts     int             `json:"attempts"`
	AttemptsMade int             `json:"attemptsMade"`
	BackoffMs    int64           `json:"backoffMs"`
	State        State           `json:"state"`
	FailedReason string          `json:"failedReason,omitempty"`
	ReturnValue  json.RawMessage `json:"returnValue,omitempty"`
	CreatedAtMs  int64           `json:"createdAtMs"`
	ProcessedMs  int64           `json:"processedAtMs,omitempty"`
	FinishedMs   int64           `json:"finishedAtMs,omitempty"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("failed to decode payload of job %s: %w", j.ID, err)
	}
	return nil
}

// CreatedAt returns the enqueue time.
func (j *Job) CreatedAt() time.Time {
	return time.UnixMilli(j.CreatedAtMs)
}

// Options control how a job is enqueued and retried.
type Options struct {
	Priority         int           // Lower is served first
	Attempts         int           // Total runs allowed, including the first; default 1
	BackoffDelay     time.Duration // Base of the exponential retry delay
	DedupeKey        string        // Used as the job id; enqueueing an existing id returns the existing job
	RemoveOnComplete int           // Completed jobs to keep; 0 keeps all
	RemoveOnFail     int           // Failed jobs to keep; 0 keeps all
}

// jobToHash converts a new job and its retention settings to Redis hash fields.
func jobToHash(j *Job, opts Options) []any {
	return []any{
		"id", j.ID,
		"name", j.Name,
		"payload", string(j.Payload),
		"priority", j.Priority,
		"attempts", j.Attempts,
		"attemptsMade", 0,
		"backoffMs", j.BackoffMs,
		"state", string(j.State),
		"createdAt", j.CreatedAtMs,
		"keepCompleted", keepCount(opts.RemoveOnComplete),
		"keepFailed", keepCount(opts.RemoveOnFail),
	}
}

// hashToJob converts a Redis hash back to a Job.
func hashToJob(queue string, hash map[string]string) (*Job, error) {
	ints := map[string]*int{}
	j := &Job{
		ID:           hash["id"],
		Queue:        queue,
		Name:         hash["name"],
		State:        State(hash["state"]),
		FailedReason: hash["failedReason"],
	}
	ints["priority"] = &j.Priority
	ints["attempts"] = &j.Attempts
	ints["attemptsMade"] = &j.AttemptsMade

	for field, dst := range ints {
		if v := hash[field]; v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s field: %w", field, err)
			}
			*dst = n
		}
	}

	j.BackoffMs, _ = strconv.ParseInt(hash["backoffMs"], 10, 64)
	j.CreatedAtMs, _ = strconv.ParseInt(hash["createdAt"], 10, 64)
	j.ProcessedMs, _ = strconv.ParseInt(hash["processedAt"], 10, 64)
	j.FinishedMs, _ = strconv.ParseInt(hash["finishedAt"], 10, 64)

	if p := hash["payload"]; p != "" {
		j.Payload = json.RawMessage(p)
	}
	if r := hash["returnValue"]; r != "" {
		j.ReturnValue = json.RawMessage(r)
	}

	return j, nil
}

// keepCount maps the "0 keeps all" option convention to the scripts' -1.
func keepCount(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}
