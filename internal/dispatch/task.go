// Package dispatch forwards admitted tasks to their target worker queues.
//
// A dispatcher claims tasks from the main queue, takes a self-expiring slot on
// the task's target queue, forwards the task there and waits for the forwarded
// job to finish. Whatever the outcome, it then gives the slot back and tells the
// gateway to release the bot's concurrency unit.
package dispatch

import (
	"errors"
	"time"
)

// MainQueue is the queue the gateway enqueues admitted tasks on.
const MainQueue = "bot-tasks"

var (
	// ErrDelegatedTaskFailed is returned when the forwarded job ends failed.
	ErrDelegatedTaskFailed = errors.New("delegated task failed")
	// ErrDelegatedTaskTimeout is returned when the forwarded job does not finish in time.
	ErrDelegatedTaskTimeout = errors.New("delegated task timeout")
	// ErrNotificationDelivery wraps release notification failures. They are logged, never returned.
	ErrNotificationDelivery = errors.New("release notification delivery failed")
)

// Task is the payload of a main-queue job, and of the job forwarded to the target queue.
type Task struct {
	BotKey          string         `json:"botKey"`
	TargetQueue     string         `json:"targetQueue"`
	Params          map[string]any `json:"params"`
	CallbackAddress string         `json:"callbackAddress"`
	Priority        int            `json:"priority"`
	CorrelationID   string         `json:"correlationId"`
	RetryBudget     int            `json:"retryBudget"`
	CreatedAtMs     int64          `json:"createdAtMs"`
}

// CreatedAt returns the time the gateway admitted the task.
func (t *Task) CreatedAt() time.Time {
	return time.UnixMilli(t.CreatedAtMs)
}

// State is the position of one task in the dispatch state machine.
type State string

const (
	StateClaimed        State = "CLAIMED"
	StateSlotPending    State = "SLOT_PENDING"
	StateSlotHeld       State = "SLOT_HELD"
	StateDelegated      State = "DELEGATED"
	StateAwaitingResult State = "AWAITING_RESULT"
	StateDone           State = "DONE"
	StateFailed         State = "FAILED"
)
