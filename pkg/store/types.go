package store

import (
	"fmt"
	"regexp"
)

// BotDescriptor is the admin-plane definition of a single bot.
// Descriptors are immutable per version; the core only ever reads them.
type BotDescriptor struct {
	BotType           string            `json:"botType"`                   // Unique bot key
	RuntimeType       string            `json:"runtimeType,omitempty"`     // Informational (python, node, java...)
	WorkerTargetQueue string            `json:"workerTargetQueue"`         // Queue the dispatcher forwards tasks to
	Description       string            `json:"description,omitempty"`
	DefaultPriority   *int              `json:"defaultPriority,omitempty"` // Lower is served first; default 10
	RetryAttempts     *int              `json:"retryAttempts,omitempty"`   // Attempts on the main queue; default 1
	Concurrency       *ConcurrencyLimit `json:"concurrency,omitempty"`     // Max simultaneous executions
	Cadence           *CadenceRule      `json:"cadence,omitempty"`         // Minimum spacing between executions
}

// ConcurrencyLimit bounds the number of simultaneous executions of a bot.
type ConcurrencyLimit struct {
	Limit int `json:"limit"`
}

// CadenceRule is the minimum interval between admitted executions of a bot,
// optionally with a burst allowance of MaxPerInterval executions per interval.
type CadenceRule struct {
	IntervalSeconds int `json:"intervalSeconds"`
	MaxPerInterval  int `json:"maxPerInterval,omitempty"`
}

const (
	// DefaultPriority applies when a descriptor does not set one.
	DefaultPriority = 10

	// DefaultRetryAttempts applies when a descriptor does not set one.
	DefaultRetryAttempts = 1
)

// Priority returns the descriptor's default priority or DefaultPriority.
func (d *BotDescriptor) Priority() int {
	if d.DefaultPriority == nil {
		return DefaultPriority
	}
	return *d.DefaultPriority
}

// Attempts returns the descriptor's retry budget or DefaultRetryAttempts.
func (d *BotDescriptor) Attempts() int {
	if d.RetryAttempts == nil || *d.RetryAttempts < 1 {
		return DefaultRetryAttempts
	}
	return *d.RetryAttempts
}

// HasConcurrencyLimit reports whether admission must go through the concurrency gate.
func (d *BotDescriptor) HasConcurrencyLimit() bool {
	return d.Concurrency != nil && d.Concurrency.Limit > 0
}

// HasCadence reports whether admission must go through the cadence gate.
func (d *BotDescriptor) HasCadence() bool {
	return d.Cadence != nil && d.Cadence.IntervalSeconds > 0
}

// Validate checks that the descriptor can be dispatched.
func (d *BotDescriptor) Validate() error {
	if d.BotType == "" {
		return fmt.Errorf("botType cannot be empty")
	}

	if d.WorkerTargetQueue == "" {
		return fmt.Errorf("bot %q: workerTargetQueue cannot be empty", d.BotType)
	}

	if d.Concurrency != nil && d.Concurrency.Limit < 0 {
		return fmt.Errorf("bot %q: concurrency.limit must be >= 0, got %d", d.BotType, d.Concurrency.Limit)
	}

	if d.Cadence != nil {
		if d.Cadence.IntervalSeconds < 0 {
			return fmt.Errorf("bot %q: cadence.intervalSeconds must be >= 0, got %d", d.BotType, d.Cadence.IntervalSeconds)
		}
		if d.Cadence.MaxPerInterval < 0 {
			return fmt.Errorf("bot %q: cadence.maxPerInterval must be >= 0, got %d", d.BotType, d.Cadence.MaxPerInterval)
		}
	}

	return nil
}

// BotGroup is a named set of interchangeable bots plus one selection rule.
type BotGroup struct {
	GroupID       string        `json:"groupId"`
	Name          string        `json:"name,omitempty"`
	Description   string        `json:"description,omitempty"`
	BotTypes      []string      `json:"botTypes"`
	ExecutionRule ExecutionRule `json:"executionRule"`
}

// Validate checks the group's identity and rule shape. Member existence is not
// checked here: unregistered members are skipped at routing time.
func (g *BotGroup) Validate() error {
	if g.GroupID == "" {
		return fmt.Errorf("groupId cannot be empty")
	}

	if len(g.BotTypes) == 0 {
		return fmt.Errorf("group %q: botTypes cannot be empty", g.GroupID)
	}

	if err := g.ExecutionRule.Validate(); err != nil {
		return fmt.Errorf("group %q: %w", g.GroupID, err)
	}

	return nil
}

// WorkerQueueConfig overrides the self-expiring slot pool policy of one target queue.
type WorkerQueueConfig struct {
	QueueName      string `json:"queueName"`
	Description    string `json:"description,omitempty"`
	MaxConcurrency *int   `json:"maxConcurrency,omitempty"`
	TimeoutMs      *int   `json:"timeoutMs,omitempty"`
}

// Validate checks the override values.
func (w *WorkerQueueConfig) Validate() error {
	if w.QueueName == "" {
		return fmt.Errorf("queueName cannot be empty")
	}

	if w.MaxConcurrency != nil && *w.MaxConcurrency < 0 {
		return fmt.Errorf("queue %q: maxConcurrency must be >= 0", w.QueueName)
	}

	if w.TimeoutMs != nil && *w.TimeoutMs < 0 {
		return fmt.Errorf("queue %q: timeoutMs must be >= 0", w.QueueName)
	}

	return nil
}

// clockPattern matches the "HH:mm" strings used by time-based rules.
var clockPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)
