// Package gateway is the inbound side of botrelay: it resolves invocation
// targets, runs admission and enqueues admitted tasks for the dispatcher.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dyluth/botrelay/internal/admission"
	"github.com/dyluth/botrelay/internal/dispatch"
	"github.com/dyluth/botrelay/internal/logging"
	"github.com/dyluth/botrelay/internal/queue"
	"github.com/dyluth/botrelay/internal/routing"
	"github.com/dyluth/botrelay/pkg/store"
)

var (
	// ErrNotFound is returned for unknown bots and groups, and groups with no registered bot.
	ErrNotFound = errors.New("not_found")
	// ErrBadRequest is returned for malformed invocation requests.
	ErrBadRequest = errors.New("bad_request")
)

// Retention and retry policy of main-queue jobs.
const (
	taskBackoff       = 2 * time.Second
	taskKeepCompleted = 50
	taskKeepFailed    = 20
)

// InvokeRequest asks for one execution of a bot, or of a bot picked from a group.
type InvokeRequest struct {
	Target          string         `json:"target"` // "bot:<key>" or "group:<key>"
	Params          map[string]any `json:"params"`
	CallbackAddress string         `json:"callbackAddress"`
	CorrelationID   string         `json:"correlationId,omitempty"`
	Priority        *int           `json:"priority,omitempty"`
}

// InvokeResponse describes an enqueued task.
type InvokeResponse struct {
	Status        string `json:"status"`
	JobID         string `json:"jobId"`
	BotKey        string `json:"botKey"`
	Priority      int    `json:"priority"`
	CorrelationID string `json:"correlationId"`
}

// Service implements invocation and release on top of the shared store.
type Service struct {
	config    store.ConfigReader
	router    *routing.Engine
	admission *admission.Controller
	tasks     *queue.Queue
	logger    zerolog.Logger
	now       func() time.Time
}

// NewService creates a service. Configuration is read through config; gates,
// counters and queues live in rdb.
func NewService(rdb redis.Cmdable, config store.ConfigReader, logger zerolog.Logger) *Service {
	return &Service{
		config:    config,
		router:    routing.NewEngine(config, rdb, logger),
		admission: admission.NewController(rdb, logger),
		tasks:     queue.New(rdb, dispatch.MainQueue),
		logger:    logging.Component(logger, "gateway"),
		now:       time.Now,
	}
}

// Router exposes the routing engine, for tests that pin its random source or clock.
func (s *Service) Router() *routing.Engine {
	return s.router
}

// Admission exposes the admission controller.
func (s *Service) Admission() *admission.Controller {
	return s.admission
}

// Tasks exposes the main queue.
func (s *Service) Tasks() *queue.Queue {
	return s.tasks
}

// Invoke resolves the request target, admits it and enqueues a task.
// req.CorrelationID must already be set.
func (s *Service) Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	botKey, err := s.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	desc, err := s.config.GetBotDescriptor(ctx, botKey)
	if store.IsNotFound(err) {
		return nil, fmt.Errorf("bot %q is not registered: %w", botKey, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := desc.Validate(); err != nil {
		s.logger.Warn().Err(err).Str("bot_key", botKey).Msg("bot has an invalid descriptor")
		return nil, fmt.Errorf("bot %q is not usable: %v: %w", botKey, err, ErrNotFound)
	}

	decision, err := s.admission.Admit(ctx, desc)
	if err != nil {
		return nil, err
	}

	priority := desc.Priority()
	if req.Priority != nil {
		priority = *req.Priority
	}

	task := dispatch.Task{
		BotKey:          botKey,
		TargetQueue:     desc.WorkerTargetQueue,
		Params:          req.Params,
		CallbackAddress: req.CallbackAddress,
		Priority:        priority,
		CorrelationID:   req.CorrelationID,
		RetryBudget:     desc.Attempts(),
		CreatedAtMs:     s.now().UnixMilli(),
	}

	job, err := s.tasks.Enqueue(ctx, botKey, task, queue.Options{
		Priority:         priority,
		Attempts:         task.RetryBudget,
		BackoffDelay:     taskBackoff,
		RemoveOnComplete: taskKeepCompleted,
		RemoveOnFail:     taskKeepFailed,
	})
	if err != nil {
		s.admission.Rollback(context.WithoutCancel(ctx), decision)
		return nil, err
	}

	logging.Event(&s.logger, "task_enqueued").
		Str("job_id", job.ID).
		Str("bot_key", botKey).
		Str("target_queue", task.TargetQueue).
		Int("priority", priority).
		Str("correlation_id", req.CorrelationID).
		Msg("task enqueued")

	return &InvokeResponse{
		Status:        "enqueued",
		JobID:         job.ID,
		BotKey:        botKey,
		Priority:      priority,
		CorrelationID: req.CorrelationID,
	}, nil
}

// Release gives back one concurrency unit of botKey. Idempotent at zero.
func (s *Service) Release(ctx context.Context, botKey string) (bool, error) {
	return s.admission.Release(ctx, botKey)
}

func (s *Service) resolve(ctx context.Context, req *InvokeRequest) (string, error) {
	kind, key, _ := strings.Cut(req.Target, ":")

	switch kind {
	case "bot":
		return key, nil
	case "group":
		group, err := s.config.GetBotGroup(ctx, key)
		if store.IsNotFound(err) {
			return "", fmt.Errorf("group %q does not exist: %w", key, ErrNotFound)
		}
		if err != nil {
			return "", err
		}

		botKey, ok, err := s.router.Select(ctx, group, req.Params)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("group %q has no registered bot: %w", key, ErrNotFound)
		}
		return botKey, nil
	default:
		return "", fmt.Errorf("target %q must be bot:<key> or group:<key>: %w", req.Target, ErrBadRequest)
	}
}

func validate(req *InvokeRequest) error {
	kind, key, found := strings.Cut(req.Target, ":")
	if !found || key == "" || (kind != "bot" && kind != "group") {
		return fmt.Errorf("target %q must be bot:<key> or group:<key>: %w", req.Target, ErrBadRequest)
	}

	if req.CallbackAddress == "" {
		return fmt.Errorf("callbackAddress is required: %w", ErrBadRequest)
	}
	u, err := url.ParseRequestURI(req.CallbackAddress)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("callbackAddress %q is not a valid http(s) URL: %w", req.CallbackAddress, ErrBadRequest)
	}

	if req.Priority != nil && *req.Priority < 0 {
		return fmt.Errorf("priority must be >= 0: %w", ErrBadRequest)
	}
	return nil
}

// newCorrelationID generates a correlation id for requests that carry none.
func newCorrelationID() string {
	return uuid.New().String()
}
