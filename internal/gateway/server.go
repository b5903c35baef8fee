package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dyluth/botrelay/internal/admission"
	"github.com/dyluth/botrelay/internal/dispatch"
	"github.com/dyluth/botrelay/internal/metrics"
	"github.com/dyluth/botrelay/internal/queue"
	"github.com/dyluth/botrelay/internal/slotpool"
	"github.com/dyluth/botrelay/pkg/store"
)

const maxBodyBytes = 10 << 20

// Options configure a Server.
type Options struct {
	Addr         string
	AdminAPIKey  string          // X-API-Key value for /admin routes; empty disables them
	SlotDefaults slotpool.Policy // slot policy defaults reported by /admin/slots
	RateLimit    RateLimit       // zero value means DefaultRateLimit
}

// Server is the gateway's HTTP surface.
type Server struct {
	service  *Service
	config   store.ConfigReader
	rdb      redis.Cmdable
	pool     *slotpool.Pool
	policies slotpool.PolicyLoader
	limiter  *ipRateLimiter
	opts     Options
	server   *http.Server
	logger   zerolog.Logger
}

// NewServer creates the HTTP server around a service.
func NewServer(service *Service, rdb redis.Cmdable, config store.ConfigReader, opts Options, logger zerolog.Logger) *Server {
	if opts.RateLimit.Requests <= 0 || opts.RateLimit.Window <= 0 {
		opts.RateLimit = DefaultRateLimit
	}
	return &Server{
		service:  service,
		config:   config,
		rdb:      rdb,
		pool:     slotpool.New(rdb),
		policies: dispatch.NewPolicyLoader(config, opts.SlotDefaults),
		limiter:  newIPRateLimiter(opts.RateLimit),
		opts:     opts,
		logger:   logger,
	}
}

// Handler returns the routed handler. Client-facing routes are rate limited
// per IP; release notifications, health and metrics are not, since the
// dispatcher sends every release from one address.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	limited := s.limiter.middleware

	mux.Handle("POST /invoke", limited(http.HandlerFunc(s.handleInvoke)))
	mux.Handle("GET /job/{jobId}", limited(http.HandlerFunc(s.handleJob)))
	mux.Handle("GET /stats", limited(http.HandlerFunc(s.handleStats)))

	mux.HandleFunc("POST /release-concurrency/{botKey}", s.handleRelease)
	mux.HandleFunc("POST /internal/release-concurrency/{botKey}", s.handleRelease)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.Handle("GET /admin/config/bot-types", limited(s.requireAdmin(s.handleListBots)))
	mux.Handle("GET /admin/config/bot-types/{botType}", limited(s.requireAdmin(s.handleGetBot)))
	mux.Handle("GET /admin/config/bot-groups/{groupId}", limited(s.requireAdmin(s.handleGetGroup)))
	mux.Handle("GET /admin/config/worker-queues/{queueName}", limited(s.requireAdmin(s.handleGetWorkerQueue)))
	mux.Handle("GET /admin/slots/{queueName}", limited(s.requireAdmin(s.handleSlots)))

	return mux
}

// Start listens on Options.Addr in the background until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go s.limiter.run(ctx)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("gateway server error")
		}
	}()

	s.logger.Info().Str("addr", s.opts.Addr).Msg("gateway listening")
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req InvokeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("invalid JSON body: %v: %w", err, ErrBadRequest), newCorrelationID())
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = newCorrelationID()
	}

	resp, err := s.service.Invoke(r.Context(), &req)
	if err != nil {
		s.writeError(w, err, req.CorrelationID)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	botKey := r.PathValue("botKey")
	released, err := s.service.Release(r.Context(), botKey)
	if err != nil {
		s.writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "released",
		"botKey":   botKey,
		"released": released,
	})
}

// JobStatus is the body of GET /job/{jobId}.
type JobStatus struct {
	ID           string          `json:"id"`
	State        queue.State     `json:"state"`
	Data         json.RawMessage `json:"data"`
	Attempts     int             `json:"attempts"`
	AttemptsMade int             `json:"attemptsMade"`
	CreatedAt    time.Time       `json:"createdAt"`
	ProcessedOn  *time.Time      `json:"processedOn"`
	FinishedOn   *time.Time      `json:"finishedOn"`
	FailedReason string          `json:"failedReason,omitempty"`
	ReturnValue  json.RawMessage `json:"returnValue,omitempty"`
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("jobId")
	job, err := s.service.Tasks().GetJob(r.Context(), id)
	if store.IsNotFound(err) {
		s.writeError(w, fmt.Errorf("job %q: %w", id, ErrNotFound), "")
		return
	}
	if err != nil {
		s.writeError(w, err, "")
		return
	}

	writeJSON(w, http.StatusOK, JobStatus{
		ID:           job.ID,
		State:        job.State,
		Data:         job.Payload,
		Attempts:     job.Attempts,
		AttemptsMade: job.AttemptsMade,
		CreatedAt:    job.CreatedAt().UTC(),
		ProcessedOn:  msTime(job.ProcessedMs),
		FinishedOn:   msTime(job.FinishedMs),
		FailedReason: job.FailedReason,
		ReturnValue:  job.ReturnValue,
	})
}

// Stats is the body of GET /stats.
type Stats struct {
	TaskQueue    queue.Counts            `json:"taskQueue"`
	WorkerQueues map[string]queue.Counts `json:"workerQueues"`
	Timestamp    time.Time               `json:"timestamp"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	main, err := s.service.Tasks().Counts(ctx)
	if err != nil {
		s.writeError(w, err, "")
		return
	}

	targets, err := store.TargetQueues(ctx, s.config)
	if err != nil {
		s.writeError(w, err, "")
		return
	}

	stats := Stats{TaskQueue: main, WorkerQueues: make(map[string]queue.Counts), Timestamp: time.Now().UTC()}
	for _, name := range targets {
		counts, err := queue.New(s.rdb, name).Counts(ctx)
		if err != nil {
			s.writeError(w, err, "")
			return
		}
		stats.WorkerQueues[name] = counts
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	body := map[string]string{
		"status":    "healthy",
		"service":   "api-gateway",
		"redis":     "connected",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		body["status"] = "unhealthy"
		body["redis"] = "disconnected"
		body["error"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// requireAdmin guards a handler with the shared X-API-Key secret.
func (s *Server) requireAdmin(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if s.opts.AdminAPIKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.opts.AdminAPIKey)) != 1 {
			s.logger.Warn().Str("path", r.URL.Path).Str("client_ip", clientIP(r)).Msg("failed admin authentication attempt")
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"status": "unauthorized",
				"error":  "missing or invalid API key",
			})
			return
		}
		next(w, r)
	})
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	keys, err := s.config.ListBotKeys(r.Context())
	if err != nil {
		s.writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"botTypes": keys})
}

func (s *Server) handleGetBot(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("botType")
	d, err := s.config.GetBotDescriptor(r.Context(), name)
	s.writeLookup(w, "bot type", name, d, err)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("groupId")
	g, err := s.config.GetBotGroup(r.Context(), id)
	s.writeLookup(w, "bot group", id, g, err)
}

func (s *Server) handleGetWorkerQueue(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("queueName")
	q, err := s.config.GetWorkerQueueOverride(r.Context(), name)
	s.writeLookup(w, "worker queue config", name, q, err)
}

// SlotStatus is the body of GET /admin/slots/{queueName}.
type SlotStatus struct {
	QueueName string `json:"queueName"`
	Limit     int    `json:"limit"`
	TimeoutMs int64  `json:"timeoutMs"`
	InUse     int    `json:"inUse"`
	Available int    `json:"available"`
}

func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := r.PathValue("queueName")

	policy, err := s.policies(ctx, name)
	if err != nil {
		s.writeError(w, err, "")
		return
	}
	inUse, err := s.pool.CurrentCount(ctx, name, policy.Timeout)
	if err != nil {
		s.writeError(w, err, "")
		return
	}

	writeJSON(w, http.StatusOK, SlotStatus{
		QueueName: name,
		Limit:     policy.Limit,
		TimeoutMs: policy.Timeout.Milliseconds(),
		InUse:     inUse,
		Available: max(policy.Limit-inUse, 0),
	})
}

func (s *Server) writeLookup(w http.ResponseWriter, kind, name string, v any, err error) {
	if store.IsNotFound(err) {
		s.writeError(w, fmt.Errorf("%s %q: %w", kind, name, ErrNotFound), "")
		return
	}
	if err != nil {
		s.writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// errorResponse is the body of every non-2xx reply.
type errorResponse struct {
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// writeError maps an error to its HTTP status and body.
func (s *Server) writeError(w http.ResponseWriter, err error, correlationID string) {
	resp := errorResponse{Status: "error", CorrelationID: correlationID}
	code := http.StatusInternalServerError

	switch {
	case admission.IsRejected(err):
		code = http.StatusTooManyRequests
		resp.Status = admission.Status(err)
		resp.Error = err.Error()
	case errors.Is(err, ErrNotFound):
		code = http.StatusNotFound
		resp.Status = ErrNotFound.Error()
		resp.Error = err.Error()
	case errors.Is(err, ErrBadRequest):
		code = http.StatusBadRequest
		resp.Status = ErrBadRequest.Error()
		resp.Error = err.Error()
	default:
		s.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("request failed")
		resp.Error = "internal server error"
	}

	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func msTime(ms int64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
