package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyluth/botrelay/internal/metrics"
)

// Pinger reports whether the shared store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthServer serves /healthz and /metrics for the dispatcher process.
type HealthServer struct {
	addr    string
	pinger  Pinger
	service string
	server  *http.Server
	logger  zerolog.Logger
}

// NewHealthServer creates a health server listening on addr once started.
func NewHealthServer(addr string, pinger Pinger, service string, logger zerolog.Logger) *HealthServer {
	return &HealthServer{
		addr:    addr,
		pinger:  pinger,
		service: service,
		logger:  logger,
	}
}

// Handler returns the mux with the health and metrics routes.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthCheckHandler)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start starts the HTTP server in the background.
func (h *HealthServer) Start() error {
	h.server = &http.Server{
		Addr:         h.addr,
		Handler:      h.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error().Err(err).Msg("health server error")
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the server.
func (h *HealthServer) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// healthCheckHandler handles GET /healthz requests.
// Returns 200 OK if Redis is reachable, 503 Service Unavailable otherwise.
func (h *HealthServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Service:   h.service,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Redis:     "connected",
	}
	code := http.StatusOK

	if err := h.pinger.Ping(ctx); err != nil {
		response.Status = "unhealthy"
		response.Redis = "disconnected"
		response.Error = err.Error()
		code = http.StatusServiceUnavailable
	}

	writeHealth(w, code, response)
}

// HealthResponse is the JSON body of /healthz.
type HealthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Timestamp string `json:"timestamp"`
	Redis     string `json:"redis,omitempty"`
	Error     string `json:"error,omitempty"`
}

// writeHealth writes a health response with the given status code.
func writeHealth(w http.ResponseWriter, code int, response HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(response)
}
