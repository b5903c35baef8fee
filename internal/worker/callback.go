package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dyluth/botrelay/internal/metrics"
)

// CallbackPayload is what the worker posts to a task's callback address.
type CallbackPayload struct {
	JobID         string          `json:"jobId"`
	BotKey        string          `json:"botKey"`
	CorrelationID string          `json:"correlationId"`
	Success       bool            `json:"success"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         string          `json:"error,omitempty"`
	ExecutionNode string          `json:"executionNode,omitempty"`
	DurationMs    int64           `json:"durationMs"`
	Timestamp     time.Time       `json:"timestamp"`
}

// CallbackSender posts results to callback addresses. One attempt per result;
// redelivery belongs to whatever sits behind the callback address.
type CallbackSender struct {
	client *http.Client
}

// NewCallbackSender creates a sender whose requests time out after timeout.
func NewCallbackSender(timeout time.Duration) *CallbackSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CallbackSender{client: &http.Client{Timeout: timeout}}
}

// Send posts payload to address as JSON.
func (s *CallbackSender) Send(ctx context.Context, address string, payload *CallbackPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal callback payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, address, bytes.NewReader(body))
	if err != nil {
		metrics.CallbackDeliveries.WithLabelValues("failed", "0").Inc()
		return fmt.Errorf("invalid callback address %q: %w", address, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.CallbackDeliveries.WithLabelValues("failed", "0").Inc()
		return fmt.Errorf("callback to %s failed: %w", address, err)
	}
	defer resp.Body.Close()

	code := strconv.Itoa(resp.StatusCode)
	if resp.StatusCode >= 300 {
		metrics.CallbackDeliveries.WithLabelValues("failed", code).Inc()
		return fmt.Errorf("callback to %s returned %d", address, resp.StatusCode)
	}

	metrics.CallbackDeliveries.WithLabelValues("success", code).Inc()
	return nil
}
