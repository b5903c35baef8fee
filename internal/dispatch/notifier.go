package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Notifier tells the admission layer that a bot's concurrency unit can be released.
type Notifier interface {
	NotifyRelease(ctx context.Context, botKey string) error
}

// HTTPNotifier posts release notifications to the gateway.
type HTTPNotifier struct {
	baseURL string
	client  *http.Client
}

// NewHTTPNotifier creates a notifier for the gateway at baseURL.
func NewHTTPNotifier(baseURL string, timeout time.Duration) *HTTPNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPNotifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// NotifyRelease sends POST {baseURL}/release-concurrency/{botKey} once.
// Failures wrap ErrNotificationDelivery.
func (n *HTTPNotifier) NotifyRelease(ctx context.Context, botKey string) error {
	endpoint := n.baseURL + "/release-concurrency/" + url.PathEscape(botKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotificationDelivery, err)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotificationDelivery, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: gateway returned %d for %s", ErrNotificationDelivery, resp.StatusCode, botKey)
	}
	return nil
}
