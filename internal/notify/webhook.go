package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	apperrors "market-alerts/internal/errors"
	"market-alerts/internal/logging"
	"market-alerts/internal/resilience"
	"market-alerts/pkg/utils"
)

// DefaultWebhookTimeout bounds a single webhook request.
const DefaultWebhookTimeout = 5 * time.Second

// WebhookConfig configures a webhook channel.
type WebhookConfig struct {
	Name    string
	URL     string
	Timeout time.Duration
	// MaxAttempts is the number of POSTs per delivery. 0 or 1 means a
	// single attempt.
	MaxAttempts int
	// RetryDelay is the wait before the second attempt; it doubles after that.
	// Zero uses the default retry delay.
	RetryDelay time.Duration
	// Breaker guards the endpoint. Nil disables circuit breaking.
	Breaker *resilience.CircuitBreaker
}

// WebhookChannel POSTs notifications as JSON to a URL.
type WebhookChannel struct {
	name    string
	url     string
	client  *http.Client
	retry   utils.RetryConfig
	breaker *resilience.CircuitBreaker
}

// statusError is a non-2xx webhook response.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("webhook returned status %d", e.code)
}

// NewWebhookChannel creates a webhook channel.
func NewWebhookChannel(cfg WebhookConfig) *WebhookChannel {
	if cfg.Name == "" {
		cfg.Name = "webhook"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWebhookTimeout
	}

	retry := utils.NoRetry()
	if cfg.MaxAttempts > 1 {
		retry = utils.DefaultRetryConfig()
		retry.MaxAttempts = cfg.MaxAttempts
		if cfg.RetryDelay > 0 {
			retry.InitialDelay = cfg.RetryDelay
		}
		retry.MaxDelay = cfg.Timeout
		retry.Retryable = retryable
	}

	return &WebhookChannel{
		name:    cfg.Name,
		url:     cfg.URL,
		client:  &http.Client{Timeout: cfg.Timeout},
		retry:   retry,
		breaker: cfg.Breaker,
	}
}

// retryable reports whether a failed POST is worth repeating. Client errors
// (4xx) and an open circuit are final.
func retryable(err error) bool {
	if errors.Is(err, apperrors.ErrCircuitOpen) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return true
}

// Name returns the name of the channel.
func (w *WebhookChannel) Name() string {
	return w.name
}

// IsRemote reports that this channel makes network calls.
func (w *WebhookChannel) IsRemote() bool {
	return true
}

// String returns the channel name and masked URL.
func (w *WebhookChannel) String() string {
	return fmt.Sprintf("%s (%s)", w.name, logging.MaskURL(w.url))
}

// Send posts the notification.
func (w *WebhookChannel) Send(ctx context.Context, n Notification) error {
	if w.url == "" {
		return fmt.Errorf("webhook %q has no url configured", w.name)
	}

	payload := map[string]interface{}{
		"type":      n.Type,
		"title":     n.Title,
		"message":   n.Message,
		"data":      n.Data,
		"timestamp": n.Timestamp.Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	return utils.Retry(ctx, w.retry, func() error {
		if w.breaker == nil {
			return w.post(ctx, body)
		}
		return w.breaker.Execute(ctx, func(ctx context.Context) error {
			return w.post(ctx, body)
		})
	})
}

func (w *WebhookChannel) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "MarketAlerts/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		var ue *url.Error
		if errors.As(err, &ue) {
			ue.URL = logging.MaskURL(ue.URL)
		}
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}
