package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/agrosense/agrosense/mcp"
)

// WebhookTrigger posts alert payloads to an external workflow webhook
// (an n8n-style automation endpoint). Deliveries carry the payload's
// idempotency key in both the body and a header so redelivered alerts
// deduplicate on the receiving side.
type WebhookTrigger struct {
	url         string
	httpClient  *http.Client
	maxAttempts int
	backoffBase time.Duration
	logger      *slog.Logger
}

// WebhookOption configures a WebhookTrigger.
type WebhookOption func(*WebhookTrigger)

// WithWebhookHTTPClient sets the HTTP client.
func WithWebhookHTTPClient(client *http.Client) WebhookOption {
	return func(t *WebhookTrigger) {
		t.httpClient = client
	}
}

// WithWebhookRetry sets the delivery attempt budget and base backoff.
func WithWebhookRetry(maxAttempts int, backoffBase time.Duration) WebhookOption {
	return func(t *WebhookTrigger) {
		if maxAttempts > 0 {
			t.maxAttempts = maxAttempts
		}
		if backoffBase > 0 {
			t.backoffBase = backoffBase
		}
	}
}

// WithWebhookLogger sets the logger.
func WithWebhookLogger(logger *slog.Logger) WebhookOption {
	return func(t *WebhookTrigger) {
		t.logger = logger
	}
}

// NewWebhookTrigger creates a trigger for the given webhook URL.
func NewWebhookTrigger(url string, opts ...WebhookOption) *WebhookTrigger {
	t := &WebhookTrigger{
		url:         url,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		maxAttempts: 3,
		backoffBase: time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the trigger identifier.
func (t *WebhookTrigger) Name() string { return "webhook" }

// Fire posts the payload, retrying transient failures with exponential
// backoff. Every attempt sends the identical payload: the idempotency
// key never changes across retries.
func (t *WebhookTrigger) Fire(ctx context.Context, payload *mcp.AlertPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode alert payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := t.backoffBase * time.Duration(1<<(attempt-2))
			if jitter := int64(backoff) / 4; jitter > 0 {
				backoff += time.Duration(rand.Int63n(jitter))
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = t.post(ctx, body, payload.IdempotencyKey)
		if lastErr == nil {
			t.logger.Info("Alert delivered",
				"session_id", payload.SessionID,
				"idempotency_key", payload.IdempotencyKey,
				"attempt", attempt)
			return nil
		}

		t.logger.Warn("Alert delivery attempt failed",
			"session_id", payload.SessionID,
			"idempotency_key", payload.IdempotencyKey,
			"attempt", attempt,
			"max_attempts", t.maxAttempts,
			"error", lastErr)
	}

	return fmt.Errorf("webhook delivery failed after %d attempts: %w", t.maxAttempts, lastErr)
}

func (t *WebhookTrigger) post(ctx context.Context, body []byte, idempotencyKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
}
