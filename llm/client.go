// Package llm provides a provider-agnostic model router with retry and
// ordered fallback. It integrates with the model.Registry for
// capability-based backend selection.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/agrosense/agrosense/model"
)

// maxResponseSize limits the response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Client is a provider-agnostic model router with retry and fallback support.
type Client struct {
	registry    *model.Registry
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger
	metrics     *Metrics
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Request defines a completion request routed by capability.
type Request struct {
	// Capability specifies the semantic capability ("classification",
	// "reasoning", "fast"). The registry resolves this to backends.
	Capability string

	// Messages is the chat history to send to the backend.
	Messages []Message

	// Temperature controls randomness. nil uses endpoint default, 0 is deterministic.
	Temperature *float64

	// MaxTokens limits response length. 0 uses endpoint default.
	MaxTokens int

	// Validate, when set, checks the parsed response against the caller's
	// schema. A response that fails validation counts as a backend error:
	// the router advances to the next backend without retrying the
	// current one.
	Validate func(*Response) error
}

// TokenUsage represents token consumption details for a backend call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains the completion result.
type Response struct {
	// Content is the generated text.
	Content string

	// Backend is the registry name of the backend that served the call.
	Backend string

	// Model is the actual model that was used.
	Model string

	// Usage contains token consumption metrics (if available).
	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// EmbedRequest defines an embedding request routed by capability.
type EmbedRequest struct {
	// Capability is normally "embedding".
	Capability string

	// Input is the list of texts to embed.
	Input []string
}

// EmbedResponse contains embedding vectors, one per input text.
type EmbedResponse struct {
	Backend    string
	Model      string
	Embeddings [][]float64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// WithMetrics sets the routing metrics recorder.
func WithMetrics(m *Metrics) ClientOption {
	return func(client *Client) {
		client.metrics = m
	}
}

// NewClient creates a new router client with the given backend registry.
func NewClient(registry *model.Registry, opts ...ClientOption) *Client {
	c := &Client{
		registry:    registry,
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: 180 * time.Second, // Allow time for slow model responses
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Complete sends a completion request, handling retry and fallback logic.
// It returns the first schema-valid response from the capability's backend
// chain, or an error wrapping ErrAllBackendsExhausted once every backend
// has been tried and failed.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Capability == "" {
		return nil, fmt.Errorf("capability is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	capVal := model.ParseCapability(req.Capability)
	if capVal == "" {
		capVal = model.CapabilityFast // Default to fast for unknown capabilities
	}
	chain := c.registry.GetAvailableFallbackChain(capVal)

	if len(chain) == 0 {
		return nil, fmt.Errorf("no backends configured for capability %s", req.Capability)
	}

	var lastErr error
	tried := 0

	for _, name := range chain {
		endpoint := c.registry.GetEndpoint(name)
		if endpoint == nil {
			c.logger.Debug("No endpoint for backend, skipping", "backend", name)
			continue
		}

		if !c.registry.IsEndpointAvailable(name) {
			c.logger.Debug("Backend circuit open, skipping", "backend", name)
			continue
		}

		tried++
		resp, err := c.tryEndpointWithRetry(ctx, endpoint, name, func(callCtx context.Context) (*Response, error) {
			r, derr := c.doChatRequest(callCtx, endpoint, req)
			if derr != nil {
				return nil, derr
			}
			if req.Validate != nil {
				if verr := req.Validate(r); verr != nil {
					return nil, NewInvalidResponseError(fmt.Errorf("response failed validation: %w", verr))
				}
			}
			return r, nil
		})

		if err == nil {
			resp.Backend = name
			return resp, nil
		}

		lastErr = err
		c.logger.Warn("Backend failed, trying fallback",
			"backend", name,
			"provider", endpoint.Provider,
			"error", err)

		if IsFatal(err) {
			c.logger.Warn("Fatal error, not trying fallbacks", "error", err)
			return nil, err
		}
	}

	if tried == 0 {
		return nil, fmt.Errorf("%w for capability %s: no usable backends", ErrAllBackendsExhausted, req.Capability)
	}
	return nil, fmt.Errorf("%w for capability %s: %v", ErrAllBackendsExhausted, req.Capability, lastErr)
}

// Embed routes an embedding request through the same fallback chain
// semantics as Complete. Backends whose provider does not implement
// Embedder are skipped.
func (c *Client) Embed(ctx context.Context, req EmbedRequest) (*EmbedResponse, error) {
	if req.Capability == "" {
		req.Capability = string(model.CapabilityEmbedding)
	}
	if len(req.Input) == 0 {
		return nil, fmt.Errorf("at least one input text is required")
	}

	capVal := model.ParseCapability(req.Capability)
	if capVal == "" {
		capVal = model.CapabilityEmbedding
	}
	chain := c.registry.GetAvailableFallbackChain(capVal)

	if len(chain) == 0 {
		return nil, fmt.Errorf("no backends configured for capability %s", req.Capability)
	}

	var lastErr error
	tried := 0

	for _, name := range chain {
		endpoint := c.registry.GetEndpoint(name)
		if endpoint == nil {
			continue
		}
		if !c.registry.IsEndpointAvailable(name) {
			continue
		}
		if _, ok := GetProvider(endpoint.Provider).(Embedder); !ok {
			c.logger.Debug("Provider does not serve embeddings, skipping",
				"backend", name, "provider", endpoint.Provider)
			continue
		}

		tried++
		var result *EmbedResponse
		_, err := c.tryEndpointWithRetry(ctx, endpoint, name, func(callCtx context.Context) (*Response, error) {
			er, derr := c.doEmbedRequest(callCtx, endpoint, req)
			if derr != nil {
				return nil, derr
			}
			result = er
			return &Response{}, nil
		})

		if err == nil {
			result.Backend = name
			return result, nil
		}

		lastErr = err
		c.logger.Warn("Embedding backend failed, trying fallback",
			"backend", name, "error", err)

		if IsFatal(err) {
			return nil, err
		}
	}

	if tried == 0 {
		return nil, fmt.Errorf("%w for capability %s: no embedding-capable backends", ErrAllBackendsExhausted, req.Capability)
	}
	return nil, fmt.Errorf("%w for capability %s: %v", ErrAllBackendsExhausted, req.Capability, lastErr)
}

// tryEndpointWithRetry attempts a call with the endpoint's retry budget.
// Invalid responses are not retried: bad output on a working transport is
// a backend problem, and the caller advances the fallback chain instead.
func (c *Client) tryEndpointWithRetry(ctx context.Context, ep *model.EndpointConfig, name string, call func(context.Context) (*Response, error)) (*Response, error) {
	maxAttempts := ep.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = c.retryConfig.MaxAttempts
	}

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()

		callCtx := ctx
		var cancel context.CancelFunc
		if ep.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, ep.Timeout)
		}

		resp, err := call(callCtx)
		if cancel != nil {
			cancel()
		}
		elapsed := time.Since(start)

		c.observeAttempt(name, attempt, elapsed, err)

		if err == nil {
			c.registry.MarkEndpointSuccess(name)
			return resp, nil
		}

		lastErr = err

		if IsFatal(err) {
			// Fatal errors may indicate config issues, not endpoint health.
			// Don't mark as unhealthy for auth/bad request errors.
			return nil, err
		}
		if IsInvalidResponse(err) {
			c.registry.MarkEndpointFailure(name)
			return nil, err
		}

		// A deadline on the per-call context is this backend's failure,
		// but cancellation of the caller's context ends everything.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if attempt < maxAttempts {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debug("Request failed, retrying",
				"backend", name,
				"attempt", attempt,
				"max_attempts", maxAttempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	c.registry.MarkEndpointFailure(name)
	return nil, lastErr
}

// observeAttempt emits the per-attempt structured log record and metric.
func (c *Client) observeAttempt(backend string, attempt int, elapsed time.Duration, err error) {
	outcome := OutcomeSuccess
	switch {
	case err == nil:
	case IsInvalidResponse(err):
		outcome = OutcomeInvalidResponse
	case IsFatal(err):
		outcome = OutcomeFatalError
	default:
		outcome = OutcomeTransientError
	}

	c.logger.Info("Backend attempt",
		"backend", backend,
		"attempt", attempt,
		"outcome", outcome,
		"latency_ms", elapsed.Milliseconds())
	c.metrics.Observe(backend, outcome, elapsed)
}

// calculateBackoff computes exponential backoff duration with jitter.
// Jitter prevents thundering herd when multiple sessions retry simultaneously.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retryConfig.BackoffMultiplier
	}

	backoff := time.Duration(float64(c.retryConfig.BackoffBase) * multiplier)
	if backoff > c.retryConfig.MaxBackoff {
		backoff = c.retryConfig.MaxBackoff
	}

	// Add jitter: +/- 25% to prevent synchronized retries
	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// doChatRequest executes a single HTTP request to the backend's chat endpoint.
func (c *Client) doChatRequest(ctx context.Context, ep *model.EndpointConfig, req Request) (*Response, error) {
	provider := GetProvider(ep.Provider)
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", ep.Provider))
	}

	url := provider.BuildURL(ep.URL, ep.Model)

	body, err := provider.BuildRequestBody(ep.Model, req.Messages, req.Temperature, req.MaxTokens)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	c.logger.Debug("Sending model request",
		"provider", ep.Provider,
		"model", ep.Model,
		"url", url,
		"messages", len(req.Messages))

	respBody, err := c.doHTTP(ctx, provider, url, body)
	if err != nil {
		return nil, err
	}

	return provider.ParseResponse(respBody, ep.Model)
}

// doEmbedRequest executes a single HTTP request to the backend's embeddings endpoint.
func (c *Client) doEmbedRequest(ctx context.Context, ep *model.EndpointConfig, req EmbedRequest) (*EmbedResponse, error) {
	provider := GetProvider(ep.Provider)
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", ep.Provider))
	}
	embedder, ok := provider.(Embedder)
	if !ok {
		return nil, NewFatalError(fmt.Errorf("provider %s does not serve embeddings", ep.Provider))
	}

	url := embedder.BuildEmbedURL(ep.URL, ep.Model)

	body, err := embedder.BuildEmbedBody(ep.Model, req.Input)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build embed body: %w", err))
	}

	respBody, err := c.doHTTP(ctx, provider, url, body)
	if err != nil {
		return nil, err
	}

	vectors, err := embedder.ParseEmbedResponse(respBody)
	if err != nil {
		return nil, NewInvalidResponseError(fmt.Errorf("parse embed response: %w", err))
	}
	if len(vectors) != len(req.Input) {
		return nil, NewInvalidResponseError(fmt.Errorf("expected %d vectors, got %d", len(req.Input), len(vectors)))
	}

	return &EmbedResponse{Model: ep.Model, Embeddings: vectors}, nil
}

// doHTTP posts a JSON body and returns the response bytes, classifying
// transport and status errors as transient or fatal.
func (c *Client) doHTTP(ctx context.Context, provider Provider, url string, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network errors and deadline hits are transient for this backend
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	return respBody, nil
}

// classifyHTTPError determines if an HTTP error is transient or fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("backend API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		// Rate limiting is transient
		return NewTransientError(err)
	case statusCode == http.StatusServiceUnavailable,
		statusCode == http.StatusBadGateway,
		statusCode == http.StatusGatewayTimeout:
		return NewTransientError(err)
	case statusCode >= 500:
		return NewTransientError(err)
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden:
		// Auth errors are fatal
		return NewFatalError(err)
	case statusCode == http.StatusBadRequest:
		return NewFatalError(err)
	default:
		return NewFatalError(err)
	}
}
