package llm_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrosense/agrosense/llm"
	_ "github.com/agrosense/agrosense/llm/providers"
	"github.com/agrosense/agrosense/model"
)

// chatOK writes an OpenAI-compatible success response.
func chatOK(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"model":"test-model","choices":[{"index":0,"message":{"role":"assistant","content":%q},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`, content)
}

// backendServer is one fake OpenAI-compatible backend with a request counter.
type backendServer struct {
	*httptest.Server
	calls atomic.Int64
}

func newBackend(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *backendServer {
	t.Helper()
	b := &backendServer{}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(b.Close)
	return b
}

// newTestRegistry builds a reasoning chain over the given backends in order.
func newTestRegistry(backends map[string]string, chain []string) *model.Registry {
	endpoints := make(map[string]*model.EndpointConfig, len(backends))
	for name, url := range backends {
		endpoints[name] = &model.EndpointConfig{
			Provider:    "openai",
			URL:         url,
			Model:       "test-model",
			MaxAttempts: 1,
			Timeout:     5 * time.Second,
		}
	}
	return model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			model.CapabilityReasoning: {Preferred: chain[:1], Fallback: chain[1:]},
		},
		endpoints,
	)
}

func reasoningRequest() llm.Request {
	return llm.Request{
		Capability: string(model.CapabilityReasoning),
		Messages:   []llm.Message{{Role: "user", Content: "diagnose this"}},
	}
}

func TestCompletePreferredBackendSucceeds(t *testing.T) {
	primary := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		chatOK(w, "all good")
	})
	fallback := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("fallback should not be called")
	})

	registry := newTestRegistry(map[string]string{
		"primary":  primary.URL,
		"fallback": fallback.URL,
	}, []string{"primary", "fallback"})
	client := llm.NewClient(registry)

	resp, err := client.Complete(context.Background(), reasoningRequest())
	require.NoError(t, err)
	assert.Equal(t, "all good", resp.Content)
	assert.Equal(t, "primary", resp.Backend)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

// With backends 1..M failing, backend M+1 serves the request and
// exactly M backends saw a failed attempt.
func TestCompleteFallsBackInOrder(t *testing.T) {
	down1 := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "over capacity", http.StatusServiceUnavailable)
	})
	down2 := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "over capacity", http.StatusServiceUnavailable)
	})
	healthy := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		chatOK(w, "third time lucky")
	})

	registry := newTestRegistry(map[string]string{
		"down1":   down1.URL,
		"down2":   down2.URL,
		"healthy": healthy.URL,
	}, []string{"down1", "down2", "healthy"})
	client := llm.NewClient(registry)

	resp, err := client.Complete(context.Background(), reasoningRequest())
	require.NoError(t, err)
	assert.Equal(t, "healthy", resp.Backend)
	assert.Equal(t, int64(1), down1.calls.Load())
	assert.Equal(t, int64(1), down2.calls.Load())
	assert.Equal(t, int64(1), healthy.calls.Load())
}

func TestCompleteAllBackendsExhausted(t *testing.T) {
	down1 := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	})
	down2 := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	})

	registry := newTestRegistry(map[string]string{
		"down1": down1.URL,
		"down2": down2.URL,
	}, []string{"down1", "down2"})
	client := llm.NewClient(registry)

	_, err := client.Complete(context.Background(), reasoningRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrAllBackendsExhausted)
	assert.Equal(t, int64(1), down1.calls.Load())
	assert.Equal(t, int64(1), down2.calls.Load())
}

func TestCompleteRetriesTransientThenSucceeds(t *testing.T) {
	var served atomic.Int64
	backend := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if served.Add(1) == 1 {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		chatOK(w, "recovered")
	})

	registry := model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			model.CapabilityReasoning: {Preferred: []string{"flaky"}},
		},
		map[string]*model.EndpointConfig{
			"flaky": {Provider: "openai", URL: backend.URL, Model: "test-model", MaxAttempts: 3},
		},
	)
	client := llm.NewClient(registry, llm.WithRetryConfig(llm.RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 1,
		MaxBackoff:        5 * time.Millisecond,
	}))

	resp, err := client.Complete(context.Background(), reasoningRequest())
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, int64(2), backend.calls.Load())
}

// Auth failures abort the whole chain: retrying other backends with the
// same broken configuration would only burn quota.
func TestCompleteFatalErrorStopsFallback(t *testing.T) {
	unauthorized := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	})
	fallback := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("fallback should not be called after a fatal error")
	})

	registry := newTestRegistry(map[string]string{
		"unauthorized": unauthorized.URL,
		"fallback":     fallback.URL,
	}, []string{"unauthorized", "fallback"})
	client := llm.NewClient(registry)

	_, err := client.Complete(context.Background(), reasoningRequest())
	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
	assert.NotErrorIs(t, err, llm.ErrAllBackendsExhausted)
	assert.Equal(t, int64(0), fallback.calls.Load())
}

// A schema-invalid response advances the chain without retrying the
// offending backend, even when its retry budget allows more attempts.
func TestCompleteInvalidResponseAdvancesWithoutRetry(t *testing.T) {
	garbage := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		chatOK(w, "not json at all")
	})
	healthy := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		chatOK(w, `{"ok":true}`)
	})

	registry := model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			model.CapabilityReasoning: {Preferred: []string{"garbage"}, Fallback: []string{"healthy"}},
		},
		map[string]*model.EndpointConfig{
			"garbage": {Provider: "openai", URL: garbage.URL, Model: "test-model", MaxAttempts: 3},
			"healthy": {Provider: "openai", URL: healthy.URL, Model: "test-model", MaxAttempts: 3},
		},
	)
	client := llm.NewClient(registry)

	validate := func(resp *llm.Response) error {
		if resp.Content != `{"ok":true}` {
			return errors.New("unexpected shape")
		}
		return nil
	}

	resp, err := client.Complete(context.Background(), llm.Request{
		Capability: string(model.CapabilityReasoning),
		Messages:   []llm.Message{{Role: "user", Content: "x"}},
		Validate:   validate,
	})
	require.NoError(t, err)
	assert.Equal(t, "healthy", resp.Backend)
	assert.Equal(t, int64(1), garbage.calls.Load(), "invalid response must not be retried on the same backend")
}

func TestCompleteSkipsOpenCircuits(t *testing.T) {
	primary := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("open-circuit backend should be skipped")
	})
	fallback := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		chatOK(w, "served by fallback")
	})

	registry := newTestRegistry(map[string]string{
		"primary":  primary.URL,
		"fallback": fallback.URL,
	}, []string{"primary", "fallback"})
	registry.SetHealthConfig(model.HealthConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	registry.MarkEndpointFailure("primary")

	client := llm.NewClient(registry)

	resp, err := client.Complete(context.Background(), reasoningRequest())
	require.NoError(t, err)
	assert.Equal(t, "fallback", resp.Backend)
	assert.Equal(t, int64(0), primary.calls.Load())
}

func TestCompleteValidatesRequest(t *testing.T) {
	client := llm.NewClient(model.NewDefaultRegistry())

	_, err := client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "x"}},
	})
	assert.Error(t, err, "missing capability must be rejected")

	_, err = client.Complete(context.Background(), llm.Request{
		Capability: string(model.CapabilityFast),
	})
	assert.Error(t, err, "empty messages must be rejected")
}

func TestEmbedReturnsVectors(t *testing.T) {
	backend := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":[{"index":1,"embedding":[0.4,0.5]},{"index":0,"embedding":[0.1,0.2]}]}`)
	})

	registry := model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			model.CapabilityEmbedding: {Preferred: []string{"embed"}},
		},
		map[string]*model.EndpointConfig{
			"embed": {Provider: "openai", URL: backend.URL, Model: "test-embed", MaxAttempts: 1},
		},
	)
	client := llm.NewClient(registry)

	resp, err := client.Embed(context.Background(), llm.EmbedRequest{
		Input: []string{"first", "second"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Embeddings, 2)
	assert.Equal(t, []float64{0.1, 0.2}, resp.Embeddings[0], "vectors must be returned in input order")
	assert.Equal(t, "embed", resp.Backend)
}

func TestEmbedVectorCountMismatchIsInvalid(t *testing.T) {
	backend := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":[{"index":0,"embedding":[0.1]}]}`)
	})

	registry := model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			model.CapabilityEmbedding: {Preferred: []string{"embed"}},
		},
		map[string]*model.EndpointConfig{
			"embed": {Provider: "openai", URL: backend.URL, Model: "test-embed", MaxAttempts: 1},
		},
	)
	client := llm.NewClient(registry)

	_, err := client.Embed(context.Background(), llm.EmbedRequest{
		Input: []string{"first", "second"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrAllBackendsExhausted)
}

func TestErrorClassification(t *testing.T) {
	transient := llm.NewTransientError(errors.New("x"))
	fatal := llm.NewFatalError(errors.New("y"))
	invalid := llm.NewInvalidResponseError(errors.New("z"))

	assert.True(t, llm.IsTransient(transient))
	assert.False(t, llm.IsTransient(fatal))
	assert.True(t, llm.IsFatal(fatal))
	assert.True(t, llm.IsInvalidResponse(invalid))
	assert.False(t, llm.IsFatal(invalid))
}
