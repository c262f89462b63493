package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrosense/agrosense/mcp"
	"github.com/agrosense/agrosense/model"
	"github.com/agrosense/agrosense/pipeline"
)

type stubRunner struct {
	turn      *pipeline.Turn
	err       error
	lastQuery string
	lastID    string
}

func (s *stubRunner) Run(_ context.Context, sessionID, query string) (*pipeline.Turn, error) {
	s.lastID = sessionID
	s.lastQuery = query
	if s.turn != nil {
		s.turn.SessionID = sessionID
	}
	return s.turn, s.err
}

type stubRegional struct {
	data *mcp.RegionalData
	err  error
}

func (s *stubRegional) Fetch(_ context.Context, _ string, _ mcp.AssetType) (*mcp.RegionalData, error) {
	return s.data, s.err
}

func newTestServer(runner *stubRunner, store mcp.Store, regional *stubRegional) http.Handler {
	if store == nil {
		store = mcp.NewMemoryStore()
	}
	if regional == nil {
		regional = &stubRegional{}
	}
	return New(runner, store, regional).Routes()
}

func postChat(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestChatSuccess(t *testing.T) {
	runner := &stubRunner{turn: &pipeline.Turn{
		State:    pipeline.StateDone,
		Answer:   "Likely maize rust; apply fungicide.",
		Severity: "MEDIUM",
	}}
	handler := newTestServer(runner, nil, nil)

	rec := postChat(t, handler, `{"session_id":"sess-1","query":"brown spots on maize leaves"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var turn pipeline.Turn
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &turn))
	assert.Equal(t, pipeline.StateDone, turn.State)
	assert.Equal(t, "sess-1", turn.SessionID)
	assert.Equal(t, "brown spots on maize leaves", runner.lastQuery)
}

func TestChatMintsSessionID(t *testing.T) {
	runner := &stubRunner{turn: &pipeline.Turn{State: pipeline.StateDone}}
	handler := newTestServer(runner, nil, nil)

	rec := postChat(t, handler, `{"query":"help with my maize"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, runner.lastID, "server must mint a session id when none is given")
}

func TestChatRejectsBadRequests(t *testing.T) {
	runner := &stubRunner{turn: &pipeline.Turn{State: pipeline.StateDone}}
	handler := newTestServer(runner, nil, nil)

	tests := []struct {
		name string
		body string
	}{
		{"not json", "brown spots"},
		{"empty query", `{"query":""}`},
		{"whitespace query", `{"query":"   "}`},
		{"query too long", `{"query":"` + strings.Repeat("x", maxQueryLength+1) + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postChat(t, handler, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSanitizeQuery(t *testing.T) {
	assert.Equal(t, "brown spots", sanitizeQuery("  brown spots  "))
	assert.Equal(t, "line one line two", sanitizeQuery("line one\nline two"))
	assert.Equal(t, "clean", sanitizeQuery("cle\x00an\x07"))
	assert.Equal(t, "", sanitizeQuery("\x00\x1b\n\t "))
}

// A Failed turn is still a well-formed body; the gateway status tells
// the caller the pipeline, not the request, went wrong.
func TestChatFailedTurnReturnsBadGateway(t *testing.T) {
	runner := &stubRunner{
		turn: &pipeline.Turn{
			State:         pipeline.StateFailed,
			FailureReason: pipeline.FailureDiagnosisFailed,
		},
		err: errors.New("diagnosis failed: all backends exhausted"),
	}
	handler := newTestServer(runner, nil, nil)

	rec := postChat(t, handler, `{"session_id":"sess-1","query":"q"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	var turn pipeline.Turn
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &turn))
	assert.Equal(t, pipeline.FailureDiagnosisFailed, turn.FailureReason)
}

func TestChatTransportFailure(t *testing.T) {
	runner := &stubRunner{err: errors.New("store unreachable")}
	handler := newTestServer(runner, nil, nil)

	rec := postChat(t, handler, `{"query":"q"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	store := mcp.NewMemoryStore()
	_, err := store.Create(context.Background(), "sess-1")
	require.NoError(t, err)
	_, err = store.Write(context.Background(), "sess-1", mcp.FieldQuery, "maize disease")
	require.NoError(t, err)

	handler := newTestServer(&stubRunner{}, store, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status/sess-1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var snapshot mcp.Context
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.Equal(t, "maize disease", snapshot.Query)
	assert.Equal(t, uint64(1), snapshot.Version)
}

func TestStatusUnknownSession(t *testing.T) {
	handler := newTestServer(&stubRunner{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status/missing", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDestroySession(t *testing.T) {
	store := mcp.NewMemoryStore()
	_, err := store.Create(context.Background(), "sess-1")
	require.NoError(t, err)

	handler := newTestServer(&stubRunner{}, store, nil)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/session/sess-1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, err = store.Get(context.Background(), "sess-1")
	assert.ErrorIs(t, err, mcp.ErrSessionNotFound)

	// Destroying again is a 404.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWeatherProbe(t *testing.T) {
	regional := &stubRegional{data: &mcp.RegionalData{
		Weather: &mcp.Weather{TempC: 24, Condition: "light rain", Source: "OpenWeatherMap"},
	}}
	handler := newTestServer(&stubRunner{}, nil, regional)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/weather?region=nakuru", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var weather mcp.Weather
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &weather))
	assert.Equal(t, 24.0, weather.TempC)
}

func TestWeatherProbeErrors(t *testing.T) {
	t.Run("missing region", func(t *testing.T) {
		handler := newTestServer(&stubRunner{}, nil, &stubRegional{})
		req := httptest.NewRequest(http.MethodGet, "/api/v1/weather", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("fetch failure", func(t *testing.T) {
		handler := newTestServer(&stubRunner{}, nil, &stubRegional{err: errors.New("all sources down")})
		req := httptest.NewRequest(http.MethodGet, "/api/v1/weather?region=nakuru", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("weather half missing", func(t *testing.T) {
		handler := newTestServer(&stubRunner{}, nil, &stubRegional{data: &mcp.RegionalData{}})
		req := httptest.NewRequest(http.MethodGet, "/api/v1/weather?region=nakuru", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func TestBackendsStatus(t *testing.T) {
	models := model.NewDefaultRegistry()
	handler := New(&stubRunner{}, mcp.NewMemoryStore(), &stubRegional{},
		WithModelRegistry(models)).Routes()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/backends", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var statuses []backendStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statuses))
	require.Len(t, statuses, len(model.StepCapabilities))

	for _, status := range statuses {
		assert.NotEmpty(t, status.Chain, "step %s has no backends", status.Step)
		assert.Equal(t, string(model.CapabilityForStep(status.Step)), status.Capability)
	}

	// Without a registry the route is not mounted.
	bare := newTestServer(&stubRunner{}, nil, nil)
	rec = httptest.NewRecorder()
	bare.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/backends", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	handler := New(&stubRunner{}, mcp.NewMemoryStore(), &stubRegional{},
		WithMetricsRegistry(prometheus.NewRegistry())).Routes()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
