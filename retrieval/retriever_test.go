package retrieval

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrosense/agrosense/llm"
	"github.com/agrosense/agrosense/mcp"
)

type stubEmbedder struct {
	vectors [][]float64
	err     error
	lastReq llm.EmbedRequest
}

func (s *stubEmbedder) Embed(_ context.Context, req llm.EmbedRequest) (*llm.EmbedResponse, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return &llm.EmbedResponse{Backend: "stub", Embeddings: s.vectors}, nil
}

type stubIndex struct {
	candidates []Candidate
	err        error
	lastFilter Filter
	lastTopK   int
}

func (s *stubIndex) Search(_ context.Context, _ []float64, filter Filter, topK int) ([]Candidate, error) {
	s.lastFilter = filter
	s.lastTopK = topK
	return s.candidates, s.err
}

func TestRankOrdersByScoreThenRecencyThenSource(t *testing.T) {
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	candidates := []Candidate{
		{Text: "c", Source: "kb-003", Score: 0.70, PublishedAt: older},
		{Text: "a", Source: "kb-001", Score: 0.90, PublishedAt: older},
		{Text: "b2", Source: "kb-005", Score: 0.80, PublishedAt: older},
		{Text: "b1", Source: "kb-004", Score: 0.80, PublishedAt: newer},
		{Text: "tie-b", Source: "kb-009", Score: 0.80, PublishedAt: newer},
	}

	passages := Rank(candidates, 0, 10)
	require.Len(t, passages, 5)

	assert.Equal(t, "a", passages[0].Text)
	// Same score: newer document wins.
	assert.Equal(t, "b1", passages[1].Text)
	// Same score and date: source id breaks the tie deterministically.
	assert.Equal(t, "tie-b", passages[2].Text)
	assert.Equal(t, "b2", passages[3].Text)
	assert.Equal(t, "c", passages[4].Text)
}

func TestRankAppliesMinScoreAndTopK(t *testing.T) {
	candidates := []Candidate{
		{Text: "keep1", Source: "s1", Score: 0.9},
		{Text: "keep2", Source: "s2", Score: 0.5},
		{Text: "drop", Source: "s3", Score: 0.1},
	}

	passages := Rank(candidates, 0.3, 1)
	require.Len(t, passages, 1)
	assert.Equal(t, "keep1", passages[0].Text)

	assert.Empty(t, Rank(nil, 0.3, 5))
}

func TestRetrievePassesFilterAndRanks(t *testing.T) {
	embedder := &stubEmbedder{vectors: [][]float64{{0.1, 0.2}}}
	index := &stubIndex{candidates: []Candidate{
		{Text: "low", Source: "s1", Score: 0.2},
		{Text: "high", Source: "s2", Score: 0.91},
	}}

	r := NewRetriever(embedder, index, WithTopK(5), WithMinScore(0.3))
	passages, err := r.Retrieve(context.Background(), Query{
		Text:      "brown spots on maize leaves",
		AssetType: mcp.AssetCrop,
		Region:    "nakuru",
	})
	require.NoError(t, err)

	require.Len(t, passages, 1)
	assert.Equal(t, "high", passages[0].Text)
	assert.Equal(t, mcp.AssetCrop, index.lastFilter.AssetType)
	assert.Equal(t, "nakuru", index.lastFilter.Region)
	assert.Equal(t, 5, index.lastTopK)
	assert.Equal(t, string("embedding"), embedder.lastReq.Capability)
}

// Zero matches is a valid outcome: the turn proceeds with less context.
func TestRetrieveEmptyResultIsNotAnError(t *testing.T) {
	r := NewRetriever(&stubEmbedder{vectors: [][]float64{{0.1}}}, &stubIndex{})

	passages, err := r.Retrieve(context.Background(), Query{Text: "obscure query"})
	require.NoError(t, err)
	assert.Empty(t, passages)
}

func TestRetrieveSurfacesEmbedError(t *testing.T) {
	r := NewRetriever(&stubEmbedder{err: errors.New("router exhausted")}, &stubIndex{})

	_, err := r.Retrieve(context.Background(), Query{Text: "q"})
	assert.Error(t, err)
}

func TestRetrieveSurfacesIndexUnavailable(t *testing.T) {
	r := NewRetriever(
		&stubEmbedder{vectors: [][]float64{{0.1}}},
		&stubIndex{err: ErrIndexUnavailable},
	)

	_, err := r.Retrieve(context.Background(), Query{Text: "q"})
	assert.ErrorIs(t, err, ErrIndexUnavailable)
}

func TestHTTPIndexSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"matches":[{"text":"passage","source":"kb-001","score":0.8}]}`))
	}))
	defer srv.Close()

	index := NewHTTPIndex(srv.URL, nil)
	matches, err := index.Search(context.Background(), []float64{0.1}, Filter{AssetType: mcp.AssetCrop}, 3)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "kb-001", matches[0].Source)
}

func TestHTTPIndexErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	index := NewHTTPIndex(srv.URL, nil)
	_, err := index.Search(context.Background(), []float64{0.1}, Filter{}, 3)
	assert.ErrorIs(t, err, ErrIndexUnavailable, "5xx maps to index unavailability")

	badReq := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad filter", http.StatusBadRequest)
	}))
	defer badReq.Close()

	index = NewHTTPIndex(badReq.URL, nil)
	_, err = index.Search(context.Background(), []float64{0.1}, Filter{}, 3)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrIndexUnavailable, "4xx is a request error, not unavailability")

	down := NewHTTPIndex("http://127.0.0.1:1", nil)
	_, err = down.Search(context.Background(), []float64{0.1}, Filter{}, 3)
	assert.ErrorIs(t, err, ErrIndexUnavailable, "connection refusal maps to index unavailability")
}
