package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/agrosense/agrosense/llm"
	"github.com/agrosense/agrosense/mcp"
	"github.com/agrosense/agrosense/model"
)

// Embedder is the slice of the router client the retriever consumes.
type Embedder interface {
	Embed(ctx context.Context, req llm.EmbedRequest) (*llm.EmbedResponse, error)
}

// Query is one retrieval request.
type Query struct {
	Text      string
	AssetType mcp.AssetType
	Region    string

	// TopK overrides the retriever default when positive.
	TopK int
}

// Retriever embeds queries and searches the vector index.
type Retriever struct {
	embedder Embedder
	index    Index
	topK     int
	minScore float64
	logger   *slog.Logger
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithTopK sets the default number of passages to return.
func WithTopK(k int) Option {
	return func(r *Retriever) {
		r.topK = k
	}
}

// WithMinScore sets the similarity floor below which candidates are dropped.
func WithMinScore(score float64) Option {
	return func(r *Retriever) {
		r.minScore = score
	}
}

// WithRetrieverLogger sets the logger.
func WithRetrieverLogger(logger *slog.Logger) Option {
	return func(r *Retriever) {
		r.logger = logger
	}
}

// NewRetriever creates a retrieval step over the given embedder and index.
func NewRetriever(embedder Embedder, index Index, opts ...Option) *Retriever {
	r := &Retriever{
		embedder: embedder,
		index:    index,
		topK:     5,
		minScore: 0.3,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve returns ranked passages for the query. An empty result is a
// valid outcome, not an error: downstream reasoning proceeds with
// reduced context. Errors are ErrIndexUnavailable on index transport
// failure, or the router error when embedding failed.
func (r *Retriever) Retrieve(ctx context.Context, q Query) ([]mcp.Passage, error) {
	topK := q.TopK
	if topK <= 0 {
		topK = r.topK
	}

	embedded, err := r.embedder.Embed(ctx, llm.EmbedRequest{
		Capability: string(model.CapabilityEmbedding),
		Input:      []string{q.Text},
	})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	candidates, err := r.index.Search(ctx, embedded.Embeddings[0], Filter{
		AssetType: q.AssetType,
		Region:    q.Region,
	}, topK)
	if err != nil {
		return nil, err
	}

	passages := Rank(candidates, r.minScore, topK)

	r.logger.Debug("Retrieval complete",
		"query_len", len(q.Text),
		"asset_type", q.AssetType,
		"region", q.Region,
		"candidates", len(candidates),
		"passages", len(passages))

	return passages, nil
}

// Rank orders candidates by similarity score descending, breaking ties
// by document recency (newer wins) then source id (lexicographic) so
// results are deterministic. Candidates below minScore are dropped and
// the result is capped at topK.
func Rank(candidates []Candidate, minScore float64, topK int) []mcp.Passage {
	kept := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Score >= minScore {
			kept = append(kept, c)
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Score != kept[j].Score {
			return kept[i].Score > kept[j].Score
		}
		if !kept[i].PublishedAt.Equal(kept[j].PublishedAt) {
			return kept[i].PublishedAt.After(kept[j].PublishedAt)
		}
		return kept[i].Source < kept[j].Source
	})

	if topK > 0 && len(kept) > topK {
		kept = kept[:topK]
	}

	passages := make([]mcp.Passage, len(kept))
	for i, c := range kept {
		passages[i] = mcp.Passage{
			Text:        c.Text,
			Source:      c.Source,
			Score:       c.Score,
			PublishedAt: c.PublishedAt,
		}
	}
	return passages
}
