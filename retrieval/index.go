// Package retrieval implements the knowledge retrieval step: it embeds
// the query through the model router and searches the vector index with
// a metadata filter, returning ranked passages.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/agrosense/agrosense/mcp"
)

// ErrIndexUnavailable is returned only on transport/connection failure
// to the vector index. The coordinator treats it as a recoverable
// per-turn failure.
var ErrIndexUnavailable = errors.New("vector index unavailable")

// maxIndexResponseSize bounds index response bodies.
const maxIndexResponseSize = 4 * 1024 * 1024 // 4MB

// Filter restricts a search to documents tagged with the session's
// asset type and, when present, region.
type Filter struct {
	AssetType mcp.AssetType `json:"asset_type"`
	Region    string        `json:"region,omitempty"`
}

// Candidate is one raw index match before ranking and thresholding.
type Candidate struct {
	Text        string    `json:"text"`
	Source      string    `json:"source"`
	Score       float64   `json:"score"`
	PublishedAt time.Time `json:"published_at,omitempty"`
}

// Index is the vector index service contract.
type Index interface {
	// Search returns the topK nearest candidates matching the filter.
	Search(ctx context.Context, vector []float64, filter Filter, topK int) ([]Candidate, error)
}

// HTTPIndex queries a vector index service over JSON/HTTP.
type HTTPIndex struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPIndex creates an index client for the given service base URL.
func NewHTTPIndex(baseURL string, httpClient *http.Client) *HTTPIndex {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPIndex{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
	}
}

// searchRequest is the index service wire format.
type searchRequest struct {
	Vector []float64 `json:"vector"`
	Filter Filter    `json:"filter"`
	TopK   int       `json:"top_k"`
}

type searchResponse struct {
	Matches []Candidate `json:"matches"`
}

// Search posts the query vector and filter to the index service.
func (h *HTTPIndex) Search(ctx context.Context, vector []float64, filter Filter, topK int) ([]Candidate, error) {
	body, err := json.Marshal(searchRequest{
		Vector: vector,
		Filter: filter,
		TopK:   topK,
	})
	if err != nil {
		return nil, fmt.Errorf("encode search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey := os.Getenv("VECTOR_INDEX_API_KEY"); apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxIndexResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrIndexUnavailable, err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: index returned status %d", ErrIndexUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("index search failed (status %d): %s", resp.StatusCode, truncate(respBody, 200))
	}

	var result searchResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return result.Matches, nil
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
