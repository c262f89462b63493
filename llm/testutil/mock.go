// Package testutil provides test utilities for the llm package.
// It includes mock implementations for testing router interactions.
package testutil

import (
	"context"
	"sync"

	"github.com/agrosense/agrosense/llm"
)

// MockClient is a thread-safe mock router client for testing.
// It satisfies the Completer/Embedder interfaces the pipeline steps
// consume and returns configured responses in sequence.
//
// Usage:
//
//	mock := &MockClient{
//	    Responses: []*llm.Response{
//	        {Content: `{"result": "success"}`, Model: "test-model"},
//	    },
//	}
type MockClient struct {
	mu            sync.Mutex
	Responses     []*llm.Response // Responses to return in sequence
	Err           error           // Error to return (takes precedence over Responses)
	EmbedVectors  [][]float64     // Vectors returned by Embed
	EmbedErr      error           // Error returned by Embed
	callCount     int
	embedCount    int
	responseIndex int
	lastRequest   llm.Request
}

// Complete returns the next response from Responses, or Err if set.
func (m *MockClient) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callCount++
	m.lastRequest = req

	if m.Err != nil {
		return nil, m.Err
	}

	if m.responseIndex < len(m.Responses) {
		resp := m.Responses[m.responseIndex]
		m.responseIndex++
		if req.Validate != nil {
			if err := req.Validate(resp); err != nil {
				return nil, llm.NewInvalidResponseError(err)
			}
		}
		return resp, nil
	}

	return &llm.Response{Content: "", Model: "test-model"}, nil
}

// Embed returns the configured vectors, or EmbedErr if set.
func (m *MockClient) Embed(_ context.Context, req llm.EmbedRequest) (*llm.EmbedResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.embedCount++

	if m.EmbedErr != nil {
		return nil, m.EmbedErr
	}

	vectors := m.EmbedVectors
	if vectors == nil {
		vectors = make([][]float64, len(req.Input))
		for i := range vectors {
			vectors[i] = []float64{0.1, 0.2, 0.3}
		}
	}

	return &llm.EmbedResponse{Backend: "mock", Model: "mock-embed", Embeddings: vectors}, nil
}

// CallCount returns the number of times Complete was called.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// EmbedCount returns the number of times Embed was called.
func (m *MockClient) EmbedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.embedCount
}

// LastRequest returns the most recent request passed to Complete.
func (m *MockClient) LastRequest() llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRequest
}

// Reset clears the mock's call state for reuse across test cases.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount = 0
	m.embedCount = 0
	m.responseIndex = 0
	m.lastRequest = llm.Request{}
}
