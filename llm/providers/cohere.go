package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/agrosense/agrosense/llm"
)

// CohereProvider implements the Cohere v1 chat and embed APIs.
// Cohere serves both the reasoning chain and the default embedding
// backend (embed-english-v3.0).
type CohereProvider struct{}

func init() {
	llm.RegisterProvider(&CohereProvider{})
}

// Name returns the provider identifier.
func (c *CohereProvider) Name() string {
	return "cohere"
}

// BuildURL constructs the chat endpoint.
func (c *CohereProvider) BuildURL(baseURL, _ string) string {
	if baseURL == "" {
		baseURL = "https://api.cohere.com/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	if strings.HasSuffix(baseURL, "/chat") {
		return baseURL
	}

	return baseURL + "/chat"
}

// BuildEmbedURL constructs the embed endpoint.
func (c *CohereProvider) BuildEmbedURL(baseURL, _ string) string {
	if baseURL == "" {
		baseURL = "https://api.cohere.com/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	if strings.HasSuffix(baseURL, "/embed") {
		return baseURL
	}

	return baseURL + "/embed"
}

// SetHeaders adds Cohere authentication headers.
func (c *CohereProvider) SetHeaders(req *http.Request) {
	if apiKey := os.Getenv("COHERE_API_KEY"); apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

// cohereRequest is the Cohere v1 chat request format. Unlike the OpenAI
// shape, the latest user message travels separately from the history.
type cohereRequest struct {
	Model       string          `json:"model"`
	Message     string          `json:"message"`
	Preamble    string          `json:"preamble,omitempty"`
	ChatHistory []cohereTurn    `json:"chat_history,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
}

type cohereTurn struct {
	Role    string `json:"role"` // "USER" or "CHATBOT"
	Message string `json:"message"`
}

// BuildRequestBody creates the Cohere chat request body.
func (c *CohereProvider) BuildRequestBody(model string, messages []llm.Message, temperature *float64, maxTokens int) ([]byte, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("no messages")
	}

	req := cohereRequest{
		Model:       model,
		Temperature: temperature,
	}
	if maxTokens > 0 {
		req.MaxTokens = &maxTokens
	}

	// System messages become the preamble; the final user message is the
	// prompt; everything in between is history.
	last := len(messages) - 1
	req.Message = messages[last].Content

	for _, msg := range messages[:last] {
		switch msg.Role {
		case "system":
			if req.Preamble != "" {
				req.Preamble += "\n\n"
			}
			req.Preamble += msg.Content
		case "assistant":
			req.ChatHistory = append(req.ChatHistory, cohereTurn{Role: "CHATBOT", Message: msg.Content})
		default:
			req.ChatHistory = append(req.ChatHistory, cohereTurn{Role: "USER", Message: msg.Content})
		}
	}

	return json.Marshal(req)
}

// cohereResponse is the Cohere v1 chat response format.
type cohereResponse struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
	Meta         struct {
		Tokens struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"tokens"`
	} `json:"meta"`
}

// ParseResponse extracts content from a Cohere chat response.
func (c *CohereProvider) ParseResponse(body []byte, model string) (*llm.Response, error) {
	var resp cohereResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse cohere response: %w", err)
	}

	if resp.Text == "" {
		return nil, fmt.Errorf("empty text in cohere response")
	}

	return &llm.Response{
		Content: resp.Text,
		Model:   model,
		Usage: llm.TokenUsage{
			PromptTokens:     resp.Meta.Tokens.InputTokens,
			CompletionTokens: resp.Meta.Tokens.OutputTokens,
			TotalTokens:      resp.Meta.Tokens.InputTokens + resp.Meta.Tokens.OutputTokens,
		},
		FinishReason: resp.FinishReason,
	}, nil
}

// cohereEmbedRequest is the embed request format.
type cohereEmbedRequest struct {
	Model     string   `json:"model"`
	Texts     []string `json:"texts"`
	InputType string   `json:"input_type"`
}

// cohereEmbedResponse is the embed response format.
type cohereEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// BuildEmbedBody creates the embed request body. Queries are embedded
// with input_type search_query to match documents indexed as
// search_document.
func (c *CohereProvider) BuildEmbedBody(model string, input []string) ([]byte, error) {
	return json.Marshal(cohereEmbedRequest{
		Model:     model,
		Texts:     input,
		InputType: "search_query",
	})
}

// ParseEmbedResponse extracts vectors in input order.
func (c *CohereProvider) ParseEmbedResponse(body []byte) ([][]float64, error) {
	var resp cohereEmbedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse cohere embeddings: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings in response")
	}
	return resp.Embeddings, nil
}
