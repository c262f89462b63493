package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/agrosense/agrosense/llm"
)

// GeminiProvider implements the Google Generative Language API.
// Gemini addresses models by path, so BuildURL uses the model id.
type GeminiProvider struct{}

func init() {
	llm.RegisterProvider(&GeminiProvider{})
}

// Name returns the provider identifier.
func (g *GeminiProvider) Name() string {
	return "gemini"
}

// BuildURL constructs the generateContent endpoint for the model.
func (g *GeminiProvider) BuildURL(baseURL, model string) string {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	return fmt.Sprintf("%s/models/%s:generateContent", baseURL, model)
}

// SetHeaders adds the Google API key header.
func (g *GeminiProvider) SetHeaders(req *http.Request) {
	if apiKey := os.Getenv("GOOGLE_API_KEY"); apiKey != "" {
		req.Header.Set("x-goog-api-key", apiKey)
	}
}

// geminiRequest is the generateContent request format.
type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenConfig  `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"` // "user" or "model"
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

// BuildRequestBody creates the generateContent request body.
func (g *GeminiProvider) BuildRequestBody(_ string, messages []llm.Message, temperature *float64, maxTokens int) ([]byte, error) {
	req := geminiRequest{}

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			if req.SystemInstruction == nil {
				req.SystemInstruction = &geminiContent{}
			}
			req.SystemInstruction.Parts = append(req.SystemInstruction.Parts, geminiPart{Text: msg.Content})
		case "assistant":
			req.Contents = append(req.Contents, geminiContent{
				Role:  "model",
				Parts: []geminiPart{{Text: msg.Content}},
			})
		default:
			req.Contents = append(req.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: msg.Content}},
			})
		}
	}

	if temperature != nil || maxTokens > 0 {
		cfg := &geminiGenConfig{Temperature: temperature}
		if maxTokens > 0 {
			cfg.MaxOutputTokens = &maxTokens
		}
		req.GenerationConfig = cfg
	}

	return json.Marshal(req)
}

// geminiResponse is the generateContent response format.
type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// ParseResponse extracts content from a generateContent response.
func (g *GeminiProvider) ParseResponse(body []byte, model string) (*llm.Response, error) {
	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse gemini response: %w", err)
	}

	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates in response")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	return &llm.Response{
		Content: text.String(),
		Model:   model,
		Usage: llm.TokenUsage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		},
		FinishReason: resp.Candidates[0].FinishReason,
	}, nil
}
