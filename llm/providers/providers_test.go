package providers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrosense/agrosense/llm"
)

func TestProvidersAreRegistered(t *testing.T) {
	for _, name := range []string{"openai", "cohere", "gemini"} {
		p := llm.GetProvider(name)
		require.NotNil(t, p, "provider %s not registered", name)
		assert.Equal(t, name, p.Name())
	}
}

func TestOpenAIBuildURL(t *testing.T) {
	p := &OpenAIProvider{}

	assert.Equal(t, "https://api.openai.com/v1/chat/completions", p.BuildURL("", "m"))
	assert.Equal(t, "https://api.groq.com/openai/v1/chat/completions", p.BuildURL("https://api.groq.com/openai/v1", "m"))
	assert.Equal(t, "http://host/v1/chat/completions", p.BuildURL("http://host/v1/chat/completions", "m"))
	assert.Equal(t, "https://api.openai.com/v1/embeddings", p.BuildEmbedURL("", "m"))
}

func TestOpenAIGroqKeySelection(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "openai-key")
	t.Setenv("GROQ_API_KEY", "groq-key")

	p := &OpenAIProvider{}

	req, err := http.NewRequest(http.MethodPost, "https://api.groq.com/openai/v1/chat/completions", nil)
	require.NoError(t, err)
	p.SetHeaders(req)
	assert.Equal(t, "Bearer groq-key", req.Header.Get("Authorization"))

	req, err = http.NewRequest(http.MethodPost, "https://api.openai.com/v1/chat/completions", nil)
	require.NoError(t, err)
	p.SetHeaders(req)
	assert.Equal(t, "Bearer openai-key", req.Header.Get("Authorization"))
}

func TestOpenAIParseResponse(t *testing.T) {
	p := &OpenAIProvider{}

	body := `{"model":"llama-3.3-70b-versatile","choices":[{"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`
	resp, err := p.ParseResponse([]byte(body), "llama-3.3-70b-versatile")
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
	assert.Equal(t, "stop", resp.FinishReason)

	_, err = p.ParseResponse([]byte(`{"choices":[]}`), "m")
	assert.Error(t, err)
}

func TestCohereBuildRequestBodySplitsRoles(t *testing.T) {
	p := &CohereProvider{}

	body, err := p.BuildRequestBody("command-r-plus", []llm.Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "first question"},
		{Role: "assistant", Content: "first answer"},
		{Role: "user", Content: "second question"},
	}, nil, 0)
	require.NoError(t, err)

	var req struct {
		Model       string `json:"model"`
		Message     string `json:"message"`
		Preamble    string `json:"preamble"`
		ChatHistory []struct {
			Role    string `json:"role"`
			Message string `json:"message"`
		} `json:"chat_history"`
	}
	require.NoError(t, json.Unmarshal(body, &req))

	assert.Equal(t, "command-r-plus", req.Model)
	assert.Equal(t, "second question", req.Message)
	assert.Equal(t, "be terse", req.Preamble)
	require.Len(t, req.ChatHistory, 2)
	assert.Equal(t, "USER", req.ChatHistory[0].Role)
	assert.Equal(t, "CHATBOT", req.ChatHistory[1].Role)
}

func TestCohereParseResponse(t *testing.T) {
	p := &CohereProvider{}

	body := `{"text":"advice","finish_reason":"COMPLETE","meta":{"tokens":{"input_tokens":10,"output_tokens":4}}}`
	resp, err := p.ParseResponse([]byte(body), "command-r")
	require.NoError(t, err)
	assert.Equal(t, "advice", resp.Content)
	assert.Equal(t, 14, resp.Usage.TotalTokens)

	_, err = p.ParseResponse([]byte(`{"text":""}`), "command-r")
	assert.Error(t, err)
}

func TestCohereEmbedBodyUsesSearchQuery(t *testing.T) {
	p := &CohereProvider{}

	body, err := p.BuildEmbedBody("embed-english-v3.0", []string{"maize rust"})
	require.NoError(t, err)

	var req struct {
		Model     string   `json:"model"`
		Texts     []string `json:"texts"`
		InputType string   `json:"input_type"`
	}
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "search_query", req.InputType)
	assert.Equal(t, []string{"maize rust"}, req.Texts)
}

func TestGeminiBuildURLIncludesModel(t *testing.T) {
	p := &GeminiProvider{}

	assert.Equal(t,
		"https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:generateContent",
		p.BuildURL("", "gemini-2.0-flash"))
	assert.Equal(t,
		"http://localhost:8081/models/gemini-2.0-flash:generateContent",
		p.BuildURL("http://localhost:8081/", "gemini-2.0-flash"))
}

func TestGeminiBuildRequestBodyRoles(t *testing.T) {
	p := &GeminiProvider{}

	body, err := p.BuildRequestBody("gemini-2.0-flash", []llm.Message{
		{Role: "system", Content: "classify"},
		{Role: "user", Content: "question"},
		{Role: "assistant", Content: "answer"},
	}, nil, 100)
	require.NoError(t, err)

	var req struct {
		Contents []struct {
			Role string `json:"role"`
		} `json:"contents"`
		SystemInstruction *struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"systemInstruction"`
		GenerationConfig *struct {
			MaxOutputTokens int `json:"maxOutputTokens"`
		} `json:"generationConfig"`
	}
	require.NoError(t, json.Unmarshal(body, &req))

	require.NotNil(t, req.SystemInstruction)
	assert.Equal(t, "classify", req.SystemInstruction.Parts[0].Text)
	require.Len(t, req.Contents, 2)
	assert.Equal(t, "user", req.Contents[0].Role)
	assert.Equal(t, "model", req.Contents[1].Role)
	require.NotNil(t, req.GenerationConfig)
	assert.Equal(t, 100, req.GenerationConfig.MaxOutputTokens)
}

func TestGeminiParseResponseJoinsParts(t *testing.T) {
	p := &GeminiProvider{}

	body := `{"candidates":[{"content":{"role":"model","parts":[{"text":"part one "},{"text":"part two"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":3,"totalTokenCount":10}}`
	resp, err := p.ParseResponse([]byte(body), "gemini-2.0-flash")
	require.NoError(t, err)
	assert.Equal(t, "part one part two", resp.Content)
	assert.Equal(t, 10, resp.Usage.TotalTokens)

	_, err = p.ParseResponse([]byte(`{"candidates":[]}`), "gemini-2.0-flash")
	assert.Error(t, err)
}
