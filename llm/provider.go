package llm

import (
	"net/http"
	"sync"
)

// Provider defines the interface for model backend implementations.
type Provider interface {
	// Name returns the provider identifier (e.g., "openai", "cohere").
	Name() string

	// BuildURL constructs the full chat API endpoint URL. Providers that
	// address models by path (Gemini) use the model id; others ignore it.
	BuildURL(baseURL, model string) string

	// SetHeaders adds provider-specific headers to the request.
	SetHeaders(req *http.Request)

	// BuildRequestBody creates the JSON request body for the provider.
	// temperature is nil to use provider default, or a pointer to explicit value.
	BuildRequestBody(model string, messages []Message, temperature *float64, maxTokens int) ([]byte, error)

	// ParseResponse extracts the response from provider-specific JSON.
	ParseResponse(body []byte, model string) (*Response, error)
}

// Embedder is implemented by providers that also serve embeddings.
// Backends tagged with the embedding capability must resolve to a
// provider implementing this interface.
type Embedder interface {
	// BuildEmbedURL constructs the embeddings API endpoint URL.
	BuildEmbedURL(baseURL, model string) string

	// BuildEmbedBody creates the JSON request body for an embedding call.
	BuildEmbedBody(model string, input []string) ([]byte, error)

	// ParseEmbedResponse extracts vectors from provider-specific JSON.
	ParseEmbedResponse(body []byte) ([][]float64, error)
}

// providerRegistry holds registered providers.
var (
	providerRegistry = make(map[string]Provider)
	providerMu       sync.RWMutex
)

// RegisterProvider adds a provider to the registry.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerRegistry[p.Name()] = p
}

// GetProvider retrieves a provider by name.
func GetProvider(name string) Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providerRegistry[name]
}

// ListProviders returns all registered provider names.
func ListProviders() []string {
	providerMu.RLock()
	defer providerMu.RUnlock()

	names := make([]string, 0, len(providerRegistry))
	for name := range providerRegistry {
		names = append(names, name)
	}
	return names
}
