package model

import (
	"encoding/json"
	"sync"
	"time"
)

// Registry manages backend selection based on capabilities.
// It maps capabilities to preferred backends with fallback chains.
// The capability and endpoint tables are read-only after startup;
// only health state mutates at runtime.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[Capability]*CapabilityConfig
	endpoints    map[string]*EndpointConfig
	defaults     *DefaultsConfig
	health       *healthState
}

// CapabilityConfig defines backend preferences for a capability.
type CapabilityConfig struct {
	// Description explains what this capability is for.
	Description string `json:"description"`

	// Preferred lists backends in order of preference.
	// The first available backend is used.
	Preferred []string `json:"preferred"`

	// Fallback lists backup backends if all preferred fail.
	Fallback []string `json:"fallback"`
}

// EndpointConfig defines an available model backend.
type EndpointConfig struct {
	// Provider is the wire protocol (openai, gemini, cohere).
	Provider string `json:"provider"`

	// URL is the API endpoint URL (empty uses the provider default).
	URL string `json:"url,omitempty"`

	// Model is the actual model identifier to send to the provider.
	Model string `json:"model"`

	// Timeout bounds a single request to this backend.
	Timeout time.Duration `json:"timeout,omitempty"`

	// MaxAttempts is the retry budget for this backend. Zero uses the
	// client's default retry configuration.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// MaxTokens is the context window size.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// DefaultsConfig holds default backend settings.
type DefaultsConfig struct {
	// Backend is the default backend when no capability matches.
	Backend string `json:"backend"`
}

// NewRegistry creates a new backend registry with the given configuration.
func NewRegistry(caps map[Capability]*CapabilityConfig, endpoints map[string]*EndpointConfig) *Registry {
	return &Registry{
		capabilities: caps,
		endpoints:    endpoints,
		defaults: &DefaultsConfig{
			Backend: "default",
		},
	}
}

// NewDefaultRegistry creates a registry with sensible defaults.
// The default chains mirror the free-tier providers the advisory service
// ships with: Groq (OpenAI-compatible), Gemini, and Cohere.
func NewDefaultRegistry() *Registry {
	return &Registry{
		capabilities: map[Capability]*CapabilityConfig{
			CapabilityClassification: {
				Description: "Query routing: asset type and region extraction",
				Preferred:   []string{"groq-llama"},
				Fallback:    []string{"gemini-flash", "cohere-command"},
			},
			CapabilityEmbedding: {
				Description: "Query embeddings for vector index search",
				Preferred:   []string{"cohere-embed"},
				Fallback:    []string{"openai-embed"},
			},
			CapabilityReasoning: {
				Description: "Diagnosis synthesis over full session context",
				Preferred:   []string{"cohere-command-plus"},
				Fallback:    []string{"gemini-flash", "groq-llama"},
			},
			CapabilityFast: {
				Description: "Quick responses, simple tasks",
				Preferred:   []string{"groq-llama"},
				Fallback:    []string{"gemini-flash"},
			},
		},
		endpoints: map[string]*EndpointConfig{
			"groq-llama": {
				Provider:    "openai",
				URL:         "https://api.groq.com/openai/v1",
				Model:       "llama-3.3-70b-versatile",
				Timeout:     30 * time.Second,
				MaxAttempts: 2,
			},
			"gemini-flash": {
				Provider:    "gemini",
				Model:       "gemini-2.0-flash",
				Timeout:     30 * time.Second,
				MaxAttempts: 2,
			},
			"cohere-command": {
				Provider:    "cohere",
				Model:       "command-r",
				Timeout:     30 * time.Second,
				MaxAttempts: 2,
			},
			"cohere-command-plus": {
				Provider:    "cohere",
				Model:       "command-r-plus",
				Timeout:     60 * time.Second,
				MaxAttempts: 3,
			},
			"cohere-embed": {
				Provider:    "cohere",
				Model:       "embed-english-v3.0",
				Timeout:     15 * time.Second,
				MaxAttempts: 2,
			},
			"openai-embed": {
				Provider:    "openai",
				Model:       "text-embedding-3-small",
				Timeout:     15 * time.Second,
				MaxAttempts: 2,
			},
		},
		defaults: &DefaultsConfig{
			Backend: "groq-llama",
		},
	}
}

// Resolve returns the preferred backend for a capability.
// Returns the first backend in the preferred list.
// Fallback handling is done by the llm client on failure.
func (r *Registry) Resolve(cap Capability) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.capabilities[cap]; ok && len(cfg.Preferred) > 0 {
		return cfg.Preferred[0]
	}
	return r.defaults.Backend
}

// GetFallbackChain returns all backends for a capability in order of preference.
// Used by the llm client when the primary fails to try alternatives.
func (r *Registry) GetFallbackChain(cap Capability) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.capabilities[cap]; ok {
		chain := make([]string, 0, len(cfg.Preferred)+len(cfg.Fallback))
		chain = append(chain, cfg.Preferred...)
		chain = append(chain, cfg.Fallback...)
		return chain
	}
	return []string{r.defaults.Backend}
}

// GetEndpoint returns the endpoint configuration for a backend name.
// Returns nil if the backend is not configured.
func (r *Registry) GetEndpoint(name string) *EndpointConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.endpoints[name]
}

// SetCapability updates or adds a capability configuration.
func (r *Registry) SetCapability(cap Capability, cfg *CapabilityConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.capabilities == nil {
		r.capabilities = make(map[Capability]*CapabilityConfig)
	}
	r.capabilities[cap] = cfg
}

// SetEndpoint updates or adds an endpoint configuration.
func (r *Registry) SetEndpoint(name string, cfg *EndpointConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.endpoints == nil {
		r.endpoints = make(map[string]*EndpointConfig)
	}
	r.endpoints[name] = cfg
}

// SetDefault sets the default backend.
func (r *Registry) SetDefault(backend string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.defaults == nil {
		r.defaults = &DefaultsConfig{}
	}
	r.defaults.Backend = backend
}

// ListCapabilities returns all configured capabilities.
func (r *Registry) ListCapabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caps := make([]Capability, 0, len(r.capabilities))
	for cap := range r.capabilities {
		caps = append(caps, cap)
	}
	return caps
}

// ListEndpoints returns all configured backend names.
func (r *Registry) ListEndpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	return names
}

// MarshalJSON implements json.Marshaler for the registry.
func (r *Registry) MarshalJSON() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return json.Marshal(struct {
		Capabilities map[Capability]*CapabilityConfig `json:"capabilities"`
		Endpoints    map[string]*EndpointConfig       `json:"endpoints"`
		Defaults     *DefaultsConfig                  `json:"defaults,omitempty"`
	}{
		Capabilities: r.capabilities,
		Endpoints:    r.endpoints,
		Defaults:     r.defaults,
	})
}

// UnmarshalJSON implements json.Unmarshaler for the registry.
func (r *Registry) UnmarshalJSON(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var tmp struct {
		Capabilities map[Capability]*CapabilityConfig `json:"capabilities"`
		Endpoints    map[string]*EndpointConfig       `json:"endpoints"`
		Defaults     *DefaultsConfig                  `json:"defaults,omitempty"`
	}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}

	r.capabilities = tmp.Capabilities
	r.endpoints = tmp.Endpoints
	r.defaults = tmp.Defaults
	return nil
}
