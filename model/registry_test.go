package model

import (
	"encoding/json"
	"testing"
	"time"
)

func testRegistry() *Registry {
	return NewRegistry(
		map[Capability]*CapabilityConfig{
			CapabilityReasoning: {
				Preferred: []string{"primary"},
				Fallback:  []string{"secondary", "tertiary"},
			},
			CapabilityEmbedding: {
				Preferred: []string{"embed-primary"},
			},
		},
		map[string]*EndpointConfig{
			"primary":       {Provider: "cohere", Model: "command-r-plus", Timeout: 30 * time.Second},
			"secondary":     {Provider: "gemini", Model: "gemini-2.0-flash"},
			"tertiary":      {Provider: "openai", Model: "llama-3.3-70b-versatile"},
			"embed-primary": {Provider: "cohere", Model: "embed-english-v3.0"},
		},
	)
}

func TestResolve(t *testing.T) {
	r := testRegistry()

	if got := r.Resolve(CapabilityReasoning); got != "primary" {
		t.Errorf("Resolve(reasoning) = %q, want primary", got)
	}
	// Unknown capability falls back to the default backend.
	if got := r.Resolve(CapabilityFast); got != "default" {
		t.Errorf("Resolve(fast) = %q, want default", got)
	}
}

func TestGetFallbackChain(t *testing.T) {
	r := testRegistry()

	chain := r.GetFallbackChain(CapabilityReasoning)
	want := []string{"primary", "secondary", "tertiary"}
	if len(chain) != len(want) {
		t.Fatalf("chain = %v, want %v", chain, want)
	}
	for i := range want {
		if chain[i] != want[i] {
			t.Errorf("chain[%d] = %q, want %q", i, chain[i], want[i])
		}
	}

	// An unconfigured capability falls through to the default backend.
	if chain := r.GetFallbackChain(CapabilityClassification); len(chain) != 1 || chain[0] != "default" {
		t.Errorf("unconfigured capability chain = %v, want [default]", chain)
	}
}

func TestGetEndpoint(t *testing.T) {
	r := testRegistry()

	ep := r.GetEndpoint("primary")
	if ep == nil {
		t.Fatal("GetEndpoint(primary) = nil")
	}
	if ep.Provider != "cohere" || ep.Model != "command-r-plus" {
		t.Errorf("endpoint = %+v", ep)
	}
	if r.GetEndpoint("missing") != nil {
		t.Error("GetEndpoint(missing) should be nil")
	}
}

func TestNewDefaultRegistryCoversPipelineCapabilities(t *testing.T) {
	r := NewDefaultRegistry()

	for _, cap := range []Capability{CapabilityClassification, CapabilityEmbedding, CapabilityReasoning, CapabilityFast} {
		chain := r.GetFallbackChain(cap)
		if len(chain) == 0 {
			t.Errorf("capability %s has no backends", cap)
		}
		for _, name := range chain {
			if r.GetEndpoint(name) == nil {
				t.Errorf("capability %s references unknown endpoint %s", cap, name)
			}
		}
	}
}

func TestCapabilityForStep(t *testing.T) {
	tests := []struct {
		step string
		want Capability
	}{
		{"classifier", CapabilityClassification},
		{"retrieval", CapabilityEmbedding},
		{"diagnostic", CapabilityReasoning},
		{"action", CapabilityFast},
		{"unknown-step", CapabilityFast},
	}
	for _, tt := range tests {
		if got := CapabilityForStep(tt.step); got != tt.want {
			t.Errorf("CapabilityForStep(%q) = %q, want %q", tt.step, got, tt.want)
		}
	}
}

func TestRegistryJSONRoundTrip(t *testing.T) {
	r := testRegistry()

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded Registry
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if got := decoded.Resolve(CapabilityReasoning); got != "primary" {
		t.Errorf("round-tripped Resolve = %q, want primary", got)
	}
	ep := decoded.GetEndpoint("primary")
	if ep == nil || ep.Timeout != 30*time.Second {
		t.Errorf("round-tripped endpoint = %+v", ep)
	}
}
