// Package model provides capability-based backend selection for pipeline steps.
// Instead of hardcoding model names, steps specify capabilities (classification,
// embedding, reasoning) and the registry resolves them to configured backends
// with fallback chains.
package model

// Capability represents a semantic capability for backend selection.
// Instead of specifying "command-r-plus", steps specify "reasoning" or "embedding".
type Capability string

const (
	// CapabilityClassification is for routing queries to asset type and region.
	CapabilityClassification Capability = "classification"

	// CapabilityEmbedding is for turning query text into vectors for index search.
	CapabilityEmbedding Capability = "embedding"

	// CapabilityReasoning is for diagnosis synthesis over the full session context.
	CapabilityReasoning Capability = "reasoning"

	// CapabilityFast is for quick responses, simple tasks.
	CapabilityFast Capability = "fast"
)

// StepCapabilities maps pipeline steps to their default capability.
// Used when no explicit capability is specified.
var StepCapabilities = map[string]Capability{
	"classifier": CapabilityClassification,
	"retrieval":  CapabilityEmbedding,
	"diagnostic": CapabilityReasoning,
	"action":     CapabilityFast,
}

// CapabilityForStep returns the default capability for a given pipeline step.
// Returns CapabilityFast as fallback for unknown steps.
func CapabilityForStep(step string) Capability {
	if cap, ok := StepCapabilities[step]; ok {
		return cap
	}
	return CapabilityFast
}

// IsValid checks if a capability string is a known capability.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityClassification, CapabilityEmbedding, CapabilityReasoning, CapabilityFast:
		return true
	}
	return false
}

// String returns the string representation of the capability.
func (c Capability) String() string {
	return string(c)
}

// ParseCapability converts a string to a Capability, returning empty for invalid values.
func ParseCapability(s string) Capability {
	cap := Capability(s)
	if cap.IsValid() {
		return cap
	}
	return ""
}
