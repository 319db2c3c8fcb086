// Package model provides capability-based model selection and deterministic
// model-name validation. Components specify capabilities (matching, repair,
// generation) and the registry resolves them to available models with
// fallback chains.
package model

// Capability represents a semantic capability for model selection.
type Capability string

const (
	// CapabilityMatching is for mapping user messages to templates.
	CapabilityMatching Capability = "matching"

	// CapabilityRepair is for patching failed template code.
	CapabilityRepair Capability = "repair"

	// CapabilityGeneration is for synthesizing new template code.
	CapabilityGeneration Capability = "generation"

	// CapabilityFast is for quick responses, simple tasks.
	CapabilityFast Capability = "fast"
)

// IsValid checks if a capability string is a known capability.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityMatching, CapabilityRepair, CapabilityGeneration, CapabilityFast:
		return true
	}
	return false
}

// String returns the string representation of the capability.
func (c Capability) String() string {
	return string(c)
}

// ParseCapability converts a string to a Capability, returning empty for
// invalid values.
func ParseCapability(s string) Capability {
	cap := Capability(s)
	if cap.IsValid() {
		return cap
	}
	return ""
}
