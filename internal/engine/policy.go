package engine

// PolicyConfig represents per-request detector configuration.
// Callers may send it with a validation request; the server also builds
// one from the detection section of its configuration.
type PolicyConfig struct {
	Detectors map[string]DetectorPolicy `json:"detectors" yaml:"detectors"`
}

// GetDetectorPolicy returns the policy for a detector by name.
// If the PolicyConfig is nil or the detector is missing, returns
// a zero-value DetectorPolicy (all nil fields → server defaults).
func (pc *PolicyConfig) GetDetectorPolicy(detectorName string) DetectorPolicy {
	if pc == nil || pc.Detectors == nil {
		return DetectorPolicy{}
	}
	return pc.Detectors[detectorName]
}

// Merge overlays other on top of pc and returns a new config. Entries in
// other win. Neither input is modified.
func (pc *PolicyConfig) Merge(other *PolicyConfig) *PolicyConfig {
	if pc == nil {
		return other
	}
	if other == nil {
		return pc
	}
	out := &PolicyConfig{Detectors: make(map[string]DetectorPolicy, len(pc.Detectors)+len(other.Detectors))}
	for k, v := range pc.Detectors {
		out.Detectors[k] = v
	}
	for k, v := range other.Detectors {
		out.Detectors[k] = v
	}
	return out
}

// DetectorPolicy controls behavior of a single detector.
// All pointer fields use nil to mean "use server default".
type DetectorPolicy struct {
	Enabled      *bool    `json:"enabled" yaml:"enabled"`             // nil = use server default (true)
	AllowedTools []string `json:"allowed_tools" yaml:"allowed_tools"` // tool_abuse only, glob patterns
	BlockedTools []string `json:"blocked_tools" yaml:"blocked_tools"` // tool_abuse only, glob patterns
}

// IsEnabled returns whether the detector is enabled.
// A nil Enabled field defaults to true (all detectors on by default).
func (dp DetectorPolicy) IsEnabled() bool {
	if dp.Enabled == nil {
		return true
	}
	return *dp.Enabled
}
