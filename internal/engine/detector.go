package engine

import (
	"context"
)

// Detector is the interface every threat detector must implement.
// Implementations must respect context deadlines and return quickly.
type Detector interface {
	// Name returns the detector's unique identifier (e.g., "prompt_injection").
	Name() string

	// Detect scans the request and returns zero or more findings.
	// Malformed input is not an error: return no findings instead.
	Detect(ctx context.Context, req *DetectRequest) ([]Finding, error)
}

// DetectRequest contains the text and context for a detection run.
// Detectors must treat it as read-only; it is shared by every detector
// of a dispatch.
type DetectRequest struct {
	Text          string
	Identity      string
	Source        Source
	ToolCall      *ToolCall // nil unless Source == SourceToolCall
	ToolAllowList []string  // glob patterns, set by the dispatcher from policy
	ToolBlockList []string  // glob patterns, set by the dispatcher from policy
}
