package engine

import (
	"fmt"
	"strings"
	"time"
)

// Severity is the ordered risk level of a finding or a whole validation.
type Severity int

const (
	SeveritySafe Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// Severities lists every severity in ascending order.
var Severities = []Severity{SeveritySafe, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// String returns the lowercase severity name (used for storage and JSON).
func (s Severity) String() string {
	switch s {
	case SeveritySafe:
		return "safe"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unspecified"
	}
}

// ParseSeverity converts a case-insensitive severity name.
func ParseSeverity(s string) (Severity, error) {
	for _, sev := range Severities {
		if strings.EqualFold(strings.TrimSpace(s), sev.String()) {
			return sev, nil
		}
	}
	return SeveritySafe, fmt.Errorf("unknown severity %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Action is the enforcement outcome. Values are ordered by strictness.
type Action int

const (
	ActionAllow Action = iota
	ActionLog
	ActionWarn
	ActionBlock
	ActionBlockNotify
)

var actionNames = map[Action]string{
	ActionAllow:       "allow",
	ActionLog:         "log",
	ActionWarn:        "warn",
	ActionBlock:       "block",
	ActionBlockNotify: "block_notify",
}

// String returns the lowercase action name.
func (a Action) String() string {
	if n, ok := actionNames[a]; ok {
		return n
	}
	return "unspecified"
}

// ParseAction converts a case-insensitive action name ("block_notify" or "BLOCK_NOTIFY").
func ParseAction(s string) (Action, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	for a, n := range actionNames {
		if n == norm {
			return a, nil
		}
	}
	return ActionAllow, fmt.Errorf("unknown action %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Action) UnmarshalText(b []byte) error {
	v, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Blocks reports whether the action stops the request.
func (a Action) Blocks() bool {
	return a == ActionBlock || a == ActionBlockNotify
}

// Category classifies the threat a finding describes.
type Category string

const (
	CategoryPromptInjection   Category = "prompt_injection"
	CategoryJailbreak         Category = "jailbreak"
	CategoryPIILeakage        Category = "pii_leakage"
	CategoryContentModeration Category = "content_moderation"
	CategoryToolAbuse         Category = "tool_abuse"
	CategoryToolSchema        Category = "tool_schema"
	CategoryDataExfiltration  Category = "data_exfiltration"
	CategoryCustomRule        Category = "custom_rule"
)

// Source says where the validated text came from.
type Source string

const (
	SourcePrompt   Source = "prompt"
	SourceToolCall Source = "tool_call"
	SourceOutput   Source = "output"
)

// ToolCall contains tool invocation details.
type ToolCall struct {
	Name          string
	ArgumentsJSON string
}

// Span is the matched portion of the input. Start and End are byte offsets.
type Span struct {
	Text  string `json:"text"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Finding is one detector's evidence of a matched risk pattern.
// Findings are not modified after a detector returns them.
type Finding struct {
	Detector    string            `json:"detector"`
	RuleID      string            `json:"rule_id"`
	Category    Category          `json:"category"`
	Subcategory string            `json:"subcategory,omitempty"`
	Severity    Severity          `json:"severity"`
	Match       Span              `json:"match"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the finding.
func (f Finding) Clone() Finding {
	if f.Metadata != nil {
		md := make(map[string]string, len(f.Metadata))
		for k, v := range f.Metadata {
			md[k] = v
		}
		f.Metadata = md
	}
	return f
}

// LimitState is the rate-limit state an identity is in for a given request.
type LimitState string

const (
	StateNormal    LimitState = "normal"
	StateThrottled LimitState = "throttled"
	StateLockedOut LimitState = "locked_out"
)

// ValidationResult is produced once per validation call.
type ValidationResult struct {
	RequestID       string        `json:"request_id"`
	Identity        string        `json:"identity"`
	Severity        Severity      `json:"severity"`
	Action          Action        `json:"action"`
	Findings        []Finding     `json:"findings"`
	Fingerprint     string        `json:"fingerprint"`
	Timestamp       time.Time     `json:"timestamp"`
	Recommendations []string      `json:"recommendations"`
	State           LimitState    `json:"state"`
	TrustScore      float64       `json:"trust_score"`
	Reason          string        `json:"reason,omitempty"`
	LatencyMs       float64       `json:"latency_ms"`
	Dispatch        DispatchStats `json:"dispatch"`
}

// Clone returns a deep copy so the result can cross a goroutine boundary.
func (r *ValidationResult) Clone() *ValidationResult {
	out := *r
	out.Findings = make([]Finding, len(r.Findings))
	for i, f := range r.Findings {
		out.Findings[i] = f.Clone()
	}
	out.Recommendations = append([]string(nil), r.Recommendations...)
	out.Dispatch.TimedOut = append([]string(nil), r.Dispatch.TimedOut...)
	out.Dispatch.Failed = append([]string(nil), r.Dispatch.Failed...)
	return &out
}
