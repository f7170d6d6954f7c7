package detectors

import (
	"context"
	"regexp"

	"github.com/triage-ai/bastion/internal/engine"
)

// Pre-compiled patterns, compiled once at startup and never during a request.
var promptInjectionRules = []rule{
	{"pi-ignore-previous", regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior)\s+instructions`), engine.SeverityCritical, "instruction_override", "ignore previous instructions"},
	{"pi-ignore-above", regexp.MustCompile(`(?i)ignore\s+(all\s+)?above\s+instructions`), engine.SeverityCritical, "instruction_override", "ignore above instructions"},
	{"pi-disregard", regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions|rules|guidelines)`), engine.SeverityCritical, "instruction_override", "disregard instructions"},
	{"pi-forget", regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|above)\s+(instructions|context)`), engine.SeverityHigh, "instruction_override", "forget instructions"},
	{"pi-you-are-now", regexp.MustCompile(`(?i)you\s+are\s+now\s+`), engine.SeverityHigh, "identity_override", "you are now"},
	{"pi-from-now-on", regexp.MustCompile(`(?i)from\s+now\s+on\s+you\s+(are|will|must|should)`), engine.SeverityHigh, "identity_override", "from now on"},
	{"pi-new-role", regexp.MustCompile(`(?i)your\s+new\s+(role|identity|persona|instructions)\s+(is|are)`), engine.SeverityHigh, "identity_override", "new role"},
	{"pi-act-as", regexp.MustCompile(`(?i)act\s+as\s+(if\s+you\s+are|a)\s+`), engine.SeverityMedium, "identity_override", "act as"},
	{"pi-pretend", regexp.MustCompile(`(?i)pretend\s+(to\s+be|you\s+are)\s+`), engine.SeverityMedium, "identity_override", "pretend"},
	{"pi-system-tag", regexp.MustCompile(`(?i)\[SYSTEM\]`), engine.SeverityHigh, "delimiter_injection", "[SYSTEM] tag"},
	{"pi-chatml", regexp.MustCompile(`(?i)<\|im_start\|>system`), engine.SeverityCritical, "delimiter_injection", "ChatML system tag"},
	{"pi-markdown-header", regexp.MustCompile(`(?i)###\s*(SYSTEM|INSTRUCTION|NEW INSTRUCTION)`), engine.SeverityHigh, "delimiter_injection", "markdown system header"},
	{"pi-begininstruction", regexp.MustCompile(`(?i)BEGININSTRUCTION`), engine.SeverityHigh, "delimiter_injection", "BEGININSTRUCTION"},
	{"pi-dashed-section", regexp.MustCompile(`(?i)---\s*(system|instruction)\s*(prompt|message)?`), engine.SeverityHigh, "delimiter_injection", "dashed system section"},
	{"pi-override", regexp.MustCompile(`(?i)override\s+(system|safety|security)\s+(prompt|instructions|rules|policy)`), engine.SeverityCritical, "explicit_override", "explicit override attempt"},
	{"pi-bypass", regexp.MustCompile(`(?i)bypass\s+(the\s+)?(safety|security|content)\s+(filter|check|policy|rules)`), engine.SeverityCritical, "explicit_override", "explicit bypass attempt"},
	{"pi-negation", regexp.MustCompile(`(?i)do\s+not\s+follow\s+(your|the|any)\s+(rules|guidelines|instructions|safety)`), engine.SeverityHigh, "instruction_override", "instruction negation"},
	{"pi-reveal-prompt", regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system|initial|original|hidden)\s+(prompt|instructions|message)`), engine.SeverityHigh, "prompt_extraction", "system prompt extraction"},
	{"pi-ask-prompt", regexp.MustCompile(`(?i)what\s+(are|is|were)\s+your\s+(system|initial|original|hidden)\s+(prompt|instructions|rules)`), engine.SeverityHigh, "prompt_extraction", "system prompt extraction"},
	{"pi-output-prompt", regexp.MustCompile(`(?i)output\s+(your|the)\s+(system|initial|original)\s+(prompt|instructions|message)`), engine.SeverityHigh, "prompt_extraction", "system prompt extraction"},
}

// PromptInjectionDetector scans text for prompt injection patterns.
type PromptInjectionDetector struct{}

func NewPromptInjectionDetector() *PromptInjectionDetector {
	return &PromptInjectionDetector{}
}

func (d *PromptInjectionDetector) Name() string {
	return "prompt_injection"
}

func (d *PromptInjectionDetector) Detect(ctx context.Context, req *engine.DetectRequest) ([]engine.Finding, error) {
	// All patterns use (?i), so the text is never lowercased (which would
	// allocate a copy on every request).
	return scanRules(ctx, req.Text, engine.CategoryPromptInjection, promptInjectionRules), nil
}
