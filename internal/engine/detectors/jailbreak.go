package detectors

import (
	"context"
	"regexp"

	"github.com/triage-ai/bastion/internal/engine"
)

// Known jailbreak templates and techniques.
var jailbreakRules = []rule{
	// DAN (Do Anything Now) variants
	{"jb-dan", regexp.MustCompile(`(?i)\bDAN\b.*\bdo\s+anything\s+now\b`), engine.SeverityCritical, "dan", "Do Anything Now"},
	{"jb-you-are-dan", regexp.MustCompile(`(?i)you\s+are\s+DAN`), engine.SeverityHigh, "dan", "you are DAN"},
	{"jb-dan-mode", regexp.MustCompile(`(?i)\b(enable\s+)?DAN\s+mode\b`), engine.SeverityHigh, "dan", "DAN mode"},

	// Developer / debug mode
	{"jb-enter-mode", regexp.MustCompile(`(?i)enter\s+(developer|debug|maintenance|god|sudo)\s+mode`), engine.SeverityHigh, "mode_switch", "developer/debug mode"},
	{"jb-mode-enabled", regexp.MustCompile(`(?i)(developer|debug|maintenance|god|sudo)\s+mode\s+(enabled|activated|on)`), engine.SeverityHigh, "mode_switch", "mode enabled"},
	{"jb-unlock", regexp.MustCompile(`(?i)unlock\s+(all\s+)?(restrictions|capabilities|limitations)`), engine.SeverityHigh, "mode_switch", "unlock restrictions"},

	// Roleplay
	{"jb-evil-roleplay", regexp.MustCompile(`(?i)roleplay\s+as\s+(an?\s+)?(evil|unfiltered|unrestricted|uncensored)`), engine.SeverityHigh, "roleplay", "evil/unfiltered character"},
	{"jb-no-restrictions", regexp.MustCompile(`(?i)you\s+have\s+no\s+(restrictions|rules|limitations|guidelines|filters)`), engine.SeverityHigh, "roleplay", "no restrictions claim"},
	{"jb-no-ethics", regexp.MustCompile(`(?i)without\s+(any\s+)?(ethical|moral|safety)\s+(guidelines|restrictions|constraints|considerations)`), engine.SeverityHigh, "roleplay", "without ethical guidelines"},

	// Encoding tricks
	{"jb-respond-encoded", regexp.MustCompile(`(?i)respond\s+(only\s+)?in\s+(base64|hex|rot13|binary|morse)`), engine.SeverityMedium, "encoding", "respond in encoded format"},
	{"jb-encode-response", regexp.MustCompile(`(?i)encode\s+(your\s+)?(response|answer|output)\s+in\s+(base64|hex|rot13)`), engine.SeverityMedium, "encoding", "encode response"},

	// Fictional framing
	{"jb-hypothetical", regexp.MustCompile(`(?i)in\s+a\s+(hypothetical|fictional)\s+(world|scenario|universe)\s+where\s+(there\s+are\s+)?no\s+(rules|restrictions|laws)`), engine.SeverityMedium, "framing", "hypothetical world without rules"},
	{"jb-educational", regexp.MustCompile(`(?i)for\s+(educational|research|academic)\s+purposes\s+only.*\b(how\s+to|explain|describe)\b`), engine.SeverityLow, "framing", "educational framing"},

	// Token smuggling
	{"jb-split-response", regexp.MustCompile(`(?i)split\s+(your\s+)?(response|answer)\s+into\s+(parts|segments|tokens)`), engine.SeverityMedium, "smuggling", "split response"},
	{"jb-continue", regexp.MustCompile(`(?i)continue\s+from\s+where\s+you\s+left\s+off`), engine.SeverityLow, "smuggling", "continuation"},

	{"jb-keyword", regexp.MustCompile(`(?i)\bjailbreak\b`), engine.SeverityMedium, "keyword", "explicit jailbreak keyword"},
	{"jb-uncensored-mode", regexp.MustCompile(`(?i)\buncensored\s+mode\b`), engine.SeverityHigh, "mode_switch", "uncensored mode"},
}

// JailbreakDetector scans text for known jailbreak templates and techniques.
type JailbreakDetector struct{}

func NewJailbreakDetector() *JailbreakDetector {
	return &JailbreakDetector{}
}

func (d *JailbreakDetector) Name() string {
	return "jailbreak"
}

func (d *JailbreakDetector) Detect(ctx context.Context, req *engine.DetectRequest) ([]engine.Finding, error) {
	return scanRules(ctx, req.Text, engine.CategoryJailbreak, jailbreakRules), nil
}
