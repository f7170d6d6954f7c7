package detectors

import (
	"context"
	"regexp"

	"github.com/triage-ai/bastion/internal/engine"
)

var contentModRules = []rule{
	// Violence
	{"cm-weapon-build", regexp.MustCompile(`(?i)\b(how\s+to\s+)?(make|build|create|construct)\s+(a\s+)?(bomb|explosive|weapon|gun|firearm)\b`), engine.SeverityHigh, "violence", "weapon/explosive creation instructions"},
	{"cm-harm-people", regexp.MustCompile(`(?i)\b(how\s+to\s+)?(kill|murder|assassinate|poison)\s+(a\s+)?(person|someone|people|human)\b`), engine.SeverityCritical, "violence", "instructions to harm people"},
	{"cm-weapon-guide", regexp.MustCompile(`(?i)\b(detailed\s+)?(instructions|steps|guide)\s+(for|to|on)\s+(making|creating|building)\s+(a\s+)?(bomb|explosive|weapon)\b`), engine.SeverityCritical, "violence", "detailed weapon instructions"},

	// Self-harm
	{"cm-suicide-howto", regexp.MustCompile(`(?i)\b(how\s+to\s+)(commit\s+suicide|kill\s+(myself|yourself)|end\s+(my|your)\s+life)\b`), engine.SeverityCritical, "self_harm", "suicide instructions"},
	{"cm-suicide-methods", regexp.MustCompile(`(?i)\b(methods|ways)\s+(of|to|for)\s+(committing\s+)?suicide\b`), engine.SeverityHigh, "self_harm", "suicide methods"},
	{"cm-encourage-harm", regexp.MustCompile(`(?i)\b(encourage|encouraging|promote|promoting)\s+(self[- ]?harm|suicide|cutting)\b`), engine.SeverityHigh, "self_harm", "encouraging self-harm"},

	// CSAM
	{"cm-csam", regexp.MustCompile(`(?i)\b(child|minor|underage|kid)\s+(sexual|porn|nude|naked|explicit)\b`), engine.SeverityCritical, "csam", "child sexual content"},
	{"cm-csam-reversed", regexp.MustCompile(`(?i)\b(sexual|porn|nude|naked|explicit)\s+(child|minor|underage|kid)\b`), engine.SeverityCritical, "csam", "child sexual content"},

	// Illegal activities
	{"cm-hack-critical", regexp.MustCompile(`(?i)\b(how\s+to\s+)(hack|breach|break\s+into)\s+(a\s+)?(bank|government|military)\s+(system|server|database|network)\b`), engine.SeverityHigh, "illegal", "hacking instructions for critical systems"},
	{"cm-drugs", regexp.MustCompile(`(?i)\b(synthesize|manufacture|produce|cook)\s+(methamphetamine|fentanyl|heroin|cocaine|meth)\b`), engine.SeverityCritical, "illegal", "drug manufacturing instructions"},
}

// Plain blocked terms, matched case-insensitively as whole phrases.
var contentModBlockedTerms = []struct {
	id       string
	term     string
	severity engine.Severity
	detail   string
}{
	{"cm-term-csam", "child pornography", engine.SeverityCritical, "explicit term"},
	{"cm-term-csam-short", "child porn", engine.SeverityCritical, "explicit term"},
}

var contentModTermRules = func() []rule {
	out := make([]rule, 0, len(contentModBlockedTerms))
	for _, t := range contentModBlockedTerms {
		out = append(out, rule{
			id:          t.id,
			re:          regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(t.term) + `\b`),
			severity:    t.severity,
			subcategory: "csam",
			detail:      t.detail,
		})
	}
	return out
}()

// ContentModDetector scans for content policy violations.
type ContentModDetector struct{}

func NewContentModDetector() *ContentModDetector {
	return &ContentModDetector{}
}

func (d *ContentModDetector) Name() string {
	return "content_moderation"
}

func (d *ContentModDetector) Detect(ctx context.Context, req *engine.DetectRequest) ([]engine.Finding, error) {
	findings := scanRules(ctx, req.Text, engine.CategoryContentModeration, contentModTermRules)
	return append(findings, scanRules(ctx, req.Text, engine.CategoryContentModeration, contentModRules)...), nil
}
