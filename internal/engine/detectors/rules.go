package detectors

import (
	"context"
	"regexp"

	"github.com/triage-ai/bastion/internal/engine"
)

// maxMatchText bounds the matched text copied into a finding.
const maxMatchText = 120

// rule is one entry of a detector's pattern table.
type rule struct {
	id          string
	re          *regexp.Regexp
	severity    engine.Severity
	subcategory string
	detail      string
}

// scanRules reports the first match of every rule in text. It stops early
// once ctx is done and returns what it found so far.
func scanRules(ctx context.Context, text string, category engine.Category, rules []rule) []engine.Finding {
	var findings []engine.Finding
	for _, r := range rules {
		if ctx.Err() != nil {
			break
		}
		loc := r.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		findings = append(findings, engine.Finding{
			RuleID:      r.id,
			Category:    category,
			Subcategory: r.subcategory,
			Severity:    r.severity,
			Match:       span(text, loc[0], loc[1]),
			Metadata:    map[string]string{"detail": r.detail},
		})
	}
	return findings
}

func span(text string, start, end int) engine.Span {
	m := text[start:end]
	if len(m) > maxMatchText {
		m = m[:maxMatchText]
	}
	return engine.Span{Text: m, Start: start, End: end}
}
