package detectors

import "github.com/triage-ai/bastion/internal/engine"

func maxSeverity(findings []engine.Finding) engine.Severity {
	max := engine.SeveritySafe
	for _, f := range findings {
		if f.Severity > max {
			max = f.Severity
		}
	}
	return max
}

func hasRule(findings []engine.Finding, id string) bool {
	for _, f := range findings {
		if f.RuleID == id {
			return true
		}
	}
	return false
}
