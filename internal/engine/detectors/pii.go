package detectors

import (
	"context"
	"regexp"

	"github.com/triage-ai/bastion/internal/engine"
)

// High precision PII patterns, one per type.
var piiRules = []rule{
	// SSN: 123-45-6789 or 123 45 6789
	{"pii-ssn", regexp.MustCompile(`\b\d{3}[-\s]\d{2}[-\s]\d{4}\b`), engine.SeverityHigh, "ssn", "Social Security Number"},

	// Credit cards with optional spaces/dashes
	{"pii-card-visa", regexp.MustCompile(`\b4\d{3}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`), engine.SeverityHigh, "credit_card", "credit card (Visa)"},
	{"pii-card-mastercard", regexp.MustCompile(`\b5[1-5]\d{2}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`), engine.SeverityHigh, "credit_card", "credit card (Mastercard)"},
	{"pii-card-amex", regexp.MustCompile(`\b3[47]\d{2}[-\s]?\d{6}[-\s]?\d{5}\b`), engine.SeverityHigh, "credit_card", "credit card (Amex)"},
	{"pii-card-discover", regexp.MustCompile(`\b6011[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`), engine.SeverityHigh, "credit_card", "credit card (Discover)"},

	{"pii-email", regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`), engine.SeverityMedium, "email", "email address"},

	// (123) 456-7890, 123-456-7890, +1-123-456-7890
	{"pii-phone-us", regexp.MustCompile(`(\+1[-\s]?)?\(?\d{3}\)?[-\s.]?\d{3}[-\s.]?\d{4}\b`), engine.SeverityMedium, "phone", "phone number (US)"},
	{"pii-phone-intl", regexp.MustCompile(`\+\d{1,3}[-\s]?\d{1,4}[-\s]?\d{3,4}[-\s]?\d{3,4}\b`), engine.SeverityMedium, "phone", "phone number (international)"},

	{"pii-iban", regexp.MustCompile(`\b[A-Z]{2}\d{2}[-\s]?[A-Z0-9]{4}[-\s]?(?:[A-Z0-9]{4}[-\s]?){1,7}[A-Z0-9]{1,4}\b`), engine.SeverityHigh, "iban", "IBAN"},
}

// PIIDetector scans text for personally identifiable information.
type PIIDetector struct{}

func NewPIIDetector() *PIIDetector {
	return &PIIDetector{}
}

func (d *PIIDetector) Name() string {
	return "pii"
}

func (d *PIIDetector) Detect(ctx context.Context, req *engine.DetectRequest) ([]engine.Finding, error) {
	findings := scanRules(ctx, req.Text, engine.CategoryPIILeakage, piiRules)
	for i := range findings {
		// Matched PII is not echoed back.
		findings[i].Match.Text = redact(findings[i].Match.Text)
	}
	return findings, nil
}

// redact keeps the last four characters of a match.
func redact(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
