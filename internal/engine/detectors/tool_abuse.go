package detectors

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/triage-ai/bastion/internal/engine"
)

// Dangerous function names that should never be called by an agent.
var blockedFunctionNames = map[string]bool{
	"exec":       true,
	"eval":       true,
	"system":     true,
	"popen":      true,
	"subprocess": true,
	"os.system":  true,
	"os.exec":    true,
	"os.popen":   true,
	"rm":         true,
	"rm -rf":     true,
	"rmdir":      true,
	"del":        true,
	"format":     true,
	"fdisk":      true,
	"mkfs":       true,
	"dd":         true,
	"shutdown":   true,
	"reboot":     true,
	"kill":       true,
	"killall":    true,
	"chmod 777":  true,
}

// SQL injection patterns, scanned in text and tool arguments.
var sqlInjectionRules = []rule{
	{"ta-sql-ddl", regexp.MustCompile(`(?i)\b(DROP|DELETE|TRUNCATE|ALTER)\s+(TABLE|DATABASE|INDEX|SCHEMA)\b`), engine.SeverityHigh, "sql_injection", "destructive DDL"},
	{"ta-sql-union", regexp.MustCompile(`(?i)\bUNION\s+(ALL\s+)?SELECT\b`), engine.SeverityHigh, "sql_injection", "UNION SELECT"},
	{"ta-sql-stacked", regexp.MustCompile(`(?i);\s*(DROP|DELETE|TRUNCATE|ALTER|INSERT|UPDATE)\b`), engine.SeverityHigh, "sql_injection", "stacked query"},
	{"ta-sql-tautology", regexp.MustCompile(`(?i)\bOR\s+1\s*=\s*1\b`), engine.SeverityHigh, "sql_injection", "tautology"},
	{"ta-sql-tautology-str", regexp.MustCompile(`(?i)\bOR\s+'[^']*'\s*=\s*'[^']*'`), engine.SeverityHigh, "sql_injection", "string tautology"},
	{"ta-sql-comment", regexp.MustCompile(`(?i)'\s*--\s*$`), engine.SeverityMedium, "sql_injection", "trailing comment after quote"},
	{"ta-sql-exec", regexp.MustCompile(`(?i)\bEXEC\s*\(`), engine.SeverityHigh, "sql_injection", "EXEC call"},
	{"ta-sql-cmdshell", regexp.MustCompile(`(?i)\bxp_cmdshell\b`), engine.SeverityCritical, "sql_injection", "xp_cmdshell"},
	{"ta-sql-outfile", regexp.MustCompile(`(?i)\bINTO\s+OUTFILE\b`), engine.SeverityHigh, "sql_injection", "INTO OUTFILE"},
	{"ta-sql-loadfile", regexp.MustCompile(`(?i)\bLOAD_FILE\s*\(`), engine.SeverityHigh, "sql_injection", "LOAD_FILE"},
}

// Command injection patterns, scanned only for tool calls.
var commandInjectionRules = []rule{
	{"ta-cmd-chain", regexp.MustCompile(`[;&|]\s*(cat|ls|pwd|whoami|id|uname|curl|wget|nc|ncat|bash|sh|zsh|python|perl|ruby|php)\b`), engine.SeverityHigh, "command_injection", "chained shell command"},
	{"ta-cmd-backtick", regexp.MustCompile("`[^`]+`"), engine.SeverityHigh, "command_injection", "backtick substitution"},
	{"ta-cmd-subst", regexp.MustCompile(`\$\([^)]+\)`), engine.SeverityHigh, "command_injection", "$() substitution"},
	{"ta-cmd-pipe-shell", regexp.MustCompile(`\|\s*(bash|sh|zsh)`), engine.SeverityCritical, "command_injection", "pipe to shell"},
	{"ta-cmd-write-etc", regexp.MustCompile(`>\s*/etc/`), engine.SeverityCritical, "command_injection", "write to /etc"},
	{"ta-cmd-write-tmp", regexp.MustCompile(`>\s*/tmp/`), engine.SeverityMedium, "command_injection", "write to /tmp"},
}

// ToolAbuseDetector checks tool calls for dangerous functions and
// injection attacks. Allow and block lists are doublestar globs matched
// against the lowercased tool name.
type ToolAbuseDetector struct {
	blockList []string
}

// NewToolAbuseDetector returns a detector with a process-wide block list
// that applies in addition to the per-request lists.
func NewToolAbuseDetector(blockList []string) (*ToolAbuseDetector, error) {
	patterns := make([]string, 0, len(blockList))
	for _, p := range blockList {
		p = strings.ToLower(strings.TrimSpace(p))
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("NewToolAbuseDetector: invalid tool pattern %q", p)
		}
		patterns = append(patterns, p)
	}
	return &ToolAbuseDetector{blockList: patterns}, nil
}

func (d *ToolAbuseDetector) Name() string {
	return "tool_abuse"
}

func (d *ToolAbuseDetector) Detect(ctx context.Context, req *engine.DetectRequest) ([]engine.Finding, error) {
	var findings []engine.Finding

	targets := []string{req.Text}
	if req.ToolCall != nil {
		findings = append(findings, d.checkName(req)...)
		if args := req.ToolCall.ArgumentsJSON; args != "" && args != req.Text {
			targets = append(targets, args)
		}
	}

	for i, target := range targets {
		if target == "" {
			continue
		}
		found := scanRules(ctx, target, engine.CategoryToolAbuse, sqlInjectionRules)
		if req.Source == engine.SourceToolCall || req.ToolCall != nil {
			found = append(found, scanRules(ctx, target, engine.CategoryToolAbuse, commandInjectionRules)...)
		}
		if i > 0 {
			for j := range found {
				found[j].Metadata["target"] = "arguments"
			}
		}
		findings = append(findings, found...)
	}
	return findings, nil
}

func (d *ToolAbuseDetector) checkName(req *engine.DetectRequest) []engine.Finding {
	name := strings.ToLower(strings.TrimSpace(req.ToolCall.Name))
	toolFinding := func(id, sub, detail string, sev engine.Severity) engine.Finding {
		return engine.Finding{
			RuleID:      id,
			Category:    engine.CategoryToolAbuse,
			Subcategory: sub,
			Severity:    sev,
			Match:       engine.Span{Text: req.ToolCall.Name},
			Metadata:    map[string]string{"detail": detail, "tool": req.ToolCall.Name},
		}
	}

	var findings []engine.Finding
	if len(req.ToolAllowList) > 0 && !matchAny(name, req.ToolAllowList) {
		findings = append(findings, toolFinding("ta-not-allowed", "policy", "tool not in allow list", engine.SeverityHigh))
	}
	if matchAny(name, req.ToolBlockList) || matchAny(name, d.blockList) {
		findings = append(findings, toolFinding("ta-blocked-tool", "policy", "tool in block list", engine.SeverityHigh))
	}
	if blockedFunctionNames[name] {
		findings = append(findings, toolFinding("ta-dangerous-function", "dangerous_function", "blocked function", engine.SeverityHigh))
	}
	return findings
}

// matchAny reports whether name matches one of the glob patterns.
// Malformed patterns never match.
func matchAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(strings.ToLower(p), name); err == nil && ok {
			return true
		}
	}
	return false
}
