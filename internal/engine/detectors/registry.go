package detectors

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/triage-ai/bastion/internal/engine"
)

// Config selects and configures the built-in detectors.
type Config struct {
	Disabled         []string               `yaml:"disabled"`
	ToolBlockList    []string               `yaml:"tool_block_list"`
	ToolSchemas      map[string]string      `yaml:"tool_schemas"`
	RemoteClassifier RemoteClassifierConfig `yaml:"remote_classifier"`
}

// RemoteClassifierConfig enables the gRPC classifier when Endpoint is set.
type RemoteClassifierConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// BuiltinNames lists every detector Build knows about.
var BuiltinNames = []string{
	"prompt_injection",
	"jailbreak",
	"pii",
	"content_moderation",
	"tool_abuse",
	"tool_schema",
	"remote_classifier",
}

// Build constructs the enabled detectors. Detectors holding connections
// implement io.Closer; see CloseAll.
func Build(cfg Config, logger *zap.Logger) ([]engine.Detector, error) {
	disabled := make(map[string]bool, len(cfg.Disabled))
	for _, name := range cfg.Disabled {
		if !isBuiltin(name) {
			return nil, fmt.Errorf("Build: unknown detector %q in disabled list", name)
		}
		disabled[name] = true
	}

	toolAbuse, err := NewToolAbuseDetector(cfg.ToolBlockList)
	if err != nil {
		return nil, fmt.Errorf("Build: %w", err)
	}
	toolSchema, err := NewToolSchemaDetector(cfg.ToolSchemas)
	if err != nil {
		return nil, fmt.Errorf("Build: %w", err)
	}

	all := []engine.Detector{
		NewPromptInjectionDetector(),
		NewJailbreakDetector(),
		NewPIIDetector(),
		NewContentModDetector(),
		toolAbuse,
		toolSchema,
	}

	if cfg.RemoteClassifier.Endpoint != "" && !disabled["remote_classifier"] {
		rc, err := NewRemoteClassifier(cfg.RemoteClassifier.Endpoint, logger)
		if err != nil {
			return nil, fmt.Errorf("Build: %w", err)
		}
		all = append(all, rc)
	}

	enabled := make([]engine.Detector, 0, len(all))
	for _, d := range all {
		if disabled[d.Name()] {
			logger.Info("detector disabled", zap.String("detector", d.Name()))
			continue
		}
		enabled = append(enabled, d)
	}
	return enabled, nil
}

// CloseAll closes every detector that holds resources.
func CloseAll(dets []engine.Detector) error {
	var firstErr error
	for _, d := range dets {
		if c, ok := d.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func isBuiltin(name string) bool {
	for _, n := range BuiltinNames {
		if n == name {
			return true
		}
	}
	return false
}
