package detectors

import (
	"context"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/triage-ai/bastion/internal/engine"
)

// maxSchemaDetail bounds the validation message kept in a finding.
const maxSchemaDetail = 200

// ToolSchemaDetector validates tool-call arguments against a JSON Schema
// registered for the tool. Tools without a schema are not checked.
type ToolSchemaDetector struct {
	schemas map[string]*jsonschema.Schema
}

// NewToolSchemaDetector compiles one schema document per tool name.
func NewToolSchemaDetector(schemas map[string]string) (*ToolSchemaDetector, error) {
	compiled := make(map[string]*jsonschema.Schema, len(schemas))
	for tool, doc := range schemas {
		name := strings.ToLower(strings.TrimSpace(tool))
		schemaObj, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
		if err != nil {
			return nil, fmt.Errorf("NewToolSchemaDetector: tool %s: %w", tool, err)
		}

		c := jsonschema.NewCompiler()
		url := name + ".schema.json"
		if err := c.AddResource(url, schemaObj); err != nil {
			return nil, fmt.Errorf("NewToolSchemaDetector: tool %s: %w", tool, err)
		}
		sch, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("NewToolSchemaDetector: tool %s: %w", tool, err)
		}
		compiled[name] = sch
	}
	return &ToolSchemaDetector{schemas: compiled}, nil
}

func (d *ToolSchemaDetector) Name() string {
	return "tool_schema"
}

func (d *ToolSchemaDetector) Detect(_ context.Context, req *engine.DetectRequest) ([]engine.Finding, error) {
	if req.ToolCall == nil {
		return nil, nil
	}
	sch, ok := d.schemas[strings.ToLower(strings.TrimSpace(req.ToolCall.Name))]
	if !ok {
		return nil, nil
	}

	args := req.ToolCall.ArgumentsJSON
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(args))
	if err != nil {
		return []engine.Finding{schemaFinding(req.ToolCall.Name, "ts-invalid-json", "arguments are not valid JSON")}, nil
	}
	if err := sch.Validate(inst); err != nil {
		return []engine.Finding{schemaFinding(req.ToolCall.Name, "ts-schema-violation", err.Error())}, nil
	}
	return nil, nil
}

func schemaFinding(tool, id, detail string) engine.Finding {
	if len(detail) > maxSchemaDetail {
		detail = detail[:maxSchemaDetail]
	}
	return engine.Finding{
		RuleID:      id,
		Category:    engine.CategoryToolSchema,
		Subcategory: "arguments",
		Severity:    engine.SeverityMedium,
		Match:       engine.Span{Text: tool},
		Metadata:    map[string]string{"detail": detail, "tool": tool},
	}
}
