package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/modelexchange/mxf/pkg/models"
)

// schemaChecker compiles and caches tool input schemas. Compilation is
// per-tool and invalidated when the declared schema text changes.
type schemaChecker struct {
	mu       sync.Mutex
	compiled map[string]*compiledSchema
}

type compiledSchema struct {
	raw    string
	schema *jsonschema.Schema
}

func newSchemaChecker() *schemaChecker {
	return &schemaChecker{compiled: make(map[string]*compiledSchema)}
}

func (c *schemaChecker) compile(tool string, raw json.RawMessage) (*jsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.compiled[tool]; ok && entry.raw == string(raw) {
		return entry.schema, nil
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(tool+".json", strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(tool + ".json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	c.compiled[tool] = &compiledSchema{raw: string(raw), schema: schema}
	return schema, nil
}

// check validates input against the tool's declared schema and maps schema
// violations to findings: missing-required and type mismatches are high
// severity, unexpected extra fields medium.
func (c *schemaChecker) check(def models.ToolDefinition, input json.RawMessage) []models.Finding {
	if len(def.InputSchema) == 0 {
		return nil
	}
	schema, err := c.compile(def.Name, def.InputSchema)
	if err != nil {
		return []models.Finding{{
			Kind:     models.FindingSchema,
			Severity: models.SeverityMedium,
			Message:  fmt.Sprintf("tool %s declares an uncompilable schema: %v", def.Name, err),
		}}
	}

	var value any
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if err := json.Unmarshal(input, &value); err != nil {
		return []models.Finding{{
			Kind:     models.FindingSchema,
			Severity: models.SeverityHigh,
			Message:  fmt.Sprintf("input is not valid JSON: %v", err),
		}}
	}

	err = schema.Validate(value)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []models.Finding{{
			Kind:     models.FindingSchema,
			Severity: models.SeverityHigh,
			Message:  err.Error(),
		}}
	}
	return flattenSchemaErrors(ve)
}

func flattenSchemaErrors(ve *jsonschema.ValidationError) []models.Finding {
	var findings []models.Finding
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			findings = append(findings, schemaFinding(e))
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(ve)
	return findings
}

func schemaFinding(e *jsonschema.ValidationError) models.Finding {
	msg := e.Message
	severity := models.SeverityHigh
	keyword := keywordOf(e.KeywordLocation)
	switch keyword {
	case "additionalProperties", "unevaluatedProperties":
		severity = models.SeverityMedium
	}
	location := strings.TrimPrefix(e.InstanceLocation, "/")
	if location != "" {
		msg = fmt.Sprintf("%s: %s", location, msg)
	}
	return models.Finding{
		Kind:     models.FindingSchema,
		Severity: severity,
		Message:  msg,
	}
}

func keywordOf(keywordLocation string) string {
	parts := strings.Split(keywordLocation, "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] != "" {
			return parts[i]
		}
	}
	return ""
}
