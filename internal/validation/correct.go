package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelexchange/mxf/pkg/models"
)

// autoCorrect applies the closed table of deterministic corrections to the
// input against the tool's declared schema:
//
//   - clamp numeric values into [minimum, maximum]
//   - canonicalise enum case when a case-insensitive match exists
//   - fill omitted properties that declare a default
//   - truncate strings beyond maxLength
//
// Unknown mutations are never attempted. Returns the corrected input and
// the list of corrections applied; a nil slice means nothing changed.
func autoCorrect(def models.ToolDefinition, input json.RawMessage) (json.RawMessage, []models.Finding) {
	if len(def.InputSchema) == 0 {
		return input, nil
	}
	var schema map[string]any
	if err := json.Unmarshal(def.InputSchema, &schema); err != nil {
		return input, nil
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return input, nil
	}

	var obj map[string]any
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if err := json.Unmarshal(input, &obj); err != nil {
		return input, nil
	}

	var applied []models.Finding
	note := func(format string, args ...any) {
		applied = append(applied, models.Finding{
			Kind:     models.FindingSchema,
			Severity: models.SeverityLow,
			Message:  fmt.Sprintf(format, args...),
			Fix:      "auto-corrected",
		})
	}

	for name, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		value, present := obj[name]

		if !present {
			if def, hasDefault := prop["default"]; hasDefault {
				obj[name] = def
				note("%s: filled default %v", name, def)
			}
			continue
		}

		switch v := value.(type) {
		case float64:
			if min, ok := numberOf(prop["minimum"]); ok && v < min {
				obj[name] = min
				note("%s: clamped %v to minimum %v", name, v, min)
			}
			if max, ok := numberOf(prop["maximum"]); ok && v > max {
				obj[name] = max
				note("%s: clamped %v to maximum %v", name, v, max)
			}
		case string:
			if enum, ok := prop["enum"].([]any); ok {
				if canonical, fixed := canonicalEnum(v, enum); fixed {
					obj[name] = canonical
					note("%s: canonicalised enum %q to %q", name, v, canonical)
				}
			}
			if maxLen, ok := numberOf(prop["maxLength"]); ok && len([]rune(v)) > int(maxLen) {
				truncated := string([]rune(v)[:int(maxLen)])
				obj[name] = truncated
				note("%s: truncated to %d characters", name, int(maxLen))
			}
		}
	}

	if len(applied) == 0 {
		return input, nil
	}
	corrected, err := json.Marshal(obj)
	if err != nil {
		return input, nil
	}
	return corrected, applied
}

func numberOf(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

// canonicalEnum returns the declared spelling when value matches an enum
// member ignoring case but not exactly.
func canonicalEnum(value string, enum []any) (string, bool) {
	for _, member := range enum {
		s, ok := member.(string)
		if !ok {
			continue
		}
		if s == value {
			return value, false
		}
	}
	for _, member := range enum {
		s, ok := member.(string)
		if !ok {
			continue
		}
		if strings.EqualFold(s, value) {
			return s, true
		}
	}
	return value, false
}
