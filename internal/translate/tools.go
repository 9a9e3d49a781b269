package translate

import (
	"sort"

	"claudegate/internal/anthropic"
	"claudegate/internal/gemini"
)

// forbiddenKeywords are JSON Schema keywords the backend's schema dialect
// rejects. They are stripped at schema level but never inside a "properties"
// key set, where they may legitimately be property names.
var forbiddenKeywords = map[string]bool{
	"$schema":              true,
	"$id":                  true,
	"$ref":                 true,
	"definitions":          true,
	"$defs":                true,
	"exclusiveMinimum":     true,
	"exclusiveMaximum":     true,
	"minimum":              true,
	"maximum":              true,
	"minLength":            true,
	"maxLength":            true,
	"minItems":             true,
	"maxItems":             true,
	"propertyNames":        true,
	"patternProperties":    true,
	"additionalItems":      true,
	"default":              true,
	"pattern":              true,
	"contentMediaType":     true,
	"contentEncoding":      true,
}

// TranslateTools sanitizes tool schemas and packages them as backend function
// declarations, sorted by name so the result is order-independent.
func TranslateTools(tools []anthropic.Tool) []gemini.ToolDeclaration {
	if len(tools) == 0 {
		return nil
	}

	decls := make([]gemini.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, gemini.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  SanitizeSchema(t.InputSchema),
		})
	}
	sort.Slice(decls, func(i, j int) bool { return decls[i].Name < decls[j].Name })

	return []gemini.ToolDeclaration{{FunctionDeclarations: decls}}
}

// SanitizeSchema rewrites a JSON Schema into the subset the backend accepts.
// The transform is idempotent: sanitizing an already-sanitized schema is a
// no-op. The input is not mutated.
func SanitizeSchema(schema map[string]any) map[string]any {
	out := sanitizeValue(schema, false)
	if m, ok := out.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// sanitizeValue walks the tagged JSON value union. insideProperties is true
// when the current object's keys are property names rather than schema
// keywords.
func sanitizeValue(v any, insideProperties bool) any {
	switch val := v.(type) {
	case map[string]any:
		return sanitizeObject(val, insideProperties)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item, insideProperties)
		}
		return out
	default:
		return val
	}
}

func sanitizeObject(obj map[string]any, insideProperties bool) map[string]any {
	out := make(map[string]any, len(obj))

	for key, val := range obj {
		if !insideProperties && forbiddenKeywords[key] {
			continue
		}
		// Under "properties" every key is a property name whose value is a
		// schema; "items" likewise holds a schema (or list of schemas).
		childIsProperties := !insideProperties && key == "properties"
		out[key] = sanitizeValue(val, childIsProperties)
	}

	if insideProperties {
		return out
	}

	// Only enum and date-time survive as string formats.
	if format, ok := out["format"].(string); ok {
		if format != "enum" && format != "date-time" {
			delete(out, "format")
		}
	}

	// additionalProperties: {} means "anything", which the backend rejects;
	// collapse complex schemas to a boolean, keep bare type constraints.
	if ap, ok := out["additionalProperties"].(map[string]any); ok {
		switch {
		case len(ap) == 0:
			out["additionalProperties"] = false
		case len(ap) == 1 && ap["type"] != nil:
			// keep simple type constraint
		default:
			out["additionalProperties"] = true
		}
	}

	// A property-bearing object with no type or composition keyword is an
	// object.
	if out["type"] == nil && out["anyOf"] == nil && out["allOf"] == nil && out["oneOf"] == nil {
		if out["properties"] != nil {
			out["type"] = "object"
		}
	}

	return out
}
