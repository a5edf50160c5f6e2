package driver

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Property describes one JSON value in a schema. It covers the subset of JSON
// Schema that model providers accept for tool and structured-output definitions.
type Property struct {
	Type        string               `json:"type"`
	Description string               `json:"description,omitempty"`
	Enum        []string             `json:"enum,omitempty"`
	Items       *Property            `json:"items,omitempty"`
	Properties  map[string]*Property `json:"properties,omitempty"`
	Required    []string             `json:"required,omitempty"`
}

// Schema names a structured-output shape.
type Schema struct {
	Name        string
	Description string
	Root        Property
}

// JSONSchema renders the property as a generic map, the form most SDKs take.
func (p *Property) JSONSchema() map[string]any {
	out := map[string]any{"type": p.Type}
	if p.Description != "" {
		out["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		out["enum"] = append([]string(nil), p.Enum...)
	}
	if p.Items != nil {
		out["items"] = p.Items.JSONSchema()
	}
	if len(p.Properties) > 0 {
		props := make(map[string]any, len(p.Properties))
		for name, child := range p.Properties {
			props[name] = child.JSONSchema()
		}
		out["properties"] = props
	}
	if len(p.Required) > 0 {
		out["required"] = append([]string(nil), p.Required...)
	}
	return out
}

// Describe renders the schema as indented JSON for prompt instructions.
func (s *Schema) Describe() string {
	b, err := json.MarshalIndent(s.Root.JSONSchema(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Validate parses raw and checks it against the schema.
func (s *Schema) Validate(raw []byte) (json.RawMessage, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, &SchemaValidationError{Schema: s.Name, Problems: []string{"invalid JSON: " + err.Error()}, Raw: string(raw)}
	}
	var problems []string
	s.Root.check("$", v, &problems)
	if len(problems) > 0 {
		return nil, &SchemaValidationError{Schema: s.Name, Problems: problems, Raw: string(raw)}
	}
	return json.RawMessage(raw), nil
}

// ValidateValue checks an already-decoded value, as returned in a tool call.
func (s *Schema) ValidateValue(v map[string]any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, &SchemaValidationError{Schema: s.Name, Problems: []string{err.Error()}}
	}
	return s.Validate(raw)
}

//nolint:cyclop // one case per JSON type
func (p *Property) check(path string, v any, problems *[]string) {
	fail := func(format string, args ...any) {
		*problems = append(*problems, path+": "+fmt.Sprintf(format, args...))
	}

	switch p.Type {
	case "object":
		obj, ok := v.(map[string]any)
		if !ok {
			fail("expected object, got %s", typeName(v))
			return
		}
		for _, name := range p.Required {
			if _, present := obj[name]; !present {
				fail("missing required field %q", name)
			}
		}
		names := make([]string, 0, len(p.Properties))
		for name := range p.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if child, present := obj[name]; present && child != nil {
				p.Properties[name].check(path+"."+name, child, problems)
			}
		}
	case "array":
		arr, ok := v.([]any)
		if !ok {
			fail("expected array, got %s", typeName(v))
			return
		}
		if p.Items != nil {
			for i, item := range arr {
				p.Items.check(fmt.Sprintf("%s[%d]", path, i), item, problems)
			}
		}
	case "string":
		str, ok := v.(string)
		if !ok {
			fail("expected string, got %s", typeName(v))
			return
		}
		if len(p.Enum) > 0 && !contains(p.Enum, str) {
			fail("value %q not in [%s]", str, strings.Join(p.Enum, ", "))
		}
	case "integer":
		n, ok := v.(float64)
		if !ok || n != float64(int64(n)) {
			fail("expected integer, got %s", typeName(v))
		}
	case "number":
		if _, ok := v.(float64); !ok {
			fail("expected number, got %s", typeName(v))
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			fail("expected boolean, got %s", typeName(v))
		}
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// ExtractJSON returns the first JSON object embedded in text, stripping
// markdown code fences the model may wrap it in.
func ExtractJSON(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if end := strings.LastIndex(trimmed, "```"); end >= 0 {
			trimmed = trimmed[:end]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	start := strings.IndexByte(trimmed, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(trimmed); i++ {
		c := trimmed[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return trimmed[start : i+1], true
			}
		}
	}
	return "", false
}

// ValidateText extracts JSON from free-form model text and validates it.
func (s *Schema) ValidateText(text string) (json.RawMessage, error) {
	candidate, ok := ExtractJSON(text)
	if !ok {
		return nil, &SchemaValidationError{Schema: s.Name, Problems: []string{"no JSON object found in output"}, Raw: text}
	}
	return s.Validate([]byte(candidate))
}
