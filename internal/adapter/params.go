package adapter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/photoaiproxy/api/internal/apperr"
)

// Schema fragments shared by the parameter schemas.
var (
	urlProp     = map[string]any{"type": "string", "minLength": 1}
	textProp    = map[string]any{"type": "string"}
	numberProp  = map[string]any{"type": "number"}
	boolProp    = map[string]any{"type": "boolean"}
	urlListProp = map[string]any{
		"type":     "array",
		"minItems": 1,
		"items":    urlProp,
	}
)

// objectSchema builds a permissive object schema: unknown keys are allowed
// because clients send adapter-agnostic extras.
func objectSchema(required []string, props map[string]any) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// paramSchema is a compiled parameter schema.
type paramSchema struct {
	schema *jsonschema.Schema
}

func mustCompile(name string, schema map[string]any) paramSchema {
	b, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("adapter: marshal %s schema: %v", name, err))
	}
	compiler := jsonschema.NewCompiler()
	url := name + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(b)); err != nil {
		panic(fmt.Sprintf("adapter: add %s schema: %v", name, err))
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("adapter: compile %s schema: %v", name, err))
	}
	return paramSchema{schema: compiled}
}

// validate checks params and converts schema violations into a BadRequest
// keyed by parameter path.
func (p paramSchema) validate(jobType string, params map[string]any) error {
	if params == nil {
		return apperr.BadRequest("parameters are required", nil)
	}

	// Round-trip through JSON so Go-typed values validate like decoded bodies.
	raw, err := json.Marshal(params)
	if err != nil {
		return apperr.BadRequest("parameters are not valid JSON", map[string]string{"parameters": err.Error()})
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return apperr.BadRequest("parameters are not valid JSON", map[string]string{"parameters": err.Error()})
	}

	if err := p.schema.Validate(v); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			details := map[string]string{}
			collectLeaves(ve, details)
			return apperr.BadRequest(fmt.Sprintf("invalid parameters for %s", jobType), details)
		}
		return apperr.BadRequest(fmt.Sprintf("invalid parameters for %s", jobType), map[string]string{"parameters": err.Error()})
	}
	return nil
}

func collectLeaves(ve *jsonschema.ValidationError, out map[string]string) {
	if len(ve.Causes) == 0 {
		key := strings.TrimPrefix(ve.InstanceLocation, "/")
		if key == "" {
			key = "parameters"
		}
		out[key] = ve.Message
		return
	}
	for _, c := range ve.Causes {
		collectLeaves(c, out)
	}
}

func str(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return strings.TrimSpace(s)
}

func strOr(p map[string]any, key, def string) string {
	if s := str(p, key); s != "" {
		return s
	}
	return def
}

func num(p map[string]any, key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

func boolOr(p map[string]any, key string, def bool) bool {
	if b, ok := p[key].(bool); ok {
		return b
	}
	return def
}

func strSlice(p map[string]any, key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func first(p map[string]any, key string) string {
	if list := strSlice(p, key); len(list) > 0 {
		return list[0]
	}
	return ""
}

// has reports whether key is present and not null.
func has(p map[string]any, key string) bool {
	v, ok := p[key]
	return ok && v != nil
}

// formFields stringifies params for multipart vendors, dropping skip keys.
func formFields(p map[string]any, skip ...string) map[string]string {
	drop := make(map[string]bool, len(skip))
	for _, k := range skip {
		drop[k] = true
	}

	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(p))
	for _, k := range keys {
		if drop[k] || p[k] == nil {
			continue
		}
		switch v := p[k].(type) {
		case string:
			out[k] = v
		case float64:
			out[k] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(v)
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}
