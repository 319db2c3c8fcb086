package template

import (
	"fmt"
	"math"
	"reflect"

	"github.com/taskmend/taskmend/store"
)

// ValidateParameters checks params against a template's parameter schema and
// returns the effective parameter map: property defaults fill in absent keys,
// every required key must be present after defaults, and typed properties
// must match their declared type. The input map is never mutated.
func ValidateParameters(schema store.ParameterSchema, params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params)+len(schema.Properties))
	for k, v := range params {
		out[k] = v
	}

	// Defaults may be sentinel strings the executor resolves at run time;
	// they are applied verbatim.
	for name, prop := range schema.Properties {
		if _, ok := out[name]; !ok && prop.Default != nil {
			out[name] = prop.Default
		}
	}

	for _, name := range schema.Required {
		if _, ok := out[name]; !ok {
			return nil, fmt.Errorf("missing required parameter %q", name)
		}
	}

	for name, prop := range schema.Properties {
		v, ok := out[name]
		if !ok || v == nil || prop.Type == "" {
			continue
		}
		if !matchesType(v, prop.Type) {
			return nil, fmt.Errorf("parameter %q must be %s, got %T", name, prop.Type, v)
		}
	}

	return out, nil
}

// matchesType reports whether v conforms to a JSON-schema-style type name.
// Unknown type names accept anything rather than reject a template that
// declared a type this validator does not know.
func matchesType(v any, typ string) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "integer":
		switch n := v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		case float64:
			// JSON decoding yields float64 for every number.
			return n == math.Trunc(n)
		case float32:
			return float64(n) == math.Trunc(float64(n))
		}
		return false
	case "number":
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			return true
		}
		return false
	case "array":
		k := reflect.ValueOf(v).Kind()
		return k == reflect.Slice || k == reflect.Array
	case "object":
		return reflect.ValueOf(v).Kind() == reflect.Map
	}
	return true
}
