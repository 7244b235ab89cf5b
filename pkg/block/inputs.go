package block

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
)

// Typed input accessors. Every block reads its inputs through these
// so missing and mistyped inputs produce the same error shape
// everywhere: INPUT_REQUIRED_MISSING for absent required keys,
// INPUT_TYPE_MISMATCH when a value has the wrong type.

func missingInput(key string) *blockerr.Error {
	return blockerr.New(blockerr.CodeInputRequiredMissing,
		fmt.Sprintf("required input %q is missing", key)).
		WithDetail("field", key).
		WithHint("add the input to the block invocation")
}

func typeMismatch(key, want string, got any) *blockerr.Error {
	return blockerr.New(blockerr.CodeInputTypeMismatch,
		fmt.Sprintf("input %q must be %s", key, want)).
		WithDetail("field", key).
		WithDetail("expected", want).
		WithDetail("actual", fmt.Sprintf("%T", got))
}

// String returns a required string input.
func String(inputs map[string]any, key string) (string, error) {
	v, ok := inputs[key]
	if !ok || v == nil {
		return "", missingInput(key)
	}
	s, ok := v.(string)
	if !ok {
		return "", typeMismatch(key, "string", v)
	}
	return s, nil
}

// StringOr returns an optional string input with a default.
func StringOr(inputs map[string]any, key, def string) (string, error) {
	v, ok := inputs[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", typeMismatch(key, "string", v)
	}
	return s, nil
}

// Number returns a required numeric input as float64. JSON numbers,
// Go integer types, and json.Number are accepted.
func Number(inputs map[string]any, key string) (float64, error) {
	v, ok := inputs[key]
	if !ok || v == nil {
		return 0, missingInput(key)
	}
	f, ok := asFloat(v)
	if !ok {
		return 0, typeMismatch(key, "number", v)
	}
	return f, nil
}

// NumberOr returns an optional numeric input with a default.
func NumberOr(inputs map[string]any, key string, def float64) (float64, error) {
	v, ok := inputs[key]
	if !ok || v == nil {
		return def, nil
	}
	f, ok := asFloat(v)
	if !ok {
		return 0, typeMismatch(key, "number", v)
	}
	return f, nil
}

// IntOr returns an optional integer input with a default. Fractional
// values are rejected.
func IntOr(inputs map[string]any, key string, def int) (int, error) {
	v, ok := inputs[key]
	if !ok || v == nil {
		return def, nil
	}
	f, ok := asFloat(v)
	if !ok || f != float64(int(f)) {
		return 0, typeMismatch(key, "integer", v)
	}
	return int(f), nil
}

// Int returns a required integer input.
func Int(inputs map[string]any, key string) (int, error) {
	v, ok := inputs[key]
	if !ok || v == nil {
		return 0, missingInput(key)
	}
	f, fok := asFloat(v)
	if !fok || f != float64(int(f)) {
		return 0, typeMismatch(key, "integer", v)
	}
	return int(f), nil
}

// BoolOr returns an optional boolean input with a default.
func BoolOr(inputs map[string]any, key string, def bool) (bool, error) {
	v, ok := inputs[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, typeMismatch(key, "boolean", v)
	}
	return b, nil
}

// Slice returns a required array input.
func Slice(inputs map[string]any, key string) ([]any, error) {
	v, ok := inputs[key]
	if !ok || v == nil {
		return nil, missingInput(key)
	}
	s, ok := asSlice(v)
	if !ok {
		return nil, typeMismatch(key, "array", v)
	}
	return s, nil
}

// SliceOr returns an optional array input, nil when absent.
func SliceOr(inputs map[string]any, key string) ([]any, error) {
	v, ok := inputs[key]
	if !ok || v == nil {
		return nil, nil
	}
	s, ok := asSlice(v)
	if !ok {
		return nil, typeMismatch(key, "array", v)
	}
	return s, nil
}

// Map returns a required object input.
func Map(inputs map[string]any, key string) (map[string]any, error) {
	v, ok := inputs[key]
	if !ok || v == nil {
		return nil, missingInput(key)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, typeMismatch(key, "object", v)
	}
	return m, nil
}

// MapOr returns an optional object input, nil when absent.
func MapOr(inputs map[string]any, key string) (map[string]any, error) {
	v, ok := inputs[key]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, typeMismatch(key, "object", v)
	}
	return m, nil
}

// Items returns a required array-of-objects input, the shape row and
// record blocks consume. Non-object elements are rejected with the
// offending index.
func Items(inputs map[string]any, key string) ([]map[string]any, error) {
	raw, err := Slice(inputs, key)
	if err != nil {
		return nil, err
	}
	return toItems(raw, key)
}

// ItemsOr returns an optional array-of-objects input, nil when
// absent.
func ItemsOr(inputs map[string]any, key string) ([]map[string]any, error) {
	raw, err := SliceOr(inputs, key)
	if err != nil || raw == nil {
		return nil, err
	}
	return toItems(raw, key)
}

func toItems(raw []any, key string) ([]map[string]any, error) {
	items := make([]map[string]any, 0, len(raw))
	for i, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, typeMismatch(key, "array of objects", v).
				WithDetail("index", i)
		}
		items = append(items, m)
	}
	return items, nil
}

// Strings returns an optional array-of-strings input, nil when
// absent.
func Strings(inputs map[string]any, key string) ([]string, error) {
	raw, err := SliceOr(inputs, key)
	if err != nil || raw == nil {
		return nil, err
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, typeMismatch(key, "array of strings", v)
		}
		out = append(out, s)
	}
	return out, nil
}

// Enum returns an optional string input restricted to a fixed set of
// values.
func Enum(inputs map[string]any, key, def string, allowed ...string) (string, error) {
	s, err := StringOr(inputs, key, def)
	if err != nil {
		return "", err
	}
	for _, a := range allowed {
		if s == a {
			return s, nil
		}
	}
	return "", blockerr.New(blockerr.CodeInputValidationFailed,
		fmt.Sprintf("input %q must be one of [%s]", key, strings.Join(allowed, ", "))).
		WithDetail("field", key).
		WithDetail("value", s)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []map[string]any:
		out := make([]any, len(s))
		for i, m := range s {
			out[i] = m
		}
		return out, true
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	default:
		return nil, false
	}
}
