// Package match implements the matching.* blocks: record linkage
// between two record sets, near-duplicate clustering, and semantic
// top-k retrieval over embedded items.
package match

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
)

// fieldFold resolves a record field case-insensitively. Exact match
// wins; otherwise folded candidates are scanned in sorted key order
// so the result does not depend on map iteration.
func fieldFold(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	lower := strings.ToLower(key)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.ToLower(k) == lower {
			return m[k], true
		}
	}
	return nil, false
}

// numOf accepts real numbers only. Numeric strings stay strings so
// "1" and 1 do not link.
func numOf(v any) (float64, bool) {
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
	default:
		return 0, false
	}
}

func valuesEqual(a, b any) bool {
	if na, ok := numOf(a); ok {
		if nb, ok := numOf(b); ok {
			return na == nb
		}
	}
	return reflect.DeepEqual(a, b)
}

// looseSlice treats absent values as an empty list and reports false
// only for present non-list values.
func looseSlice(v any) ([]any, bool) {
	if v == nil {
		return []any{}, true
	}
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
		for i, t := range s {
			out[i] = t
		}
		return out, true
	}
	return nil, false
}

func coerce(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func strOf(v any) string {
	s, _ := v.(string)
	return s
}

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
func round6(v float64) float64 { return math.Round(v*1e6) / 1e6 }
