// Package transform implements the transforms.* record blocks: field
// renames, filtering, grouping, feature extraction, fiscal calendar
// math, value picking, and evidence regrouping for fan-out.
//
// These blocks are tolerant by design. They shape whatever arrives
// into rows and summaries instead of failing a run over a missing
// field, because audit plans routinely feed them half-clean exports.
package transform

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// lookupFold finds a map entry by key, falling back to a
// case-insensitive scan. The scan visits keys in sorted order so the
// winner is deterministic.
func lookupFold(m map[string]any, key string) (string, any, bool) {
	if v, ok := m[key]; ok {
		return key, v, true
	}
	lower := strings.ToLower(key)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.ToLower(k) == lower {
			return k, m[k], true
		}
	}
	return "", nil, false
}

// pathValue walks a dotted path through nested objects. With fold,
// each segment matches case-insensitively.
func pathValue(obj any, path string, fold bool) any {
	cur := obj
	for _, seg := range strings.Split(path, ".") {
		s := strings.TrimSpace(seg)
		if s == "" {
			return nil
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		if fold {
			_, v, found := lookupFold(m, s)
			if !found {
				return nil
			}
			cur = v
		} else {
			cur = m[s]
		}
	}
	return cur
}

// toF coerces numbers and numeric strings to float64.
func toF(v any) (float64, bool) {
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
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// strictFloat coerces only true numbers, never strings or bools.
func strictFloat(v any) (float64, bool) {
	switch v.(type) {
	case string, bool, nil:
		return 0, false
	}
	return toF(v)
}

// looseEqual compares the way record filters expect: numbers equal
// across int/float, everything else by deep equality.
func looseEqual(a, b any) bool {
	if fa, ok := strictFloat(a); ok {
		if fb, ok := strictFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
}

// coerceTime parses the date forms spreadsheets usually yield.
func coerceTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, x); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// itemsOf reads a loose list input: wrong types degrade to nil.
func itemsOf(inputs map[string]any, key string) []any {
	switch x := inputs[key].(type) {
	case []any:
		return x
	case []map[string]any:
		out := make([]any, len(x))
		for i, m := range x {
			out[i] = m
		}
		return out
	default:
		return nil
	}
}

func mapOf(inputs map[string]any, key string) map[string]any {
	m, _ := inputs[key].(map[string]any)
	return m
}

func strOf(v any) string {
	s, _ := v.(string)
	return s
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// sortedKeys returns map keys in sorted order for deterministic
// iteration.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
