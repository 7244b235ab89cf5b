// Package control implements the control.* blocks: approval route
// evaluation, segregation-of-duties checks, audit sampling, and
// declarative policy enforcement over item lists.
//
// The blocks compute verdicts without gating execution themselves. A
// violation is data in the outputs and the plan decides what to do
// with it; only policy_enforce in strict mode flips its passed flag
// so plans have a single value to branch on.
package control

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// fieldFold finds a record value by key, falling back to a
// case-insensitive scan in sorted key order.
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

// numeric coerces numbers and numeric strings to float64.
func numeric(v any) (float64, bool) {
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

func str(v any) string {
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

// itemRef is the stable reference for a checked item: its id, then
// _id, then the positional index.
func itemRef(it map[string]any, idx int) any {
	if v, ok := it["id"]; ok && v != nil {
		return v
	}
	if v, ok := it["_id"]; ok && v != nil {
		return v
	}
	return idx
}

// sameValue compares the way rule matchers expect: numbers equal
// across int/float, everything else by deep equality.
func sameValue(a, b any) bool {
	fa, aok := numeric(a)
	fb, bok := numeric(b)
	if aok && bok {
		_, aStr := a.(string)
		_, bStr := b.(string)
		if !aStr || !bStr {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

// stringsOf reads a loose list of strings; non-strings are
// stringified, wrong shapes degrade to nil.
func stringsOf(v any) []string {
	list, ok := v.([]any)
	if !ok {
		if typed, ok := v.([]string); ok {
			return typed
		}
		return nil
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		out = append(out, str(e))
	}
	return out
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// epochSeconds coerces decision timestamps: numbers pass through,
// strings are parsed with the layouts above. Unparseable values
// report false and sort before every real timestamp.
func epochSeconds(v any) (float64, bool) {
	if f, ok := numeric(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
				return float64(t.Unix()), true
			}
		}
	}
	return 0, false
}
