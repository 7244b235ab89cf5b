// Package external implements the outbound adapter blocks: a retrying
// HTTP call, a multi-provider webhook notifier, and a manifest signer
// backed by keys held in the environment.
package external

import "fmt"

func strOf(v any) string {
	s, _ := v.(string)
	return s
}

// coerce renders a value the way it would appear in a notification or
// query string. nil stays empty rather than printing "<nil>".
func coerce(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func floatOf(v any) (float64, bool) {
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
	}
	return 0, false
}

func floatFrom(m map[string]any, key string, def float64) float64 {
	if v, ok := floatOf(m[key]); ok {
		return v
	}
	return def
}

func intFrom(m map[string]any, key string, def int) int {
	if v, ok := floatOf(m[key]); ok {
		return int(v)
	}
	return def
}
