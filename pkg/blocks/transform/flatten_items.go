package transform

import (
	"strings"

	"github.com/keiri-labs/keiri-engine/pkg/block"
)

// FlattenItemsBlock concatenates nested result item lists into one
// flat list. It digs through wrapper shapes fan-out steps produce:
// plain lists, {items: [...]}, {results: {...}}, and {<x>_results:
// {...}}.
type FlattenItemsBlock struct{}

func (FlattenItemsBlock) ID() string      { return "transforms.flatten_items" }
func (FlattenItemsBlock) Version() string { return "1.0.0" }

func (FlattenItemsBlock) Run(_ *block.Context, inputs map[string]any) (map[string]any, error) {
	items := extractItems(inputs["results_list"])
	if items == nil {
		items = []map[string]any{}
	}
	return map[string]any{"items": items}, nil
}

func extractItems(v any) []map[string]any {
	switch x := v.(type) {
	case []any:
		var out []map[string]any
		for _, e := range x {
			out = append(out, extractItems(e)...)
		}
		return out
	case []map[string]any:
		var out []map[string]any
		for _, e := range x {
			out = append(out, extractItems(e)...)
		}
		return out
	case map[string]any:
		if list, ok := x["items"].([]any); ok {
			out := make([]map[string]any, 0, len(list))
			for _, e := range list {
				if m, ok := e.(map[string]any); ok {
					out = append(out, copyMap(m))
				}
			}
			return out
		}
		if nested, ok := x["results"].(map[string]any); ok {
			return extractItems(nested)
		}
		for _, k := range sortedKeys(x) {
			if strings.HasSuffix(k, "_results") {
				if nested, ok := x[k].(map[string]any); ok {
					return extractItems(nested)
				}
			}
		}
		return nil
	default:
		return nil
	}
}
