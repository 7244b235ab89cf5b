package transform

import (
	"strings"

	"github.com/keiri-labs/keiri-engine/pkg/block"
)

// RenameFieldsBlock renames and drops record fields. Key matching is
// case-insensitive, which keeps plans working across exports whose
// header casing drifts.
type RenameFieldsBlock struct{}

func (RenameFieldsBlock) ID() string      { return "transforms.rename_fields" }
func (RenameFieldsBlock) Version() string { return "1.0.0" }

func (RenameFieldsBlock) Run(_ *block.Context, inputs map[string]any) (map[string]any, error) {
	items := itemsOf(inputs, "items")
	mapping := mapOf(inputs, "rename")
	// A single-row rename table works too, so a mapping can come
	// straight out of a spreadsheet.
	if len(mapping) == 0 {
		if rr := itemsOf(inputs, "rename_rows"); len(rr) > 0 {
			if m, ok := rr[0].(map[string]any); ok {
				mapping = m
			}
		}
	}
	mode := strings.ToLower(strOf(inputs["mode"]))
	if mode == "" {
		mode = "move"
	}
	var drop []string
	for _, d := range itemsOfAny(inputs["drop"]) {
		drop = append(drop, stringify(d))
	}

	renameKeys := sortedKeys(mapping)
	rows := make([]map[string]any, 0, len(items))
	for _, it := range items {
		src, ok := it.(map[string]any)
		if !ok {
			rows = append(rows, map[string]any{})
			continue
		}
		out := copyMap(src)
		for _, old := range renameKeys {
			real, val, found := lookupFold(out, old)
			if !found {
				continue
			}
			newKey := stringify(mapping[old])
			if mode == "copy" {
				out[newKey] = val
			} else {
				delete(out, real)
				out[newKey] = val
			}
		}
		for _, key := range drop {
			if real, _, found := lookupFold(out, key); found {
				delete(out, real)
			}
		}
		rows = append(rows, out)
	}

	return map[string]any{
		"rows": rows,
		"summary": map[string]any{
			"rows":    len(rows),
			"renamed": len(mapping),
		},
	}, nil
}

func itemsOfAny(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	default:
		return nil
	}
}
