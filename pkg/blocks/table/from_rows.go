package table

import (
	"github.com/keiri-labs/keiri-engine/pkg/block"
	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
)

// FromRowsBlock converts a row list into the columnar form the other
// table blocks consume. A missing or non-list input degrades to an
// empty table rather than erroring. Cells stringify by default;
// dtype overrides that.
type FromRowsBlock struct{}

func (FromRowsBlock) ID() string      { return "table.from_rows" }
func (FromRowsBlock) Version() string { return "1.0.0" }

func (FromRowsBlock) Spec() block.Spec {
	return block.Spec{
		ID:          "table.from_rows",
		Version:     "1.0.0",
		Description: "Build a columnar table from row maps or cell lists.",
		InputSchema: `{
			"type": "object",
			"properties": {
				"rows": {},
				"dtype": {"type": "string"}
			}
		}`,
		OutputSchema: `{
			"type": "object",
			"required": ["table", "rows", "summary"],
			"properties": {
				"table": {"type": "object"},
				"rows": {"type": "array"},
				"summary": {"type": "object"}
			}
		}`,
	}
}

func (FromRowsBlock) Run(_ *block.Context, inputs map[string]any) (map[string]any, error) {
	dtype, _ := inputs["dtype"].(string)
	if dtype == "" {
		dtype = "string"
	}

	raw, err := block.SliceOr(inputs, "rows")
	if err != nil || raw == nil {
		return output(&Table{}), nil
	}

	var t *Table
	if len(raw) > 0 {
		if _, ok := raw[0].(map[string]any); !ok {
			t = FromPositional(raw)
		}
	}
	if t == nil {
		records := make([]map[string]any, 0, len(raw))
		for i, r := range raw {
			m, ok := r.(map[string]any)
			if !ok {
				return nil, blockerr.NewInputError("rows",
					"array of objects", nil).
					WithDetail("index", i)
			}
			records = append(records, m)
		}
		t = FromRecords(records)
	}
	applyDtype(t, dtype)
	return output(t), nil
}

// applyDtype coerces every cell to the requested type. Coercion is
// all-or-nothing for numeric targets: if any cell refuses, the table
// keeps its raw values.
func applyDtype(t *Table, dtype string) {
	switch dtype {
	case "string", "str":
		for _, row := range t.Rows {
			for i, c := range row {
				if c != nil {
					row[i] = cellString(c)
				}
			}
		}
	case "number", "float", "float64":
		coerced := make([][]any, len(t.Rows))
		for ri, row := range t.Rows {
			out := make([]any, len(row))
			for i, c := range row {
				if c == nil {
					continue
				}
				f, ok := toFloat(c)
				if !ok {
					return
				}
				out[i] = f
			}
			coerced[ri] = out
		}
		t.Rows = coerced
	case "int", "int64", "integer":
		coerced := make([][]any, len(t.Rows))
		for ri, row := range t.Rows {
			out := make([]any, len(row))
			for i, c := range row {
				if c == nil {
					continue
				}
				f, ok := toFloat(c)
				if !ok || f != float64(int64(f)) {
					return
				}
				out[i] = int64(f)
			}
			coerced[ri] = out
		}
		t.Rows = coerced
	}
	// Anything else keeps raw values.
}
