package table

import (
	"github.com/keiri-labs/keiri-engine/pkg/block"
	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
)

// UnpivotBlock melts a wide table into long form: one output row per
// (source row, value column), with the column name under var_name and
// its cell under value_name.
type UnpivotBlock struct{}

func (UnpivotBlock) ID() string      { return "table.unpivot" }
func (UnpivotBlock) Version() string { return "1.0.0" }

func (UnpivotBlock) Spec() block.Spec {
	return block.Spec{
		ID:          "table.unpivot",
		Version:     "1.0.0",
		Description: "Reshape wide rows into long (variable, value) form.",
		InputSchema: `{
			"type": "object",
			"properties": {
				"table": {"type": "object"},
				"rows": {"type": "array"},
				"id_vars": {"type": ["string", "array", "null"]},
				"value_vars": {"type": ["string", "array", "null"]},
				"var_name": {"type": "string"},
				"value_name": {"type": "string"},
				"ignore_index": {"type": "boolean"}
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

func (UnpivotBlock) DryRun(_ *block.Context, _ map[string]any) (map[string]any, error) {
	return output(&Table{}), nil
}

func (UnpivotBlock) Run(_ *block.Context, inputs map[string]any) (map[string]any, error) {
	varName, err := block.StringOr(inputs, "var_name", "variable")
	if err != nil {
		return nil, err
	}
	if varName == "" {
		varName = "variable"
	}
	valueName, err := block.StringOr(inputs, "value_name", "value")
	if err != nil {
		return nil, err
	}
	if valueName == "" {
		valueName = "value"
	}
	// Rows are positional here, so the source index never survives;
	// the flag is accepted for config compatibility.
	if _, err := block.BoolOr(inputs, "ignore_index", true); err != nil {
		return nil, err
	}

	t, err := resolveTable(inputs)
	if err != nil {
		return nil, err
	}

	idVars := labelList(inputs["id_vars"])
	idPos := make([]int, len(idVars))
	for i, c := range idVars {
		p, ok := t.Col(c)
		if !ok {
			return nil, unknownColumn(c)
		}
		idPos[i] = p
	}

	valueVars := labelList(inputs["value_vars"])
	if len(valueVars) == 0 {
		isID := map[string]bool{}
		for _, c := range idVars {
			isID[c] = true
		}
		for _, c := range t.Columns {
			if !isID[c] {
				valueVars = append(valueVars, c)
			}
		}
	}
	valPos := make([]int, len(valueVars))
	for i, c := range valueVars {
		p, ok := t.Col(c)
		if !ok {
			return nil, unknownColumn(c)
		}
		valPos[i] = p
	}

	cols := append(append([]string{}, idVars...), varName, valueName)
	out := &Table{Columns: cols}
	// Column-major: all rows for the first value column, then the
	// next, matching the standard melt ordering.
	for vi, v := range valueVars {
		for _, row := range t.Rows {
			cells := make([]any, 0, len(cols))
			for _, p := range idPos {
				cells = append(cells, row[p])
			}
			cells = append(cells, v, row[valPos[vi]])
			out.Rows = append(out.Rows, cells)
		}
	}
	return output(out), nil
}

func unknownColumn(name string) error {
	return blockerr.Newf(blockerr.CodeBlockExecutionFailed,
		"unpivot failed: column %q not found", name).
		WithDetail("column", name)
}
