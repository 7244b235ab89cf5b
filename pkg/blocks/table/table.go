// Package table implements the columnar table used by the reshaping
// blocks, and the table.from_rows, table.pivot and table.unpivot
// blocks themselves.
//
// The table is deliberately small: ordered column labels and dense
// rows with nil for missing cells. Between blocks it travels as a
// JSON object {"columns": [...], "rows": [[...], ...]}, so it
// survives schema validation and vault storage unchanged.
package table

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/keiri-labs/keiri-engine/pkg/block"
	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
)

// Table is a column-ordered table. Rows are dense: every row has
// exactly len(Columns) cells, nil where the source had no value.
type Table struct {
	Columns []string
	Rows    [][]any
}

type tableJSON struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

func (t *Table) MarshalJSON() ([]byte, error) {
	cols := t.Columns
	if cols == nil {
		cols = []string{}
	}
	rows := t.Rows
	if rows == nil {
		rows = [][]any{}
	}
	return json.Marshal(tableJSON{Columns: cols, Rows: rows})
}

func (t *Table) UnmarshalJSON(data []byte) error {
	var raw tableJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.Columns = raw.Columns
	t.Rows = raw.Rows
	return nil
}

// New returns an empty table with the given column labels.
func New(columns ...string) *Table {
	return &Table{Columns: columns}
}

// FromRecords builds a table from row maps. Record maps carry no key
// order, so columns are sorted for determinism; cells absent from a
// record are nil.
func FromRecords(records []map[string]any) *Table {
	t := &Table{}
	seen := map[string]int{}
	for _, rec := range records {
		for k := range rec {
			if _, ok := seen[k]; !ok {
				seen[k] = -1
				t.Columns = append(t.Columns, k)
			}
		}
	}
	sort.Strings(t.Columns)
	for i, c := range t.Columns {
		seen[c] = i
	}
	for _, rec := range records {
		row := make([]any, len(t.Columns))
		for k, v := range rec {
			row[seen[k]] = v
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

// FromPositional builds a table from rows without labels. Each row is
// a cell list (scalars become single-cell rows); columns are named by
// position, "0", "1", ....
func FromPositional(rows []any) *Table {
	t := &Table{}
	width := 0
	cells := make([][]any, 0, len(rows))
	for _, r := range rows {
		var row []any
		if s, ok := r.([]any); ok {
			row = append([]any(nil), s...)
		} else {
			row = []any{r}
		}
		if len(row) > width {
			width = len(row)
		}
		cells = append(cells, row)
	}
	for i := 0; i < width; i++ {
		t.Columns = append(t.Columns, strconv.Itoa(i))
	}
	for _, row := range cells {
		for len(row) < width {
			row = append(row, nil)
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

// Decode recovers a Table from a value produced by another block:
// either a *Table still in memory or its decoded JSON object form.
func Decode(v any) (*Table, bool) {
	switch x := v.(type) {
	case *Table:
		return x, true
	case Table:
		return &x, true
	case map[string]any:
		rawCols, ok := x["columns"].([]any)
		if !ok {
			return nil, false
		}
		rawRows, ok := x["rows"].([]any)
		if !ok {
			return nil, false
		}
		t := &Table{}
		for _, c := range rawCols {
			t.Columns = append(t.Columns, fmt.Sprint(c))
		}
		for _, r := range rawRows {
			cells, ok := r.([]any)
			if !ok {
				return nil, false
			}
			row := append([]any(nil), cells...)
			for len(row) < len(t.Columns) {
				row = append(row, nil)
			}
			t.Rows = append(t.Rows, row)
		}
		return t, true
	default:
		return nil, false
	}
}

// NumRows returns the row count.
func (t *Table) NumRows() int { return len(t.Rows) }

// NumCols returns the column count.
func (t *Table) NumCols() int { return len(t.Columns) }

// Col returns the index of a column label.
func (t *Table) Col(name string) (int, bool) {
	for i, c := range t.Columns {
		if c == name {
			return i, true
		}
	}
	return 0, false
}

// Records converts the table back to row maps. Duplicate column
// labels collapse last-wins, matching record conversion in columnar
// libraries.
func (t *Table) Records() []map[string]any {
	out := make([]map[string]any, 0, len(t.Rows))
	for _, row := range t.Rows {
		rec := make(map[string]any, len(t.Columns))
		for i, c := range t.Columns {
			if i < len(row) {
				rec[c] = row[i]
			} else {
				rec[c] = nil
			}
		}
		out = append(out, rec)
	}
	return out
}

// Summary returns the shape descriptor every table block emits.
func (t *Table) Summary() map[string]any {
	cols := append([]string{}, t.Columns...)
	return map[string]any{
		"rows":    t.NumRows(),
		"cols":    t.NumCols(),
		"columns": cols,
	}
}

func output(t *Table) map[string]any {
	return map[string]any{
		"table":   t,
		"rows":    t.Records(),
		"summary": t.Summary(),
	}
}

// resolveTable loads the working table from inputs: "table" (columnar
// object) wins, else "rows" (record maps, or cell lists for a
// positional table).
func resolveTable(inputs map[string]any) (*Table, error) {
	if v, ok := inputs["table"]; ok && v != nil {
		t, ok := Decode(v)
		if !ok {
			return nil, blockerr.NewInputError("table",
				"columnar object {columns, rows}", fmt.Sprintf("%T", v))
		}
		return t, nil
	}
	raw, err := block.SliceOr(inputs, "rows")
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, blockerr.New(blockerr.CodeInputRequiredMissing,
			`required input "rows" or "table" is missing`).
			WithDetail("field", "rows|table")
	}
	if len(raw) > 0 {
		if _, ok := raw[0].(map[string]any); !ok {
			return FromPositional(raw), nil
		}
	}
	records := make([]map[string]any, 0, len(raw))
	for i, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			return nil, blockerr.NewInputError("rows",
				"array of objects", fmt.Sprintf("%T", r)).
				WithDetail("index", i)
		}
		records = append(records, m)
	}
	return FromRecords(records), nil
}

// labelList accepts a string or array-of-strings input, the form the
// index/columns/values parameters take.
func labelList(v any) []string {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return []string{x}
	case []string:
		return append([]string(nil), x...)
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			out = append(out, fmt.Sprint(e))
		}
		return out
	default:
		return []string{fmt.Sprint(x)}
	}
}

// cellString renders a cell for grouping keys and column labels.
// Floats that carry integral values print without the trailing ".0"
// JSON decoding gives them.
func cellString(v any) string {
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
	case float32:
		return cellString(float64(x))
	default:
		return fmt.Sprint(x)
	}
}

func toFloat(v any) (float64, bool) {
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
