package table

import (
	"fmt"
	"sort"
	"strings"

	"github.com/keiri-labs/keiri-engine/pkg/block"
	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
)

// PivotBlock aggregates rows into a wide table: one output row per
// distinct index key, one output column per aggregation target and
// distinct column key. Composite column labels are flattened with a
// joiner so the result stays a plain record set.
type PivotBlock struct{}

func (PivotBlock) ID() string      { return "table.pivot" }
func (PivotBlock) Version() string { return "1.0.0" }

func (PivotBlock) Spec() block.Spec {
	return block.Spec{
		ID:          "table.pivot",
		Version:     "1.0.0",
		Description: "Pivot rows into a wide table with per-cell aggregation.",
		InputSchema: `{
			"type": "object",
			"properties": {
				"table": {"type": "object"},
				"rows": {"type": "array"},
				"index": {"type": ["string", "array"]},
				"columns": {"type": ["string", "array"]},
				"values": {"type": ["string", "array", "null"]},
				"aggfunc": {"type": ["string", "array", "object"]},
				"dropna": {"type": "boolean"},
				"sort": {"type": "boolean"},
				"flatten_multiindex": {"type": "boolean"},
				"flatten_joiner": {"type": "string"}
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

func (PivotBlock) DryRun(_ *block.Context, _ map[string]any) (map[string]any, error) {
	return output(&Table{}), nil
}

func (PivotBlock) Run(_ *block.Context, inputs map[string]any) (map[string]any, error) {
	idx := labelList(inputs["index"])
	cols := labelList(inputs["columns"])
	if len(idx) == 0 || len(cols) == 0 {
		return nil, blockerr.NewInputError("index|columns",
			"string or array of strings", nil)
	}
	dropna, err := block.BoolOr(inputs, "dropna", true)
	if err != nil {
		return nil, err
	}
	sortKeys, err := block.BoolOr(inputs, "sort", true)
	if err != nil {
		return nil, err
	}
	flatten, err := block.BoolOr(inputs, "flatten_multiindex", true)
	if err != nil {
		return nil, err
	}
	joiner, err := block.StringOr(inputs, "flatten_joiner", "__")
	if err != nil {
		return nil, err
	}
	if joiner == "" {
		joiner = "__"
	}

	t, err := resolveTable(inputs)
	if err != nil {
		return nil, err
	}
	out, err := pivot(t, pivotSpec{
		Index:     idx,
		Columns:   cols,
		Values:    labelList(inputs["values"]),
		Agg:       inputs["aggfunc"],
		FillValue: inputs["fill_value"],
		DropNA:    dropna,
		Sort:      sortKeys,
		Flatten:   flatten,
		Joiner:    joiner,
	})
	if err != nil {
		return nil, err
	}
	return output(out), nil
}

type pivotSpec struct {
	Index     []string
	Columns   []string
	Values    []string
	Agg       any
	FillValue any
	DropNA    bool
	Sort      bool
	Flatten   bool
	Joiner    string
}

// aggTarget is one aggregation over one value column. The prefix
// holds the label parts that precede the column key in composite
// labels (value name, aggregation name).
type aggTarget struct {
	value  string
	fn     string
	prefix []string
}

var aggFns = map[string]bool{
	"sum": true, "mean": true, "count": true, "min": true,
	"max": true, "first": true, "last": true, "nunique": true,
}

func checkAggFn(fn string) error {
	if !aggFns[fn] {
		return blockerr.Newf(blockerr.CodeBlockExecutionFailed,
			"pivot failed: unsupported aggfunc %q", fn).
			WithDetail("aggfunc", fn)
	}
	return nil
}

// buildTargets expands the aggfunc input into concrete targets.
// values defaults to every column not consumed as index or columns.
func buildTargets(aggRaw any, values, remaining []string) ([]aggTarget, error) {
	if aggRaw == nil {
		aggRaw = "sum"
	}
	switch agg := aggRaw.(type) {
	case string:
		if err := checkAggFn(agg); err != nil {
			return nil, err
		}
		if len(values) == 0 {
			values = remaining
		}
		out := make([]aggTarget, 0, len(values))
		for _, v := range values {
			tg := aggTarget{value: v, fn: agg}
			if len(values) > 1 {
				tg.prefix = []string{v}
			}
			out = append(out, tg)
		}
		return out, nil
	case []any, []string:
		fns := labelList(agg)
		if len(values) == 0 {
			values = remaining
		}
		var out []aggTarget
		for _, fn := range fns {
			if err := checkAggFn(fn); err != nil {
				return nil, err
			}
			for _, v := range values {
				out = append(out, aggTarget{value: v, fn: fn, prefix: []string{fn, v}})
			}
		}
		return out, nil
	case map[string]any:
		// Per-column functions; the map keys override values.
		keys := make([]string, 0, len(agg))
		for k := range agg {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]aggTarget, 0, len(keys))
		for _, k := range keys {
			fn, ok := agg[k].(string)
			if !ok {
				return nil, blockerr.NewInputError("aggfunc",
					"mapping of column to aggregation name", fmt.Sprintf("%T", agg[k]))
			}
			if err := checkAggFn(fn); err != nil {
				return nil, err
			}
			tg := aggTarget{value: k, fn: fn}
			if len(keys) > 1 {
				tg.prefix = []string{k}
			}
			out = append(out, tg)
		}
		return out, nil
	default:
		return nil, blockerr.NewInputError("aggfunc",
			"string, array, or mapping", fmt.Sprintf("%T", aggRaw))
	}
}

type groupKey struct {
	joined string
	parts  []any
}

func pivot(t *Table, sp pivotSpec) (*Table, error) {
	colIdx := func(name string) (int, error) {
		i, ok := t.Col(name)
		if !ok {
			return 0, blockerr.Newf(blockerr.CodeBlockExecutionFailed,
				"pivot failed: column %q not found", name).
				WithDetail("column", name)
		}
		return i, nil
	}

	idxPos := make([]int, len(sp.Index))
	for i, c := range sp.Index {
		p, err := colIdx(c)
		if err != nil {
			return nil, err
		}
		idxPos[i] = p
	}
	colPos := make([]int, len(sp.Columns))
	for i, c := range sp.Columns {
		p, err := colIdx(c)
		if err != nil {
			return nil, err
		}
		colPos[i] = p
	}

	used := map[string]bool{}
	for _, c := range sp.Index {
		used[c] = true
	}
	for _, c := range sp.Columns {
		used[c] = true
	}
	var remaining []string
	for _, c := range t.Columns {
		if !used[c] {
			remaining = append(remaining, c)
		}
	}

	targets, err := buildTargets(sp.Agg, sp.Values, remaining)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, blockerr.New(blockerr.CodeBlockExecutionFailed,
			"pivot failed: no value columns to aggregate")
	}
	valPos := map[string]int{}
	for _, tg := range targets {
		if _, ok := valPos[tg.value]; ok {
			continue
		}
		p, err := colIdx(tg.value)
		if err != nil {
			return nil, err
		}
		valPos[tg.value] = p
	}

	// Group row positions by (index key, column key), keeping first
	// appearance order for both key sets.
	var idxKeys, colKeys []groupKey
	idxSeen := map[string]bool{}
	colSeen := map[string]bool{}
	groups := map[string]map[string][]int{}

	for ri, row := range t.Rows {
		iKey, ok := rowKey(row, idxPos, sp.DropNA)
		if !ok {
			continue
		}
		cKey, ok := rowKey(row, colPos, sp.DropNA)
		if !ok {
			continue
		}
		if !idxSeen[iKey.joined] {
			idxSeen[iKey.joined] = true
			idxKeys = append(idxKeys, iKey)
		}
		if !colSeen[cKey.joined] {
			colSeen[cKey.joined] = true
			colKeys = append(colKeys, cKey)
		}
		if groups[iKey.joined] == nil {
			groups[iKey.joined] = map[string][]int{}
		}
		groups[iKey.joined][cKey.joined] = append(groups[iKey.joined][cKey.joined], ri)
	}

	if sp.Sort {
		sortGroupKeys(idxKeys)
		sortGroupKeys(colKeys)
	}

	type outCol struct {
		parts  []string
		cells  []any
		nonNil bool
	}
	var outCols []outCol
	for _, tg := range targets {
		vp := valPos[tg.value]
		for _, ck := range colKeys {
			parts := append([]string{}, tg.prefix...)
			for _, p := range ck.parts {
				parts = append(parts, cellString(p))
			}
			oc := outCol{parts: parts}
			for _, ik := range idxKeys {
				var cells []any
				for _, ri := range groups[ik.joined][ck.joined] {
					cells = append(cells, t.Rows[ri][vp])
				}
				v := aggregate(tg.fn, cells)
				if v != nil {
					oc.nonNil = true
				}
				oc.cells = append(oc.cells, v)
			}
			outCols = append(outCols, oc)
		}
	}

	if sp.DropNA {
		kept := outCols[:0]
		for _, oc := range outCols {
			if oc.nonNil {
				kept = append(kept, oc)
			}
		}
		outCols = kept
	}
	if sp.FillValue != nil {
		for i := range outCols {
			for j, c := range outCols[i].cells {
				if c == nil {
					outCols[i].cells[j] = sp.FillValue
				}
			}
		}
	}

	out := &Table{Columns: append([]string{}, sp.Index...)}
	pos := len(sp.Index)
	for _, oc := range outCols {
		pos++
		out.Columns = append(out.Columns, renderLabel(oc.parts, sp.Flatten, sp.Joiner, pos))
	}
	for i, ik := range idxKeys {
		row := make([]any, 0, len(out.Columns))
		row = append(row, ik.parts...)
		for _, oc := range outCols {
			row = append(row, oc.cells[i])
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

// rowKey extracts the cells at the given positions as a group key.
// With dropNil, a nil cell disqualifies the whole row.
func rowKey(row []any, pos []int, dropNil bool) (groupKey, bool) {
	parts := make([]any, len(pos))
	var b strings.Builder
	for i, p := range pos {
		v := row[p]
		if v == nil && dropNil {
			return groupKey{}, false
		}
		parts[i] = v
		b.WriteString(keyPart(v))
		b.WriteByte(0x1f)
	}
	return groupKey{joined: b.String(), parts: parts}, true
}

// keyPart renders a cell for key equality. A category tag keeps the
// string "1" and the number 1 in distinct groups.
func keyPart(v any) string {
	switch x := v.(type) {
	case nil:
		return "z:"
	case bool:
		return "b:" + cellString(x)
	case string:
		return "s:" + x
	default:
		if _, ok := toFloat(v); ok {
			return "n:" + cellString(v)
		}
		return "o:" + fmt.Sprint(v)
	}
}

func sortGroupKeys(keys []groupKey) {
	sort.SliceStable(keys, func(a, b int) bool {
		return lessParts(keys[a].parts, keys[b].parts)
	})
}

func lessParts(a, b []any) bool {
	for i := range a {
		if i >= len(b) {
			return false
		}
		fa, oka := numericPart(a[i])
		fb, okb := numericPart(b[i])
		if oka && okb {
			if fa != fb {
				return fa < fb
			}
			continue
		}
		sa, sb := cellString(a[i]), cellString(b[i])
		if sa != sb {
			return sa < sb
		}
	}
	return len(a) < len(b)
}

// numericPart coerces only true numbers; numeric-looking strings sort
// as text.
func numericPart(v any) (float64, bool) {
	if _, isStr := v.(string); isStr {
		return 0, false
	}
	return toFloat(v)
}

func renderLabel(parts []string, flatten bool, joiner string, pos int) string {
	if !flatten {
		return strings.Join(parts, joiner)
	}
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	label := strings.TrimSpace(strings.Join(kept, joiner))
	if label == "" {
		return fmt.Sprintf("col_%d", pos)
	}
	return label
}

// aggregate reduces the cells of one pivot group. nil cells are
// skipped; an empty or all-nil group yields nil so dropna and
// fill_value can act on it.
func aggregate(fn string, cells []any) any {
	nonNil := make([]any, 0, len(cells))
	for _, c := range cells {
		if c != nil {
			nonNil = append(nonNil, c)
		}
	}
	switch fn {
	case "count":
		return len(nonNil)
	case "first":
		if len(nonNil) == 0 {
			return nil
		}
		return nonNil[0]
	case "last":
		if len(nonNil) == 0 {
			return nil
		}
		return nonNil[len(nonNil)-1]
	case "nunique":
		distinct := map[string]struct{}{}
		for _, c := range nonNil {
			distinct[keyPart(c)] = struct{}{}
		}
		return len(distinct)
	case "sum", "mean":
		var total float64
		n := 0
		for _, c := range nonNil {
			if f, ok := toFloat(c); ok {
				total += f
				n++
			}
		}
		if n == 0 {
			return nil
		}
		if fn == "sum" {
			return total
		}
		return total / float64(n)
	case "min", "max":
		if len(nonNil) == 0 {
			return nil
		}
		allNum := true
		for _, c := range nonNil {
			if _, ok := numericPart(c); !ok {
				allNum = false
				break
			}
		}
		best := nonNil[0]
		for _, c := range nonNil[1:] {
			cmp := compareCells(c, best, allNum)
			if (fn == "min" && cmp < 0) || (fn == "max" && cmp > 0) {
				best = c
			}
		}
		return best
	}
	return nil
}

func compareCells(a, b any, numeric bool) int {
	if numeric {
		fa, _ := numericPart(a)
		fb, _ := numericPart(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	sa, sb := cellString(a), cellString(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}
