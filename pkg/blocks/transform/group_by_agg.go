package transform

import (
	"strings"

	"github.com/keiri-labs/keiri-engine/pkg/block"
)

// GroupByAggBlock groups records by one or more keys and computes
// per-field aggregates, named <field>_<op>. Groups keep first
// appearance order.
type GroupByAggBlock struct{}

func (GroupByAggBlock) ID() string      { return "transforms.group_by_agg" }
func (GroupByAggBlock) Version() string { return "1.0.0" }

func (GroupByAggBlock) Run(_ *block.Context, inputs map[string]any) (map[string]any, error) {
	items := itemsOf(inputs, "items")
	var byKeys []string
	for _, k := range itemsOfAny(inputs["by"]) {
		byKeys = append(byKeys, stringify(k))
	}
	aggs := itemsOf(inputs, "aggregations")

	type bucket struct {
		key  []any
		rows []map[string]any
	}
	var order []string
	buckets := map[string]*bucket{}
	for _, it := range items {
		rec, ok := it.(map[string]any)
		if !ok {
			continue
		}
		key := make([]any, len(byKeys))
		var sb strings.Builder
		for i, k := range byKeys {
			_, v, _ := lookupFold(rec, k)
			key[i] = v
			sb.WriteString(groupPart(v))
			sb.WriteByte(0x1f)
		}
		joined := sb.String()
		b, ok := buckets[joined]
		if !ok {
			b = &bucket{key: key}
			buckets[joined] = b
			order = append(order, joined)
		}
		b.rows = append(b.rows, rec)
	}

	rows := make([]map[string]any, 0, len(order))
	for _, joined := range order {
		b := buckets[joined]
		out := map[string]any{}
		for i, k := range byKeys {
			out[k] = b.key[i]
		}
		for _, a := range aggs {
			spec, ok := a.(map[string]any)
			if !ok {
				continue
			}
			field := stringify(spec["field"])
			op := strings.ToLower(strOf(spec["op"]))
			if op == "" {
				op = "sum"
			}
			var vals []float64
			for _, r := range b.rows {
				_, v, _ := lookupFold(r, field)
				if f, ok := toF(v); ok {
					vals = append(vals, f)
				}
			}
			switch op {
			case "sum":
				total := 0.0
				for _, f := range vals {
					total += f
				}
				out[field+"_sum"] = total
			case "count":
				out[field+"_count"] = len(b.rows)
			case "avg":
				if len(vals) == 0 {
					out[field+"_avg"] = 0.0
				} else {
					total := 0.0
					for _, f := range vals {
						total += f
					}
					out[field+"_avg"] = total / float64(len(vals))
				}
			case "min":
				out[field+"_min"] = extremum(vals, false)
			case "max":
				out[field+"_max"] = extremum(vals, true)
			}
		}
		rows = append(rows, out)
	}

	return map[string]any{
		"rows": rows,
		"summary": map[string]any{
			"groups": len(rows),
			"by":     byKeys,
		},
	}, nil
}

func extremum(vals []float64, max bool) any {
	if len(vals) == 0 {
		return nil
	}
	best := vals[0]
	for _, f := range vals[1:] {
		if (max && f > best) || (!max && f < best) {
			best = f
		}
	}
	return best
}

// groupPart renders a group key cell with a category tag so the
// string "1" and the number 1 land in distinct groups.
func groupPart(v any) string {
	switch x := v.(type) {
	case nil:
		return "z:"
	case bool:
		if x {
			return "b:true"
		}
		return "b:false"
	case string:
		return "s:" + x
	default:
		if _, ok := strictFloat(v); ok {
			return "n:" + stringify(v)
		}
		return "o:" + stringify(v)
	}
}
