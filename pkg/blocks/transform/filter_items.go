package transform

import (
	"strings"
	"time"

	"github.com/keiri-labs/keiri-engine/pkg/block"
)

// FilterItemsBlock splits records into filtered and excluded sets by
// a conjunction of field conditions. Field paths are dotted and, by
// default, case-insensitive.
type FilterItemsBlock struct{}

func (FilterItemsBlock) ID() string      { return "transforms.filter_items" }
func (FilterItemsBlock) Version() string { return "1.0.0" }

func (FilterItemsBlock) Run(_ *block.Context, inputs map[string]any) (map[string]any, error) {
	items := itemsOf(inputs, "items")
	conditions := itemsOf(inputs, "conditions")
	options := mapOf(inputs, "options")
	fold := true
	if v, ok := options["case_insensitive"].(bool); ok {
		fold = v
	}

	filtered := make([]any, 0, len(items))
	excluded := make([]any, 0)
	for _, it := range items {
		rec, ok := it.(map[string]any)
		if !ok {
			excluded = append(excluded, it)
			continue
		}
		keep := true
		for _, c := range conditions {
			cond, ok := c.(map[string]any)
			if !ok {
				continue
			}
			op := strings.ToLower(strOf(cond["operator"]))
			if op == "" {
				op = "eq"
			}
			left := pathValue(rec, stringify(cond["field"]), fold)
			if !matchCondition(op, left, cond["value"], cond["value2"], fold) {
				keep = false
				break
			}
		}
		if keep {
			filtered = append(filtered, it)
		} else {
			excluded = append(excluded, it)
		}
	}

	return map[string]any{
		"filtered": filtered,
		"excluded": excluded,
		"summary": map[string]any{
			"input":    len(items),
			"filtered": len(filtered),
			"excluded": len(excluded),
		},
	}, nil
}

// matchCondition evaluates one operator. A comparison that cannot be
// made (wrong types, unparseable values) is false, which pushes the
// record to the excluded side rather than failing the block.
func matchCondition(op string, left, right, right2 any, fold bool) bool {
	switch op {
	case "between":
		if l, ok := coerceTime(left); ok {
			r1, ok1 := coerceTime(right)
			r2, ok2 := coerceTime(right2)
			if ok1 && ok2 {
				return !l.Before(r1) && !l.After(r2)
			}
		}
		fl, okL := toF(left)
		f1, ok1 := toF(right)
		f2, ok2 := toF(right2)
		return okL && ok1 && ok2 && f1 <= fl && fl <= f2

	case "eq", "ne", "contains", "in":
		l, r := left, right
		if fold {
			if ls, ok := left.(string); ok {
				if rs, ok := right.(string); ok {
					l, r = strings.ToLower(ls), strings.ToLower(rs)
				}
			}
		}
		switch op {
		case "eq":
			return looseEqual(l, r)
		case "ne":
			return !looseEqual(l, r)
		case "contains":
			if ls, ok := l.(string); ok {
				rs, ok := r.(string)
				return ok && strings.Contains(ls, rs)
			}
			if list, ok := l.([]any); ok {
				for _, e := range list {
					if looseEqual(e, r) {
						return true
					}
				}
			}
			return false
		case "in":
			if list, ok := right.([]any); ok {
				for _, e := range list {
					if looseEqual(e, l) {
						return true
					}
				}
				return false
			}
			if rs, ok := r.(string); ok {
				ls, ok := l.(string)
				return ok && strings.Contains(rs, ls)
			}
			return false
		}
		return false

	case "gt", "gte", "lt", "lte":
		if lt, ok := coerceTime(left); ok {
			if rt, ok := coerceTime(right); ok {
				return orderMatch(op, compareTimes(lt, rt))
			}
		}
		fl, okL := toF(left)
		fr, okR := toF(right)
		if !okL || !okR {
			return false
		}
		switch {
		case fl < fr:
			return orderMatch(op, -1)
		case fl > fr:
			return orderMatch(op, 1)
		}
		return orderMatch(op, 0)
	}
	return false
}

func compareTimes(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}
	return 0
}

func orderMatch(op string, cmp int) bool {
	switch op {
	case "gt":
		return cmp > 0
	case "gte":
		return cmp >= 0
	case "lt":
		return cmp < 0
	case "lte":
		return cmp <= 0
	}
	return false
}
