package control

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/keiri-labs/keiri-engine/pkg/block"
)

// PolicyEnforceBlock evaluates inline declarative rules over an item
// list. Rule types: threshold, required, forbidden, regex, unique.
//
// Allow-list tokens (`id:<v>` or `<field>:<v>`) mark approved
// exceptions. An allow-listed item is exempt from value rules
// (threshold, forbidden, regex); required and unique still apply, an
// approved exception never excuses a missing mandatory field or a
// duplicate key.
type PolicyEnforceBlock struct{}

func (PolicyEnforceBlock) ID() string      { return "control.policy_enforce" }
func (PolicyEnforceBlock) Version() string { return "1.0.0" }

func (PolicyEnforceBlock) Run(_ *block.Context, inputs map[string]any) (map[string]any, error) {
	items, err := block.ItemsOr(inputs, "items")
	if err != nil {
		return nil, err
	}
	pol, err := block.MapOr(inputs, "policy")
	if err != nil {
		return nil, err
	}
	options, err := block.MapOr(inputs, "options")
	if err != nil {
		return nil, err
	}
	mode := strings.ToLower(str(options["mode"]))
	if mode != "lenient" {
		mode = "strict"
	}

	var rules []map[string]any
	var allowList []string
	if pol != nil {
		for _, r := range objectsOf(pol["rules"]) {
			rules = append(rules, r)
		}
		if exc, ok := pol["exceptions"].(map[string]any); ok {
			allowList = stringsOf(exc["allow_list"])
		}
	}

	// Compile regex rules up front; a broken pattern is itself a
	// violation, reported once, and the rule is skipped.
	violations := []map[string]any{}
	patterns := map[int]*regexp.Regexp{}
	for ri, rule := range rules {
		if strings.ToLower(str(rule["type"])) != "regex" {
			continue
		}
		re, err := regexp.Compile(str(rule["pattern"]))
		if err != nil {
			violations = append(violations, map[string]any{
				"rule_id":  ruleID(rule, ri),
				"item_ref": nil,
				"type":     "regex",
				"details":  map[string]any{"error": err.Error(), "pattern": str(rule["pattern"])},
			})
			continue
		}
		patterns[ri] = re
	}

	uniqueSeen := map[string]map[string]bool{}

	for idx, it := range items {
		ref := itemRef(it, idx)
		exempt := allowListed(it, ref, allowList)

		for ri, rule := range rules {
			rid := ruleID(rule, ri)
			switch strings.ToLower(str(rule["type"])) {
			case "threshold":
				field := str(rule["field"])
				op := strings.ToLower(str(rule["op"]))
				if op == "" {
					op = "lte"
				}
				left, _ := fieldFold(it, field)
				lf, lok := numeric(left)
				rf, rok := numeric(rule["value"])
				if !lok || !rok {
					continue
				}
				ok := true
				switch op {
				case "lt":
					ok = lf < rf
				case "lte":
					ok = lf <= rf
				case "gt":
					ok = lf > rf
				case "gte":
					ok = lf >= rf
				case "eq":
					ok = lf == rf
				case "ne":
					ok = lf != rf
				}
				if !ok && !exempt {
					violations = append(violations, map[string]any{
						"rule_id":  rid,
						"item_ref": ref,
						"type":     "threshold",
						"details":  map[string]any{"field": field, "left": left, "op": op, "value": rule["value"]},
					})
				}

			case "required":
				fields := stringsOf(rule["fields"])
				if len(fields) == 0 {
					if f := str(rule["field"]); f != "" {
						fields = []string{f}
					}
				}
				var missing []string
				for _, f := range fields {
					v, found := fieldFold(it, f)
					if !found || v == nil || v == "" {
						missing = append(missing, f)
					}
				}
				if len(missing) > 0 {
					violations = append(violations, map[string]any{
						"rule_id":  rid,
						"item_ref": ref,
						"type":     "required",
						"details":  map[string]any{"missing": missing},
					})
				}

			case "forbidden":
				field := str(rule["field"])
				v, found := fieldFold(it, field)
				if !found || v == nil || v == "" {
					continue
				}
				values := scalarsOf(rule["values"])
				hit := len(values) == 0
				for _, banned := range values {
					if sameValue(v, banned) {
						hit = true
						break
					}
				}
				if hit && !exempt {
					violations = append(violations, map[string]any{
						"rule_id":  rid,
						"item_ref": ref,
						"type":     "forbidden",
						"details":  map[string]any{"field": field, "value": v},
					})
				}

			case "regex":
				re, ok := patterns[ri]
				if !ok {
					continue
				}
				field := str(rule["field"])
				v, found := fieldFold(it, field)
				if !found || v == nil || str(v) == "" {
					continue
				}
				if !re.MatchString(str(v)) && !exempt {
					violations = append(violations, map[string]any{
						"rule_id":  rid,
						"item_ref": ref,
						"type":     "regex",
						"details":  map[string]any{"field": field, "value": v, "pattern": re.String()},
					})
				}

			case "unique":
				field := str(rule["field"])
				v, _ := fieldFold(it, field)
				bucket, ok := uniqueSeen[field]
				if !ok {
					bucket = map[string]bool{}
					uniqueSeen[field] = bucket
				}
				key := str(v)
				if bucket[key] {
					violations = append(violations, map[string]any{
						"rule_id":  rid,
						"item_ref": ref,
						"type":     "unique",
						"details":  map[string]any{"field": field, "duplicate": v},
					})
				} else {
					bucket[key] = true
				}
			}
		}
	}

	passed := mode == "lenient" || len(violations) == 0
	return map[string]any{
		"passed":     passed,
		"violations": violations,
		"summary": map[string]any{
			"items":      len(items),
			"rules":      len(rules),
			"violations": len(violations),
			"mode":       mode,
		},
	}, nil
}

func ruleID(rule map[string]any, idx int) string {
	if id := str(rule["id"]); id != "" {
		return id
	}
	return fmt.Sprintf("rule_%d", idx+1)
}

// allowListed reports whether any exception token matches the item.
// `id:<v>` compares against the item reference, `<field>:<v>` against
// the named field.
func allowListed(it map[string]any, ref any, tokens []string) bool {
	for _, tok := range tokens {
		parts := strings.SplitN(tok, ":", 2)
		if len(parts) != 2 {
			continue
		}
		field, want := parts[0], parts[1]
		if field == "id" {
			if str(ref) == want {
				return true
			}
			continue
		}
		if v, found := fieldFold(it, field); found && str(v) == want {
			return true
		}
	}
	return false
}

// objectsOf reads a loose list of objects, dropping anything else.
func objectsOf(v any) []map[string]any {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, e := range list {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// scalarsOf reads a loose list of scalars as-is.
func scalarsOf(v any) []any {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	return list
}
