package control

import (
	"fmt"
	"strings"

	"github.com/keiri-labs/keiri-engine/pkg/block"
)

// SodCheckBlock checks user role and action assignments against a
// segregation-of-duties matrix.
type SodCheckBlock struct{}

func (SodCheckBlock) ID() string      { return "control.sod_check" }
func (SodCheckBlock) Version() string { return "1.0.0" }

func (SodCheckBlock) Run(_ *block.Context, inputs map[string]any) (map[string]any, error) {
	assignments, err := block.ItemsOr(inputs, "assignments")
	if err != nil {
		return nil, err
	}
	matrix, err := block.MapOr(inputs, "sod_matrix")
	if err != nil {
		return nil, err
	}
	var conflicts []map[string]any
	if matrix != nil {
		raw, err := block.SliceOr(matrix, "conflicts")
		if err != nil {
			return nil, err
		}
		for _, c := range raw {
			if m, ok := c.(map[string]any); ok {
				conflicts = append(conflicts, m)
			}
		}
	}

	violations := []map[string]any{}
	for _, a := range assignments {
		userID := str(a["user_id"])
		roles := stringsOf(a["roles"])
		actions := stringsOf(a["actions"])
		roleSet := toSet(roles)
		actionSet := toSet(actions)

		for _, c := range conflicts {
			rule := strings.ToLower(str(c["rule"]))
			if rule == "" {
				rule = strings.ToLower(str(c["type"]))
			}
			switch rule {
			case "mutual_exclusion":
				var held []string
				for _, r := range stringsOf(c["roles_any"]) {
					if roleSet[r] {
						held = append(held, r)
					}
				}
				if len(held) >= 2 {
					violations = append(violations, map[string]any{
						"user_id":     userID,
						"type":        "mutual_exclusion",
						"roles":       held,
						"description": fmt.Sprintf("user %s holds mutually exclusive roles: %s", userID, strings.Join(held, ", ")),
					})
				}

			case "role_action_separation":
				rolesAll := stringsOf(c["roles_all"])
				if len(rolesAll) == 0 || !hasAll(roleSet, rolesAll) {
					continue
				}
				actionsAll := stringsOf(c["actions_all"])
				actionsAny := stringsOf(c["actions_any"])
				// With no action constraint the role set alone
				// triggers; otherwise at least one declared
				// constraint must hit.
				hit := len(actionsAll) == 0 && len(actionsAny) == 0
				var matched []string
				if len(actionsAll) > 0 && hasAll(actionSet, actionsAll) {
					hit = true
					matched = append(matched, actionsAll...)
				}
				if len(actionsAny) > 0 {
					for _, act := range actionsAny {
						if actionSet[act] {
							hit = true
							matched = append(matched, act)
						}
					}
				}
				if hit {
					violations = append(violations, map[string]any{
						"user_id":     userID,
						"type":        "role_action_separation",
						"roles":       rolesAll,
						"actions":     matched,
						"description": fmt.Sprintf("user %s combines roles %s with restricted actions", userID, strings.Join(rolesAll, ", ")),
					})
				}
			}
		}
	}

	return map[string]any{
		"violations": violations,
		"summary": map[string]any{
			"users":      len(assignments),
			"violations": len(violations),
		},
	}, nil
}

func toSet(xs []string) map[string]bool {
	set := make(map[string]bool, len(xs))
	for _, x := range xs {
		set[x] = true
	}
	return set
}

func hasAll(set map[string]bool, want []string) bool {
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}
