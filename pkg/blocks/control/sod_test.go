package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSodCheckFlagsConflicts(t *testing.T) {
	out, err := SodCheckBlock{}.Run(nil, map[string]any{
		"assignments": []any{
			map[string]any{
				"user_id": "u1",
				"roles":   []any{"ap_clerk", "ap_approver"},
				"actions": []any{"create_invoice", "approve_invoice"},
			},
			map[string]any{
				"user_id": "u2",
				"roles":   []any{"ap_clerk"},
				"actions": []any{"create_invoice"},
			},
		},
		"sod_matrix": map[string]any{"conflicts": []any{
			map[string]any{"rule": "mutual_exclusion", "roles_any": []any{"ap_clerk", "ap_approver"}},
			map[string]any{"rule": "role_action_separation", "roles_all": []any{"ap_clerk"}, "actions_any": []any{"approve_invoice"}},
		}},
	})
	require.NoError(t, err)

	vs := out["violations"].([]map[string]any)
	require.Len(t, vs, 2)
	assert.Equal(t, "mutual_exclusion", vs[0]["type"])
	assert.Equal(t, "u1", vs[0]["user_id"])
	assert.Equal(t, []string{"ap_clerk", "ap_approver"}, vs[0]["roles"])
	assert.Equal(t, "role_action_separation", vs[1]["type"])
	assert.Equal(t, "u1", vs[1]["user_id"])
	assert.Equal(t, []string{"approve_invoice"}, vs[1]["actions"])

	summary := out["summary"].(map[string]any)
	assert.Equal(t, 2, summary["users"])
	assert.Equal(t, 2, summary["violations"])
}

func TestSodCheckRoleOnlySeparation(t *testing.T) {
	out, err := SodCheckBlock{}.Run(nil, map[string]any{
		"assignments": []any{
			map[string]any{"user_id": "u1", "roles": []any{"vendor_admin", "payment_release"}},
		},
		"sod_matrix": map[string]any{"conflicts": []any{
			map[string]any{"type": "role_action_separation", "roles_all": []any{"vendor_admin", "payment_release"}},
		}},
	})
	require.NoError(t, err)

	vs := out["violations"].([]map[string]any)
	require.Len(t, vs, 1)
	assert.Equal(t, "role_action_separation", vs[0]["type"])
	assert.Empty(t, vs[0]["actions"])
}

func TestSodCheckActionsAllMustAllMatch(t *testing.T) {
	run := func(actions []any) map[string]any {
		out, err := SodCheckBlock{}.Run(nil, map[string]any{
			"assignments": []any{
				map[string]any{"user_id": "u1", "roles": []any{"gl_admin"}, "actions": actions},
			},
			"sod_matrix": map[string]any{"conflicts": []any{
				map[string]any{
					"rule":        "role_action_separation",
					"roles_all":   []any{"gl_admin"},
					"actions_all": []any{"post_journal", "approve_journal"},
				},
			}},
		})
		require.NoError(t, err)
		return out
	}

	out := run([]any{"post_journal"})
	assert.Empty(t, out["violations"])

	out = run([]any{"post_journal", "approve_journal"})
	vs := out["violations"].([]map[string]any)
	require.Len(t, vs, 1)
	assert.Equal(t, []string{"post_journal", "approve_journal"}, vs[0]["actions"])
}

func TestSodCheckActionConstraintMustMatch(t *testing.T) {
	// Holding the role without the restricted action is not a conflict.
	out, err := SodCheckBlock{}.Run(nil, map[string]any{
		"assignments": []any{
			map[string]any{"user_id": "u2", "roles": []any{"ap_clerk"}, "actions": []any{"create_invoice"}},
		},
		"sod_matrix": map[string]any{"conflicts": []any{
			map[string]any{"rule": "role_action_separation", "roles_all": []any{"ap_clerk"}, "actions_any": []any{"approve_invoice"}},
		}},
	})
	require.NoError(t, err)
	assert.Empty(t, out["violations"])
}

func TestSodCheckNoMatrix(t *testing.T) {
	out, err := SodCheckBlock{}.Run(nil, map[string]any{
		"assignments": []any{map[string]any{"user_id": "u1", "roles": []any{"admin"}}},
	})
	require.NoError(t, err)
	assert.Empty(t, out["violations"])
	assert.Equal(t, 1, out["summary"].(map[string]any)["users"])
}
