package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
	"github.com/keiri-labs/keiri-engine/pkg/identity"
)

func twoLevelRoute() map[string]any {
	return map[string]any{
		"levels": []any{
			map[string]any{
				"id":        "L1",
				"rule":      map[string]any{"type": "all"},
				"approvers": []any{"user:u1", "u2"},
			},
			map[string]any{
				"id":        "L2",
				"rule":      map[string]any{"type": "any"},
				"approvers": []any{"u3"},
			},
		},
	}
}

func decision(level, approver, verdict, ts string) map[string]any {
	d := map[string]any{"level_id": level, "approver_id": approver, "decision": verdict}
	if ts != "" {
		d["timestamp"] = ts
	}
	return d
}

func runApproval(t *testing.T, b ApprovalRouteBlock, route map[string]any, decisions []any) map[string]any {
	t.Helper()
	out, err := b.Run(nil, map[string]any{"route_definition": route, "decisions": decisions})
	require.NoError(t, err)
	return out
}

func violationTypes(out map[string]any) []string {
	var types []string
	for _, v := range out["violations"].([]map[string]any) {
		types = append(types, v["type"].(string))
	}
	return types
}

func TestApprovalRouteAllLevelsApprove(t *testing.T) {
	out := runApproval(t, ApprovalRouteBlock{}, twoLevelRoute(), []any{
		decision("L1", "u1", "approve", "2025-04-01T09:00:00Z"),
		decision("L1", "user:u2", "approve", "2025-04-01T09:30:00Z"),
		decision("L2", "u3", "approve", "2025-04-01T10:00:00Z"),
	})

	require.Equal(t, true, out["approved"])
	require.Empty(t, out["violations"])

	log := out["route_log"].([]map[string]any)
	require.Len(t, log, 2)
	assert.Equal(t, "L1", log[0]["level_id"])
	assert.Equal(t, "approved", log[0]["status"])
	assert.Equal(t, 2, log[0]["required"])
	assert.Equal(t, 2, log[0]["approved"])
	assert.Equal(t, "approved", log[1]["status"])

	summary := out["summary"].(map[string]any)
	assert.Equal(t, 2, summary["levels"])
	assert.Equal(t, 3, summary["decisions"])
}

func TestApprovalRouteOrderAndAuthorityViolations(t *testing.T) {
	// u3 signs the second level before the first is complete, and u4
	// signs a level they were never assigned to.
	out := runApproval(t, ApprovalRouteBlock{}, twoLevelRoute(), []any{
		decision("L2", "u3", "approve", "2025-04-01T09:00:00Z"),
		decision("L1", "u1", "approve", "2025-04-01T09:30:00Z"),
		decision("L1", "u4", "approve", "2025-04-01T10:00:00Z"),
	})

	require.Equal(t, false, out["approved"])
	assert.ElementsMatch(t,
		[]string{"unauthorized_approver", "level_incomplete", "order_violation"},
		violationTypes(out))

	for _, v := range out["violations"].([]map[string]any) {
		switch v["type"] {
		case "unauthorized_approver":
			assert.Equal(t, "u4", v["approver_id"])
			assert.Equal(t, "L1", v["level_id"])
		case "order_violation":
			assert.Equal(t, "u3", v["approver_id"])
			assert.Equal(t, "L2", v["level_id"])
		case "level_incomplete":
			assert.Equal(t, "L1", v["level_id"])
			assert.NotContains(t, v, "approver_id")
		}
	}

	log := out["route_log"].([]map[string]any)
	assert.Equal(t, "pending", log[0]["status"])
	assert.Equal(t, "approved", log[1]["status"])
}

func TestApprovalRouteLatestDecisionWins(t *testing.T) {
	route := map[string]any{
		"levels": []any{
			map[string]any{"id": "L1", "rule": map[string]any{"type": "any"}, "approvers": []any{"u1"}},
		},
	}

	out := runApproval(t, ApprovalRouteBlock{}, route, []any{
		decision("L1", "u1", "approve", "2025-04-01T09:00:00Z"),
		decision("L1", "u1", "reject", "2025-04-01T11:00:00Z"),
	})
	require.Equal(t, false, out["approved"])
	log := out["route_log"].([]map[string]any)
	assert.Equal(t, "rejected", log[0]["status"])
	assert.Len(t, log[0]["decisions"], 1)

	out = runApproval(t, ApprovalRouteBlock{}, route, []any{
		decision("L1", "u1", "reject", "2025-04-01T09:00:00Z"),
		decision("L1", "u1", "approve", "2025-04-01T11:00:00Z"),
	})
	require.Equal(t, true, out["approved"])
	require.Empty(t, out["violations"])
}

func TestApprovalRouteNOfM(t *testing.T) {
	route := map[string]any{
		"levels": []any{
			map[string]any{
				"id":        "sign-off",
				"rule":      map[string]any{"type": "n_of_m", "n": 2},
				"approvers": []any{"u1", "u2", "u3"},
			},
		},
	}

	out := runApproval(t, ApprovalRouteBlock{}, route, []any{
		decision("sign-off", "u1", "approve", "2025-04-01T09:00:00Z"),
	})
	require.Equal(t, false, out["approved"])
	vs := out["violations"].([]map[string]any)
	require.Len(t, vs, 1)
	assert.Equal(t, "level_incomplete", vs[0]["type"])
	assert.Equal(t, "1 of 2 required approvals recorded", vs[0]["description"])

	out = runApproval(t, ApprovalRouteBlock{}, route, []any{
		decision("sign-off", "u1", "approve", "2025-04-01T09:00:00Z"),
		decision("sign-off", "u3", "approve", "2025-04-01T09:05:00Z"),
	})
	require.Equal(t, true, out["approved"])
	require.Empty(t, out["violations"])
}

func TestApprovalRouteUnknownLevelFlagged(t *testing.T) {
	route := map[string]any{
		"levels": []any{
			map[string]any{"id": "L1", "approvers": []any{"u1"}},
		},
	}
	out := runApproval(t, ApprovalRouteBlock{}, route, []any{
		decision("L1", "u1", "approve", "2025-04-01T09:00:00Z"),
		decision("L9", "u2", "approve", "2025-04-01T09:10:00Z"),
	})

	// Noise outside the route is flagged but does not block levels
	// that completed properly.
	require.Equal(t, true, out["approved"])
	vs := out["violations"].([]map[string]any)
	require.Len(t, vs, 1)
	assert.Equal(t, "unauthorized_approver", vs[0]["type"])
	assert.Equal(t, "L9", vs[0]["level_id"])
}

func TestApprovalRouteRoleTokensAreNotExplicitApprovers(t *testing.T) {
	route := map[string]any{
		"levels": []any{
			map[string]any{
				"id":        "L1",
				"rule":      map[string]any{"type": "all"},
				"approvers": []any{"role:finance", "u1"},
			},
		},
	}

	out := runApproval(t, ApprovalRouteBlock{}, route, []any{
		decision("L1", "u1", "approve", "2025-04-01T09:00:00Z"),
	})
	require.Equal(t, true, out["approved"])
	require.Empty(t, out["violations"])

	// A decision from someone covered only by the role token is still
	// unauthorized at this level.
	out = runApproval(t, ApprovalRouteBlock{}, route, []any{
		decision("L1", "u1", "approve", "2025-04-01T09:00:00Z"),
		decision("L1", "u9", "approve", "2025-04-01T09:05:00Z"),
	})
	require.Equal(t, true, out["approved"])
	assert.Equal(t, []string{"unauthorized_approver"}, violationTypes(out))
}

func TestApprovalRouteSignedDecisions(t *testing.T) {
	tokens := identity.NewDecisionTokens([]byte("route-secret"))
	b := ApprovalRouteBlock{Tokens: tokens}
	route := map[string]any{
		"levels": []any{
			map[string]any{"id": "L1", "rule": map[string]any{"type": "any"}, "approvers": []any{"u1"}},
		},
	}

	tok, err := tokens.Issue("u1", "L1", "approve", "run-1", time.Hour)
	require.NoError(t, err)
	d := decision("L1", "u1", "approve", "2025-04-01T09:00:00Z")
	d["token"] = tok
	out := runApproval(t, b, route, []any{d})
	require.Equal(t, true, out["approved"])
	require.Empty(t, out["violations"])
}

func TestApprovalRouteRejectsBadTokens(t *testing.T) {
	tokens := identity.NewDecisionTokens([]byte("route-secret"))
	b := ApprovalRouteBlock{Tokens: tokens}
	route := map[string]any{
		"levels": []any{
			map[string]any{"id": "L1", "rule": map[string]any{"type": "any"}, "approvers": []any{"u1"}},
		},
	}

	// Token issued to a different approver.
	tok, err := tokens.Issue("u2", "L1", "approve", "run-1", time.Hour)
	require.NoError(t, err)
	d := decision("L1", "u1", "approve", "2025-04-01T09:00:00Z")
	d["token"] = tok
	out := runApproval(t, b, route, []any{d})
	require.Equal(t, false, out["approved"])
	assert.ElementsMatch(t, []string{"unauthorized_approver", "level_incomplete"}, violationTypes(out))

	// Unparseable token.
	d = decision("L1", "u1", "approve", "2025-04-01T09:00:00Z")
	d["token"] = "not-a-token"
	out = runApproval(t, b, route, []any{d})
	require.Equal(t, false, out["approved"])
	assert.Contains(t, violationTypes(out), "unauthorized_approver")

	// Unsigned decisions still count when a verifier is attached.
	out = runApproval(t, b, route, []any{decision("L1", "u1", "approve", "2025-04-01T09:00:00Z")})
	require.Equal(t, true, out["approved"])
}

func TestApprovalRouteRejectsMalformedInputs(t *testing.T) {
	b := ApprovalRouteBlock{}

	_, err := b.Run(nil, map[string]any{})
	assert.Equal(t, blockerr.CodeInputRequiredMissing, blockerr.CodeOf(err))

	_, err = b.Run(nil, map[string]any{
		"route_definition": map[string]any{"levels": []any{
			map[string]any{"id": "L1", "rule": map[string]any{"type": "quorum"}},
		}},
	})
	assert.Equal(t, blockerr.CodeInputValidationFailed, blockerr.CodeOf(err))

	_, err = b.Run(nil, map[string]any{
		"route_definition": twoLevelRoute(),
		"decisions":        []any{decision("L1", "u1", "maybe", "")},
	})
	assert.Equal(t, blockerr.CodeInputValidationFailed, blockerr.CodeOf(err))
}
