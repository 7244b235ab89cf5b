package control

import (
	"fmt"
	"sort"
	"strings"

	"github.com/keiri-labs/keiri-engine/pkg/block"
	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
	"github.com/keiri-labs/keiri-engine/pkg/identity"
)

// ApprovalRouteBlock evaluates a multi-level approval route against
// recorded decisions. Levels are checked in route order; decisions
// recorded for a level whose predecessors are not yet satisfied are
// order violations, and approvers outside a level's list are flagged
// without counting toward its rule.
type ApprovalRouteBlock struct {
	// Tokens enables signed-decision verification. When set, a
	// decision carrying a token must verify against it; decisions
	// without tokens are still accepted.
	Tokens *identity.DecisionTokens
}

func (ApprovalRouteBlock) ID() string      { return "control.approval_route" }
func (ApprovalRouteBlock) Version() string { return "1.0.0" }

func (ApprovalRouteBlock) Spec() block.Spec {
	return block.Spec{
		ID:          "control.approval_route",
		Version:     "1.0.0",
		Description: "Evaluate a multi-level approval route against recorded decisions.",
		InputSchema: `{
			"type": "object",
			"required": ["route_definition"],
			"properties": {
				"route_definition": {"type": "object"},
				"decisions": {"type": "array"}
			}
		}`,
		OutputSchema: `{
			"type": "object",
			"required": ["approved", "route_log", "violations"],
			"properties": {
				"approved": {"type": "boolean"},
				"route_log": {"type": "array"},
				"violations": {"type": "array"},
				"summary": {"type": "object"}
			}
		}`,
	}
}

type routeLevel struct {
	id       string
	rule     string
	need     int
	raw      []string
	explicit []string
}

type routeDecision struct {
	levelID  string
	approver string
	verdict  string
	comment  string
	token    string
	ts       float64
	hasTS    bool
	seq      int
}

func (b ApprovalRouteBlock) Run(_ *block.Context, inputs map[string]any) (map[string]any, error) {
	routeDef, err := block.Map(inputs, "route_definition")
	if err != nil {
		return nil, err
	}
	levels, err := parseRouteLevels(routeDef)
	if err != nil {
		return nil, err
	}
	decisions, err := parseRouteDecisions(inputs)
	if err != nil {
		return nil, err
	}
	kept := latestDecisions(decisions)

	var violations []map[string]any

	// Signed decisions must verify before they can count.
	badToken := map[int]bool{}
	if b.Tokens != nil {
		for _, d := range kept {
			if d.token == "" {
				continue
			}
			claims, err := b.Tokens.Verify(d.token)
			switch {
			case err != nil:
				badToken[d.seq] = true
				violations = append(violations, approvalViolation("unauthorized_approver", d.levelID, d.approver,
					"decision token failed verification"))
			case strings.TrimPrefix(claims.Subject, "user:") != d.approver,
				claims.LevelID != "" && claims.LevelID != d.levelID,
				claims.Decision != "" && claims.Decision != d.verdict:
				badToken[d.seq] = true
				violations = append(violations, approvalViolation("unauthorized_approver", d.levelID, d.approver,
					"decision token does not match the recorded decision"))
			}
		}
	}

	known := map[string]bool{}
	for _, l := range levels {
		known[l.id] = true
	}
	byLevel := map[string][]routeDecision{}
	for _, d := range kept {
		if !known[d.levelID] {
			violations = append(violations, approvalViolation("unauthorized_approver", d.levelID, d.approver,
				fmt.Sprintf("level %q is not part of the route", d.levelID)))
			continue
		}
		byLevel[d.levelID] = append(byLevel[d.levelID], d)
	}

	routeLog := make([]map[string]any, 0, len(levels))
	satisfied := make([]bool, len(levels))
	rejectedAny := false

	for li, l := range levels {
		ds := byLevel[l.id]
		sort.SliceStable(ds, func(a, b int) bool {
			if ds[a].ts != ds[b].ts {
				return ds[a].ts < ds[b].ts
			}
			return ds[a].seq < ds[b].seq
		})

		onList := map[string]bool{}
		for _, id := range l.explicit {
			onList[id] = true
		}
		approvals := map[string]bool{}
		rejected := false
		logDecisions := make([]map[string]any, 0, len(ds))

		for _, d := range ds {
			if !onList[d.approver] {
				violations = append(violations, approvalViolation("unauthorized_approver", l.id, d.approver,
					"approver is not on the level approver list"))
			}
			counts := onList[d.approver] && !badToken[d.seq]
			if counts {
				switch d.verdict {
				case "approve":
					approvals[d.approver] = true
				case "reject":
					rejected = true
				}
			}
			entry := map[string]any{
				"approver_id": d.approver,
				"decision":    d.verdict,
				"authorized":  counts,
			}
			if d.comment != "" {
				entry["comment"] = d.comment
			}
			if d.hasTS {
				entry["timestamp"] = d.ts
			}
			logDecisions = append(logDecisions, entry)
		}

		need := 1
		ok := false
		switch l.rule {
		case "all":
			need = len(l.explicit)
			ok = true
			for _, id := range l.explicit {
				if !approvals[id] {
					ok = false
					break
				}
			}
		case "n_of_m":
			need = l.need
			ok = len(approvals) >= l.need
		default:
			ok = len(approvals) >= 1
		}

		status := "pending"
		switch {
		case rejected:
			status = "rejected"
			rejectedAny = true
		case ok:
			status = "approved"
			satisfied[li] = true
		}

		if status == "pending" {
			violations = append(violations, approvalViolation("level_incomplete", l.id, "",
				fmt.Sprintf("%d of %d required approvals recorded", len(approvals), need)))
		}

		routeLog = append(routeLog, map[string]any{
			"level_id":  l.id,
			"rule":      l.rule,
			"required":  need,
			"approvers": l.raw,
			"approved":  len(approvals),
			"status":    status,
			"decisions": logDecisions,
		})
	}

	// Everything recorded past the first unsatisfied level jumped the
	// queue.
	firstPending := -1
	for i := range levels {
		if !satisfied[i] {
			firstPending = i
			break
		}
	}
	if firstPending >= 0 {
		for li := firstPending + 1; li < len(levels); li++ {
			for _, d := range byLevel[levels[li].id] {
				violations = append(violations, approvalViolation("order_violation", levels[li].id, d.approver,
					"decision recorded before earlier levels completed"))
			}
		}
	}

	allOK := true
	for i := range levels {
		if !satisfied[i] {
			allOK = false
			break
		}
	}
	approved := allOK && !rejectedAny

	if violations == nil {
		violations = []map[string]any{}
	}
	return map[string]any{
		"approved":   approved,
		"route_log":  routeLog,
		"violations": violations,
		"summary": map[string]any{
			"levels":     len(levels),
			"decisions":  len(kept),
			"violations": len(violations),
		},
	}, nil
}

func parseRouteLevels(routeDef map[string]any) ([]routeLevel, error) {
	levelsAny, err := block.Slice(routeDef, "levels")
	if err != nil {
		return nil, err
	}
	levels := make([]routeLevel, 0, len(levelsAny))
	seen := map[string]bool{}
	for i, lv := range levelsAny {
		m, ok := lv.(map[string]any)
		if !ok {
			return nil, blockerr.NewInputError("route_definition",
				fmt.Sprintf("levels[%d] must be an object", i), lv)
		}
		l := routeLevel{id: str(m["id"]), rule: "any", need: 1}
		if l.id == "" {
			l.id = fmt.Sprintf("level_%d", i+1)
		}
		if seen[l.id] {
			return nil, blockerr.NewInputError("route_definition",
				fmt.Sprintf("duplicate level id %q", l.id), l.id)
		}
		seen[l.id] = true
		if rule, ok := m["rule"].(map[string]any); ok {
			if t := strings.ToLower(strings.TrimSpace(str(rule["type"]))); t != "" {
				l.rule = t
			}
			if f, ok := numeric(rule["n"]); ok && int(f) > 0 {
				l.need = int(f)
			}
		}
		switch l.rule {
		case "any", "all", "n_of_m":
		default:
			return nil, blockerr.NewInputError("route_definition",
				fmt.Sprintf("levels[%d].rule.type must be any, all, or n_of_m", i), l.rule)
		}
		for _, tok := range stringsOf(m["approvers"]) {
			l.raw = append(l.raw, tok)
			if strings.HasPrefix(tok, "role:") {
				continue
			}
			l.explicit = append(l.explicit, strings.TrimPrefix(tok, "user:"))
		}
		levels = append(levels, l)
	}
	return levels, nil
}

func parseRouteDecisions(inputs map[string]any) ([]routeDecision, error) {
	rows, err := block.ItemsOr(inputs, "decisions")
	if err != nil {
		return nil, err
	}
	decisions := make([]routeDecision, 0, len(rows))
	for i, row := range rows {
		d := routeDecision{
			levelID:  str(row["level_id"]),
			approver: strings.TrimPrefix(str(row["approver_id"]), "user:"),
			verdict:  strings.ToLower(strings.TrimSpace(str(row["decision"]))),
			comment:  str(row["comment"]),
			token:    str(row["token"]),
			seq:      i,
		}
		switch d.verdict {
		case "approve", "reject":
		default:
			return nil, blockerr.NewInputError("decisions",
				fmt.Sprintf("decisions[%d].decision must be approve or reject", i), row["decision"])
		}
		if ts, ok := epochSeconds(row["timestamp"]); ok {
			d.ts, d.hasTS = ts, true
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

// latestDecisions reduces duplicate (level, approver) decisions to
// the latest by timestamp, later arrival winning ties.
func latestDecisions(decisions []routeDecision) []routeDecision {
	latest := map[string]int{}
	var order []string
	for i, d := range decisions {
		key := d.levelID + "\x1f" + d.approver
		j, ok := latest[key]
		if !ok {
			latest[key] = i
			order = append(order, key)
			continue
		}
		if d.ts >= decisions[j].ts {
			latest[key] = i
		}
	}
	kept := make([]routeDecision, 0, len(order))
	for _, key := range order {
		kept = append(kept, decisions[latest[key]])
	}
	return kept
}

func approvalViolation(vtype, levelID, approverID, description string) map[string]any {
	v := map[string]any{
		"type":        vtype,
		"level_id":    levelID,
		"description": description,
	}
	if approverID != "" {
		v["approver_id"] = approverID
	}
	return v
}
