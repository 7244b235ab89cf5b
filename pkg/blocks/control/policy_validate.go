package control

import (
	"encoding/json"

	"github.com/keiri-labs/keiri-engine/pkg/block"
	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
	"github.com/keiri-labs/keiri-engine/pkg/policy"
)

// PolicyValidateBlock runs a data record through the policy engine and
// reports the outcome as block output. The engine is attached at
// registration time; a catalogue built without one rejects the block
// with a dependency error rather than silently passing everything.
type PolicyValidateBlock struct {
	Engine *policy.Engine
}

func (b *PolicyValidateBlock) ID() string      { return "control.policy_validate" }
func (b *PolicyValidateBlock) Version() string { return "1.0.0" }

func (b *PolicyValidateBlock) Spec() block.Spec {
	return block.Spec{
		ID:          b.ID(),
		Version:     b.Version(),
		Description: "Evaluate a data record against registered policies and report violations.",
		InputSchema: `{
  "type": "object",
  "properties": {
    "data": {"type": "object"},
    "policy_ids": {"type": "array", "items": {"type": "string"}},
    "context": {"type": "object"}
  },
  "required": ["data"]
}`,
		OutputSchema: `{
  "type": "object",
  "properties": {
    "results": {"type": "array"},
    "violations": {"type": "array"},
    "passed": {"type": "boolean"},
    "summary": {"type": "object"}
  },
  "required": ["results", "violations", "passed"]
}`,
	}
}

func (b *PolicyValidateBlock) Run(ctx *block.Context, inputs map[string]any) (map[string]any, error) {
	if b.Engine == nil {
		return nil, blockerr.NewDependencyError("policy_engine", "no policy engine attached")
	}

	data, err := block.Map(inputs, "data")
	if err != nil {
		return nil, err
	}
	ids, err := block.Strings(inputs, "policy_ids")
	if err != nil {
		return nil, err
	}

	extra, err := block.MapOr(inputs, "context")
	if err != nil {
		return nil, err
	}
	evalCtx := map[string]any{}
	for k, v := range extra {
		evalCtx[k] = v
	}
	if _, ok := evalCtx["run_id"]; !ok && ctx != nil && ctx.RunID != "" {
		evalCtx["run_id"] = ctx.RunID
	}
	if _, ok := evalCtx["actor"]; !ok {
		evalCtx["actor"] = "keiri-engine"
	}

	var results []*policy.ExecutionResult
	if len(ids) > 0 {
		for _, id := range ids {
			results = append(results, b.Engine.Evaluate(id, data, evalCtx))
		}
	} else {
		results = b.Engine.EvaluateAll(data, evalCtx)
	}

	passed := true
	resultMaps := make([]any, 0, len(results))
	violations := []any{}
	for _, r := range results {
		if !r.Success || len(r.Violations) > 0 {
			passed = false
		}
		rm, err := jsonRoundTrip(r)
		if err != nil {
			return nil, blockerr.Newf(blockerr.CodeBlockExecutionFailed,
				"encode policy result %s: %v", r.PolicyID, err)
		}
		resultMaps = append(resultMaps, rm)
		for _, v := range r.Violations {
			vm, err := jsonRoundTrip(v)
			if err != nil {
				return nil, blockerr.Newf(blockerr.CodeBlockExecutionFailed,
					"encode violation %s: %v", v.ViolationID, err)
			}
			violations = append(violations, vm)
		}
	}

	return map[string]any{
		"results":    resultMaps,
		"violations": violations,
		"passed":     passed,
		"summary": map[string]any{
			"policies":   len(results),
			"violations": len(violations),
			"passed":     passed,
		},
	}, nil
}

// jsonRoundTrip flattens a typed value into the plain map form the
// rest of the pipeline works with.
func jsonRoundTrip(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
