package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
	"github.com/keiri-labs/keiri-engine/pkg/observability"
)

// Run statuses recorded in the ledger and the run result.
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusError   = "error"
)

// RunRecord is the ledger row for one run.
type RunRecord struct {
	RunID        string    `json:"run_id"`
	PlanID       string    `json:"plan_id"`
	PlanVersion  string    `json:"plan_version,omitempty"`
	Status       string    `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at,omitempty"`
	BlocksTotal  int       `json:"blocks_total"`
	BlocksOK     int       `json:"blocks_ok"`
	BlocksFailed int       `json:"blocks_failed"`
	Error        string    `json:"error,omitempty"`
}

// RunRecorder persists run history. Recording failures are logged and
// never fail the run itself.
type RunRecorder interface {
	RecordStart(ctx context.Context, rec RunRecord) error
	RecordFinish(ctx context.Context, rec RunRecord) error
}

// Runner executes plans node by node in dependency order.
type Runner struct {
	exec   *Executor
	ledger RunRecorder
	log    *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunRecorder attaches a run ledger.
func WithRunRecorder(rec RunRecorder) RunnerOption {
	return func(r *Runner) { r.ledger = rec }
}

// WithRunnerLogger overrides the default logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.log = l }
}

// NewRunner creates a plan runner over an executor.
func NewRunner(exec *Executor, opts ...RunnerOption) *Runner {
	r := &Runner{
		exec: exec,
		log:  slog.Default().With("component", "runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunOptions parameterize one run.
type RunOptions struct {
	RunID     string         // generated when empty
	Vars      map[string]any // override plan vars
	Workspace string
	DryRun    bool
}

// RunResult is the outcome of a plan run.
type RunResult struct {
	RunID       string                    `json:"run_id"`
	PlanID      string                    `json:"plan_id"`
	Status      string                    `json:"status"`
	StartedAt   time.Time                 `json:"started_at"`
	FinishedAt  time.Time                 `json:"finished_at"`
	NodeOutputs map[string]map[string]any `json:"node_outputs"`
	Outputs     map[string]any            `json:"outputs"`
	NodeStatus  map[string]string         `json:"node_status"`
	FailedNode  string                    `json:"failed_node,omitempty"`
}

// Run executes the plan. On a node failure the run stops, the partial
// result is returned together with the node's error.
func (r *Runner) Run(ctx context.Context, plan *Plan, opts RunOptions) (*RunResult, error) {
	if len(plan.order) == 0 && len(plan.Graph) > 0 {
		if err := plan.validate(); err != nil {
			return nil, err
		}
	}

	runID := opts.RunID
	if runID == "" {
		runID = newRunID()
	}
	vars := mergeVars(plan.Vars, opts.Vars)

	result := &RunResult{
		RunID:       runID,
		PlanID:      plan.ID,
		Status:      RunStatusRunning,
		StartedAt:   r.exec.clock(),
		NodeOutputs: map[string]map[string]any{},
		Outputs:     map[string]any{},
		NodeStatus:  map[string]string{},
	}

	finish := func(error) {}
	if r.exec.obs != nil {
		ctx, finish = r.exec.obs.TrackRun(ctx, observability.PlanRun(runID, plan.ID)...)
	}

	r.recordStart(ctx, plan, result)
	r.log.Info("run started",
		"run_id", runID, "plan_id", plan.ID, "nodes", len(plan.Graph), "dry_run", opts.DryRun)

	var runErr error
	for _, idx := range plan.order {
		node := plan.Graph[idx]

		inputs, err := resolveInputs(node.In, vars, result.NodeOutputs, opts.DryRun)
		if err == nil {
			var outputs map[string]any
			outputs, err = r.exec.Execute(ctx, Request{
				BlockID:   node.Block,
				Version:   node.Version,
				RunID:     runID,
				PlanID:    plan.ID,
				NodeID:    node.ID,
				Inputs:    inputs,
				Workspace: opts.Workspace,
				DryRun:    opts.DryRun,
			})
			if err == nil {
				result.NodeOutputs[node.ID] = outputs
				result.NodeStatus[node.ID] = RunStatusSuccess
				for alias, key := range node.Out {
					if v, ok := outputs[key]; ok {
						result.Outputs[alias] = v
					}
				}
				continue
			}
		}

		result.NodeStatus[node.ID] = RunStatusError
		result.FailedNode = node.ID
		runErr = err
		break
	}

	result.FinishedAt = r.exec.clock()
	if runErr != nil {
		result.Status = RunStatusError
	} else {
		result.Status = RunStatusSuccess
	}

	r.recordFinish(ctx, plan, result, runErr)
	finish(runErr)

	if runErr != nil {
		r.log.Error("run failed",
			"run_id", runID, "plan_id", plan.ID,
			"failed_node", result.FailedNode, "error", runErr)
		return result, runErr
	}
	r.log.Info("run finished",
		"run_id", runID, "plan_id", plan.ID,
		"elapsed_ms", result.FinishedAt.Sub(result.StartedAt).Milliseconds())
	return result, nil
}

func (r *Runner) recordStart(ctx context.Context, plan *Plan, result *RunResult) {
	if r.ledger == nil {
		return
	}
	rec := RunRecord{
		RunID:       result.RunID,
		PlanID:      plan.ID,
		PlanVersion: plan.Version,
		Status:      RunStatusRunning,
		StartedAt:   result.StartedAt,
		BlocksTotal: len(plan.Graph),
	}
	if err := r.ledger.RecordStart(ctx, rec); err != nil {
		r.log.Warn("failed to record run start", "run_id", result.RunID, "error", err)
	}
}

func (r *Runner) recordFinish(ctx context.Context, plan *Plan, result *RunResult, runErr error) {
	if r.ledger == nil {
		return
	}
	ok, failed := 0, 0
	for _, s := range result.NodeStatus {
		switch s {
		case RunStatusSuccess:
			ok++
		case RunStatusError:
			failed++
		}
	}
	rec := RunRecord{
		RunID:        result.RunID,
		PlanID:       plan.ID,
		PlanVersion:  plan.Version,
		Status:       result.Status,
		StartedAt:    result.StartedAt,
		FinishedAt:   result.FinishedAt,
		BlocksTotal:  len(plan.Graph),
		BlocksOK:     ok,
		BlocksFailed: failed,
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if err := r.ledger.RecordFinish(ctx, rec); err != nil {
		r.log.Warn("failed to record run finish", "run_id", result.RunID, "error", err)
	}
}

// resolveInputs substitutes ${vars.key} and ${node.key} references.
// In dry-run mode unresolved node outputs become nil instead of
// errors, since skipped blocks produce no outputs to reference.
func resolveInputs(in map[string]any, vars map[string]any, results map[string]map[string]any, lenient bool) (map[string]any, error) {
	if in == nil {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		rv, err := resolveValue(v, vars, results, lenient)
		if err != nil {
			return nil, err
		}
		out[k] = rv
	}
	return out, nil
}

func resolveValue(v any, vars map[string]any, results map[string]map[string]any, lenient bool) (any, error) {
	switch t := v.(type) {
	case string:
		return resolveString(t, vars, results, lenient)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			rv, err := resolveValue(e, vars, results, lenient)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			rv, err := resolveValue(e, vars, results, lenient)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveString(s string, vars map[string]any, results map[string]map[string]any, lenient bool) (any, error) {
	// A string that is exactly one reference passes the value through
	// with its type intact.
	if m := refPattern.FindStringSubmatch(s); m != nil && m[0] == s {
		return lookupRef(planRef{ns: m[1], key: m[2]}, vars, results, lenient)
	}

	var resolveErr error
	replaced := refPattern.ReplaceAllStringFunc(s, func(match string) string {
		if resolveErr != nil {
			return match
		}
		m := refPattern.FindStringSubmatch(match)
		val, err := lookupRef(planRef{ns: m[1], key: m[2]}, vars, results, lenient)
		if err != nil {
			resolveErr = err
			return match
		}
		switch val.(type) {
		case nil:
			return ""
		case string, bool, float64, float32, int, int64, int32, uint, uint64:
			return fmt.Sprint(val)
		default:
			resolveErr = blockerr.New(blockerr.CodeConfigInvalid,
				fmt.Sprintf("reference %s resolves to a non-scalar and cannot be embedded in a string", match))
			return match
		}
	})
	if resolveErr != nil {
		return nil, resolveErr
	}
	return replaced, nil
}

func lookupRef(ref planRef, vars map[string]any, results map[string]map[string]any, lenient bool) (any, error) {
	if ref.ns == "vars" {
		v, ok := vars[ref.key]
		if !ok {
			return nil, blockerr.New(blockerr.CodeConfigInvalid,
				fmt.Sprintf("undefined var in reference %s", ref)).
				WithDetail("reference", ref.String())
		}
		return v, nil
	}

	outputs, ok := results[ref.ns]
	if !ok {
		if lenient {
			return nil, nil
		}
		return nil, blockerr.New(blockerr.CodeDependencyNotFound,
			fmt.Sprintf("reference %s points at a node that has not produced outputs", ref)).
			WithDetail("reference", ref.String()).
			WithDetail("node", ref.ns)
	}
	v, ok := outputs[ref.key]
	if !ok {
		if lenient {
			return nil, nil
		}
		return nil, blockerr.New(blockerr.CodeDependencyNotFound,
			fmt.Sprintf("node %s has no output %q", ref.ns, ref.key)).
			WithDetail("reference", ref.String()).
			WithDetail("node", ref.ns).
			WithDetail("output", ref.key)
	}
	return v, nil
}

func mergeVars(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func newRunID() string {
	u := uuid.New()
	return "run_" + hex.EncodeToString(u[:])[:8]
}
