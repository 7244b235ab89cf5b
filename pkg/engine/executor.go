// Package engine executes blocks and plans. The executor wraps every
// block invocation with input/output schema validation, panic
// recovery, audit-trail entries, and telemetry; the runner resolves a
// YAML plan graph and executes it in dependency order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/keiri-labs/keiri-engine/pkg/block"
	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
	"github.com/keiri-labs/keiri-engine/pkg/observability"
	"github.com/keiri-labs/keiri-engine/pkg/vault"
)

// Executor runs single blocks under the engine contract.
type Executor struct {
	registry *block.Registry
	vault    *vault.Vault
	obs      *observability.Provider
	log      *slog.Logger
	clock    func() time.Time
	timeout  time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithVault attaches the evidence vault. Block start and end entries
// go to the per-run audit trail, and blocks can store evidence.
func WithVault(v *vault.Vault) ExecutorOption {
	return func(x *Executor) { x.vault = v }
}

// WithObservability attaches the telemetry provider.
func WithObservability(p *observability.Provider) ExecutorOption {
	return func(x *Executor) { x.obs = p }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(x *Executor) { x.log = l }
}

// WithClock overrides the time source, mainly for tests.
func WithClock(clock func() time.Time) ExecutorOption {
	return func(x *Executor) { x.clock = clock }
}

// WithTimeout sets a per-block deadline applied when the caller's
// context has none. Zero disables it.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(x *Executor) { x.timeout = d }
}

// NewExecutor creates an executor over a block registry.
func NewExecutor(registry *block.Registry, opts ...ExecutorOption) *Executor {
	x := &Executor{
		registry: registry,
		log:      slog.Default().With("component", "engine"),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Request identifies one block invocation.
type Request struct {
	BlockID string
	Version string // empty selects the highest registered version

	RunID  string
	PlanID string
	NodeID string

	Inputs    map[string]any
	Workspace string
	DryRun    bool
}

// Execute runs one block. Every returned error is a *blockerr.Error.
// Audit entries are appended around the run; audit failures are
// logged but never fail the execution.
func (x *Executor) Execute(ctx context.Context, req Request) (outputs map[string]any, err error) {
	b, spec, err := x.registry.Resolve(req.BlockID, req.Version)
	if err != nil {
		return nil, err
	}

	finish := func(error) {}
	if x.obs != nil {
		ctx, finish = x.obs.TrackBlock(ctx,
			observability.BlockExecution(b.ID(), b.Version(), req.RunID, req.NodeID)...)
	}
	defer func() { finish(err) }()

	if spec != nil && spec.InputSchema != "" {
		if verr := block.ValidateSchema(spec.InputSchema, req.Inputs); verr != nil {
			err = blockerr.New(blockerr.CodeInputValidationFailed,
				fmt.Sprintf("inputs for block %s failed schema validation", b.ID())).
				WithDetail("schema_error", verr.Error()).
				WithSnapshot(req.Inputs)
			return nil, err
		}
	}

	start := x.clock()
	x.auditEntry(req, b, vault.EventBlockStart, vault.StatusStarted, start, 0, req.Inputs, nil, nil)

	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && x.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, x.timeout)
		defer cancel()
	}

	bctx := &block.Context{
		Context:   ctx,
		RunID:     req.RunID,
		PlanID:    req.PlanID,
		NodeID:    req.NodeID,
		Workspace: req.Workspace,
		Vault:     x.vault,
		Log:       x.log.With("block", b.ID(), "run_id", req.RunID),
		Clock:     x.clock,
		DryRun:    req.DryRun,
	}

	outputs, err = x.runSafely(bctx, b, req.Inputs)
	elapsed := x.clock().Sub(start)

	if err != nil {
		err = x.normalizeError(ctx, b, req, err)
		x.auditEntry(req, b, vault.EventBlockEnd, vault.StatusError, start, elapsed, req.Inputs, nil, err)
		x.log.Error("block failed",
			"block", b.ID(), "run_id", req.RunID,
			"code", string(blockerr.CodeOf(err)), "error", err)
		return nil, err
	}
	if outputs == nil {
		outputs = map[string]any{}
	}

	if spec != nil && spec.OutputSchema != "" {
		if verr := block.ValidateSchema(spec.OutputSchema, outputs); verr != nil {
			err = blockerr.New(blockerr.CodeOutputSchemaMismatch,
				fmt.Sprintf("outputs of block %s failed schema validation", b.ID())).
				WithDetail("schema_error", verr.Error())
			x.auditEntry(req, b, vault.EventBlockEnd, vault.StatusError, start, elapsed, req.Inputs, outputs, err)
			return nil, err
		}
	}

	x.auditEntry(req, b, vault.EventBlockEnd, vault.StatusSuccess, start, elapsed, req.Inputs, outputs, nil)
	x.log.Debug("block finished",
		"block", b.ID(), "run_id", req.RunID, "elapsed_ms", elapsed.Milliseconds())
	return outputs, nil
}

// runSafely invokes the block with panic recovery. In dry-run mode
// blocks without a DryRun implementation are skipped with empty
// outputs so plan validation stays side-effect free.
func (x *Executor) runSafely(bctx *block.Context, b block.Block, inputs map[string]any) (outputs map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = blockerr.New(blockerr.CodeBlockExecutionFailed,
				fmt.Sprintf("panic in block %s: %v", b.ID(), r)).
				WithDetail("stack", string(debug.Stack()))
			outputs = nil
		}
	}()

	if bctx.DryRun {
		if dr, ok := b.(block.DryRunner); ok {
			return dr.DryRun(bctx, inputs)
		}
		return map[string]any{}, nil
	}
	return b.Run(bctx, inputs)
}

func (x *Executor) normalizeError(ctx context.Context, b block.Block, req Request, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		var be *blockerr.Error
		if !errors.As(err, &be) {
			return blockerr.Wrap(err, blockerr.CodeExternalTimeout,
				fmt.Sprintf("block %s exceeded its deadline", b.ID()))
		}
	}
	var be *blockerr.Error
	if errors.As(err, &be) {
		return err
	}
	return blockerr.Wrap(err, blockerr.CodeBlockExecutionFailed,
		fmt.Sprintf("block %s failed", b.ID())).
		WithSnapshot(req.Inputs)
}

func (x *Executor) auditEntry(req Request, b block.Block, event vault.EventType, status vault.ExecutionStatus, at time.Time, elapsed time.Duration, inputs, outputs map[string]any, execErr error) {
	if x.vault == nil || req.RunID == "" {
		return
	}
	entry := vault.NewAuditEntry(event, req.RunID, b.ID(), status, at)
	entry.Inputs = summarizeIO(inputs)
	entry.Outputs = summarizeIO(outputs)
	if elapsed > 0 {
		entry.ExecutionTimeMS = float64(elapsed.Microseconds()) / 1000.0
	}
	if execErr != nil {
		entry.ErrorDetails = map[string]any{
			"code":    string(blockerr.CodeOf(execErr)),
			"message": execErr.Error(),
		}
	}
	if err := x.vault.Log(entry); err != nil {
		x.log.Warn("failed to append audit entry",
			"run_id", req.RunID, "block", b.ID(), "error", err)
	}
}

// summarizeIO compacts a port payload for the audit trail: scalars
// are kept (long strings truncated), collections are reduced to their
// shape. The trail records what moved, not the full data; the vault
// holds the data itself.
func summarizeIO(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case string:
			if len(t) > 200 {
				out[k] = t[:200] + "..."
			} else {
				out[k] = t
			}
		case bool, float64, float32, int, int64, int32, uint, uint64, nil:
			out[k] = v
		case []any:
			out[k] = fmt.Sprintf("<array len=%d>", len(t))
		case []map[string]any:
			out[k] = fmt.Sprintf("<array len=%d>", len(t))
		case []string:
			out[k] = fmt.Sprintf("<array len=%d>", len(t))
		case map[string]any:
			out[k] = fmt.Sprintf("<object keys=%d>", len(t))
		default:
			out[k] = fmt.Sprintf("<%T>", v)
		}
	}
	return out
}
