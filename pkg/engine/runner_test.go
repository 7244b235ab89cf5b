package engine

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keiri-labs/keiri-engine/pkg/block"
	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
)

type fakeLedger struct {
	mu       sync.Mutex
	starts   []RunRecord
	finishes []RunRecord
}

func (l *fakeLedger) RecordStart(_ context.Context, rec RunRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.starts = append(l.starts, rec)
	return nil
}

func (l *fakeLedger) RecordFinish(_ context.Context, rec RunRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finishes = append(l.finishes, rec)
	return nil
}

func pipelineRegistry() *block.Registry {
	r := block.NewRegistry()
	r.MustRegister(&testBlock{
		id: "test.gen", version: "1.0.0",
		run: func(*block.Context, map[string]any) (map[string]any, error) {
			return map[string]any{"value": 21.0}, nil
		},
	})
	r.MustRegister(&testBlock{
		id: "test.double", version: "1.0.0",
		run: func(_ *block.Context, inputs map[string]any) (map[string]any, error) {
			v, err := block.Number(inputs, "value")
			if err != nil {
				return nil, err
			}
			return map[string]any{"value": v * 2}, nil
		},
	})
	r.MustRegister(echoBlock())
	return r
}

func mustParsePlan(t *testing.T, yaml string) *Plan {
	t.Helper()
	p, err := ParsePlan([]byte(yaml))
	require.NoError(t, err)
	return p
}

func TestRunExecutesPipeline(t *testing.T) {
	plan := mustParsePlan(t, `
id: doubler
version: "2.0.0"
graph:
  - id: gen
    block: test.gen
  - id: double
    block: test.double
    in:
      value: ${gen.value}
    out:
      result: value
`)
	runner := NewRunner(NewExecutor(pipelineRegistry(), WithLogger(quietLogger())),
		WithRunnerLogger(quietLogger()))

	result, err := runner.Run(context.Background(), plan, RunOptions{RunID: "run-pipe"})
	require.NoError(t, err)
	assert.Equal(t, RunStatusSuccess, result.Status)
	assert.Equal(t, "run-pipe", result.RunID)
	assert.Equal(t, "doubler", result.PlanID)
	assert.Equal(t, 42.0, result.NodeOutputs["double"]["value"])
	assert.Equal(t, 42.0, result.Outputs["result"])
	assert.Equal(t, RunStatusSuccess, result.NodeStatus["gen"])
	assert.Equal(t, RunStatusSuccess, result.NodeStatus["double"])
	assert.Empty(t, result.FailedNode)
}

func TestRunInterpolatesVars(t *testing.T) {
	plan := mustParsePlan(t, `
id: interp
vars:
  dir: /data/audit
graph:
  - id: say
    block: test.echo
    in:
      msg: ${vars.dir}/report.csv
`)
	runner := NewRunner(NewExecutor(pipelineRegistry(), WithLogger(quietLogger())),
		WithRunnerLogger(quietLogger()))

	result, err := runner.Run(context.Background(), plan, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "/data/audit/report.csv", result.NodeOutputs["say"]["echo"])
}

func TestRunVarsOverride(t *testing.T) {
	plan := mustParsePlan(t, `
id: override
vars:
  dir: /default
graph:
  - id: say
    block: test.echo
    in:
      msg: ${vars.dir}
`)
	runner := NewRunner(NewExecutor(pipelineRegistry(), WithLogger(quietLogger())),
		WithRunnerLogger(quietLogger()))

	result, err := runner.Run(context.Background(), plan, RunOptions{
		Vars: map[string]any{"dir": "/override"},
	})
	require.NoError(t, err)
	assert.Equal(t, "/override", result.NodeOutputs["say"]["echo"])
}

func TestRunFullMatchRefKeepsType(t *testing.T) {
	r := pipelineRegistry()
	r.MustRegister(&testBlock{
		id: "test.rows", version: "1.0.0",
		run: func(*block.Context, map[string]any) (map[string]any, error) {
			return map[string]any{"rows": []any{
				map[string]any{"amount": 100.0},
				map[string]any{"amount": 200.0},
			}}, nil
		},
	})
	var captured any
	r.MustRegister(&testBlock{
		id: "test.capture", version: "1.0.0",
		run: func(_ *block.Context, inputs map[string]any) (map[string]any, error) {
			captured = inputs["rows"]
			return map[string]any{}, nil
		},
	})
	plan := mustParsePlan(t, `
id: typed
graph:
  - id: read
    block: test.rows
  - id: sink
    block: test.capture
    in:
      rows: ${read.rows}
`)
	runner := NewRunner(NewExecutor(r, WithLogger(quietLogger())),
		WithRunnerLogger(quietLogger()))

	_, err := runner.Run(context.Background(), plan, RunOptions{})
	require.NoError(t, err)
	rows, ok := captured.([]any)
	require.True(t, ok, "a full-match reference passes the value through untouched")
	assert.Len(t, rows, 2)
}

func TestRunMissingOutputReference(t *testing.T) {
	r := pipelineRegistry()
	r.MustRegister(&testBlock{
		id: "test.empty", version: "1.0.0",
		run: func(*block.Context, map[string]any) (map[string]any, error) {
			return map[string]any{}, nil
		},
	})
	plan := mustParsePlan(t, `
id: broken
graph:
  - id: gen
    block: test.empty
  - id: double
    block: test.double
    in:
      value: ${gen.value}
`)
	runner := NewRunner(NewExecutor(r, WithLogger(quietLogger())),
		WithRunnerLogger(quietLogger()))

	result, err := runner.Run(context.Background(), plan, RunOptions{})
	require.Error(t, err)
	assert.Equal(t, blockerr.CodeDependencyNotFound, blockerr.CodeOf(err))
	assert.Contains(t, err.Error(), "no output")
	assert.Equal(t, RunStatusError, result.Status)
	assert.Equal(t, "double", result.FailedNode)
	assert.Equal(t, RunStatusSuccess, result.NodeStatus["gen"])
	assert.Equal(t, RunStatusError, result.NodeStatus["double"])
}

func TestRunStopsAfterFailedNode(t *testing.T) {
	executed := []string{}
	r := block.NewRegistry()
	r.MustRegister(&testBlock{
		id: "test.first", version: "1.0.0",
		run: func(*block.Context, map[string]any) (map[string]any, error) {
			executed = append(executed, "first")
			return nil, blockerr.New(blockerr.CodeBlockExecutionFailed, "first broke")
		},
	})
	r.MustRegister(&testBlock{
		id: "test.second", version: "1.0.0",
		run: func(*block.Context, map[string]any) (map[string]any, error) {
			executed = append(executed, "second")
			return map[string]any{}, nil
		},
	})
	plan := mustParsePlan(t, `
id: halting
graph:
  - id: a
    block: test.first
  - id: b
    block: test.second
`)
	runner := NewRunner(NewExecutor(r, WithLogger(quietLogger())),
		WithRunnerLogger(quietLogger()))

	result, err := runner.Run(context.Background(), plan, RunOptions{})
	require.Error(t, err)
	assert.Equal(t, []string{"first"}, executed)
	assert.Equal(t, "a", result.FailedNode)
	_, ran := result.NodeStatus["b"]
	assert.False(t, ran, "downstream nodes do not run after a failure")
}

func TestRunRecordsLedger(t *testing.T) {
	plan := mustParsePlan(t, `
id: ledgered
version: "1.1.0"
graph:
  - id: gen
    block: test.gen
  - id: double
    block: test.double
    in:
      value: ${gen.value}
`)
	ledger := &fakeLedger{}
	runner := NewRunner(NewExecutor(pipelineRegistry(), WithLogger(quietLogger())),
		WithRunRecorder(ledger), WithRunnerLogger(quietLogger()))

	_, err := runner.Run(context.Background(), plan, RunOptions{RunID: "run-led"})
	require.NoError(t, err)

	require.Len(t, ledger.starts, 1)
	start := ledger.starts[0]
	assert.Equal(t, "run-led", start.RunID)
	assert.Equal(t, "ledgered", start.PlanID)
	assert.Equal(t, "1.1.0", start.PlanVersion)
	assert.Equal(t, RunStatusRunning, start.Status)
	assert.Equal(t, 2, start.BlocksTotal)

	require.Len(t, ledger.finishes, 1)
	fin := ledger.finishes[0]
	assert.Equal(t, RunStatusSuccess, fin.Status)
	assert.Equal(t, 2, fin.BlocksOK)
	assert.Zero(t, fin.BlocksFailed)
	assert.Empty(t, fin.Error)
	assert.False(t, fin.FinishedAt.IsZero())
}

func TestRunRecordsLedgerOnFailure(t *testing.T) {
	r := pipelineRegistry()
	r.MustRegister(&testBlock{
		id: "test.boom", version: "1.0.0",
		run: func(*block.Context, map[string]any) (map[string]any, error) {
			return nil, blockerr.New(blockerr.CodeExternalAPIError, "upstream down")
		},
	})
	plan := mustParsePlan(t, `
id: ledgered-fail
graph:
  - id: gen
    block: test.gen
  - id: call
    block: test.boom
`)
	ledger := &fakeLedger{}
	runner := NewRunner(NewExecutor(r, WithLogger(quietLogger())),
		WithRunRecorder(ledger), WithRunnerLogger(quietLogger()))

	_, err := runner.Run(context.Background(), plan, RunOptions{})
	require.Error(t, err)

	require.Len(t, ledger.finishes, 1)
	fin := ledger.finishes[0]
	assert.Equal(t, RunStatusError, fin.Status)
	assert.Equal(t, 1, fin.BlocksOK)
	assert.Equal(t, 1, fin.BlocksFailed)
	assert.Contains(t, fin.Error, "upstream down")
}

func TestRunDryRunIsLenient(t *testing.T) {
	r := block.NewRegistry()
	r.MustRegister(&testBlock{
		id: "test.loader", version: "1.0.0",
		run: func(*block.Context, map[string]any) (map[string]any, error) {
			t.Fatal("Run must not be called in dry-run mode")
			return nil, nil
		},
	})
	var captured map[string]any
	r.MustRegister(&dryTestBlock{
		testBlock: testBlock{id: "test.sink", version: "1.0.0"},
		dry: func(_ *block.Context, inputs map[string]any) (map[string]any, error) {
			captured = inputs
			return map[string]any{"checked": true}, nil
		},
	})
	plan := mustParsePlan(t, `
id: dry
graph:
  - id: load
    block: test.loader
  - id: sink
    block: test.sink
    in:
      rows: ${load.rows}
`)
	runner := NewRunner(NewExecutor(r, WithLogger(quietLogger())),
		WithRunnerLogger(quietLogger()))

	result, err := runner.Run(context.Background(), plan, RunOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, RunStatusSuccess, result.Status)
	require.NotNil(t, captured)
	assert.Nil(t, captured["rows"], "skipped upstream outputs resolve to nil in dry-run")
	assert.Equal(t, true, result.NodeOutputs["sink"]["checked"])
}

func TestRunGeneratesRunID(t *testing.T) {
	plan := mustParsePlan(t, `
id: anon
graph:
  - id: gen
    block: test.gen
`)
	runner := NewRunner(NewExecutor(pipelineRegistry(), WithLogger(quietLogger())),
		WithRunnerLogger(quietLogger()))

	result, err := runner.Run(context.Background(), plan, RunOptions{})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(result.RunID, "run_"), result.RunID)
	assert.Len(t, result.RunID, 12)
}

func TestRunAuditTrailSpansNodes(t *testing.T) {
	plan := mustParsePlan(t, `
id: audited
graph:
  - id: gen
    block: test.gen
  - id: double
    block: test.double
    in:
      value: ${gen.value}
`)
	v := newTestVault(t)
	runner := NewRunner(
		NewExecutor(pipelineRegistry(), WithVault(v), WithLogger(quietLogger())),
		WithRunnerLogger(quietLogger()))

	result, err := runner.Run(context.Background(), plan, RunOptions{RunID: "run-chain"})
	require.NoError(t, err)
	assert.Equal(t, RunStatusSuccess, result.Status)

	entries, err := v.AuditEntries("run-chain")
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, "test.gen", entries[0].BlockID)
	assert.Equal(t, "test.double", entries[2].BlockID)

	report, err := v.VerifyAuditTrail("run-chain")
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 4, report.Entries)
}