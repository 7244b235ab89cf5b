package runledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keiri-labs/keiri-engine/pkg/engine"
)

func sampleRun(id string, started time.Time) engine.RunRecord {
	return engine.RunRecord{
		RunID:       id,
		PlanID:      "monthly_close",
		PlanVersion: "1.2.0",
		Status:      engine.RunStatusRunning,
		StartedAt:   started,
		BlocksTotal: 4,
	}
}

func TestMemoryLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	rec := sampleRun("run_1", start)
	require.NoError(t, m.RecordStart(ctx, rec))
	require.Error(t, m.RecordStart(ctx, rec), "duplicate start rejected")

	rec.Status = engine.RunStatusSuccess
	rec.FinishedAt = start.Add(time.Minute)
	rec.BlocksOK = 4
	require.NoError(t, m.RecordFinish(ctx, rec))

	got, err := m.Get(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusSuccess, got.Status)
	assert.Equal(t, 4, got.BlocksOK)

	_, err = m.Get(ctx, "run_2")
	assert.ErrorIs(t, err, ErrNotFound)

	require.Error(t, m.RecordFinish(ctx, sampleRun("run_2", start)),
		"finish without start rejected")
}

func TestMemoryListNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"run_a", "run_b", "run_c"} {
		require.NoError(t, m.RecordStart(ctx, sampleRun(id, base.Add(time.Duration(i)*time.Hour))))
	}

	runs, err := m.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "run_c", runs[0].RunID)
	assert.Equal(t, "run_a", runs[2].RunID)

	capped, err := m.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, capped, 2)
}

func TestOpenDispatch(t *testing.T) {
	ctx := context.Background()

	rec, err := Open(ctx, "")
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, rec)

	rec, err = Open(ctx, "memory")
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, rec)

	_, err = Open(ctx, "mysql://nope")
	require.Error(t, err)
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.db")
	rec, err := Open(ctx, "sqlite:"+path)
	require.NoError(t, err)

	start := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	row := sampleRun("run_sql", start)
	require.NoError(t, rec.RecordStart(ctx, row))

	row.Status = engine.RunStatusError
	row.FinishedAt = start.Add(30 * time.Second)
	row.BlocksOK = 2
	row.BlocksFailed = 1
	row.Error = "node approve: BLOCK_EXECUTION_FAILED"
	require.NoError(t, rec.RecordFinish(ctx, row))

	got, err := rec.Get(ctx, "run_sql")
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusError, got.Status)
	assert.Equal(t, "monthly_close", got.PlanID)
	assert.Equal(t, 1, got.BlocksFailed)
	assert.Contains(t, got.Error, "BLOCK_EXECUTION_FAILED")

	_, err = rec.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, rec.RecordStart(ctx, sampleRun("run_sql2", start.Add(time.Hour))))
	runs, err := rec.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run_sql2", runs[0].RunID)
}

func TestSQLFinishUnknownRun(t *testing.T) {
	ctx := context.Background()
	rec, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)

	row := sampleRun("ghost", time.Now().UTC())
	row.Status = engine.RunStatusSuccess
	err = rec.RecordFinish(ctx, row)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown run")
}
