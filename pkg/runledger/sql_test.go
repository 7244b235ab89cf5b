package runledger

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keiri-labs/keiri-engine/pkg/engine"
)

func TestSQLRecordStartStatement(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	start := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO runs").
		WithArgs("run_9", "quarterly_audit", "2.0.0", engine.RunStatusRunning, start, 7).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := NewSQLRecorder(db)
	err = rec.RecordStart(context.Background(), engine.RunRecord{
		RunID:       "run_9",
		PlanID:      "quarterly_audit",
		PlanVersion: "2.0.0",
		Status:      engine.RunStatusRunning,
		StartedAt:   start,
		BlocksTotal: 7,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRecordFinishUpdatesRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	finished := time.Date(2026, 4, 1, 8, 5, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE runs").
		WithArgs(engine.RunStatusSuccess, finished, 7, 7, 0, nil, "run_9").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := NewSQLRecorder(db)
	err = rec.RecordFinish(context.Background(), engine.RunRecord{
		RunID:       "run_9",
		Status:      engine.RunStatusSuccess,
		FinishedAt:  finished,
		BlocksTotal: 7,
		BlocksOK:    7,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRecordFinishUnknownRunErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE runs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	rec := NewSQLRecorder(db)
	err = rec.RecordFinish(context.Background(), engine.RunRecord{
		RunID:  "ghost",
		Status: engine.RunStatusError,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown run")
}

func TestSQLListScansRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	started := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"run_id", "plan_id", "plan_version", "status", "started_at",
		"finished_at", "blocks_total", "blocks_ok", "blocks_failed", "error",
	}).
		AddRow("run_b", "close", "1.0.0", "success", started.Add(time.Hour), started.Add(2*time.Hour), 3, 3, 0, nil).
		AddRow("run_a", "close", "1.0.0", "error", started, started.Add(time.Minute), 3, 1, 1, "boom")

	mock.ExpectQuery(`(?s)SELECT (.+) FROM runs ORDER BY started_at DESC`).
		WithArgs(5).
		WillReturnRows(rows)

	rec := NewSQLRecorder(db)
	out, err := rec.List(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "run_b", out[0].RunID)
	assert.Equal(t, "", out[0].Error)
	assert.Equal(t, "boom", out[1].Error)
	assert.NoError(t, mock.ExpectationsWereMet())
}
