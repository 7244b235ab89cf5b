package runledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // embedded sqlite driver

	"github.com/keiri-labs/keiri-engine/pkg/engine"
)

// SQLRecorder stores run history through database/sql. The statements
// use $1-style placeholders, which both Postgres and SQLite accept, so
// one implementation serves both drivers.
type SQLRecorder struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id        TEXT PRIMARY KEY,
	plan_id       TEXT NOT NULL,
	plan_version  TEXT,
	status        TEXT NOT NULL,
	started_at    TIMESTAMP NOT NULL,
	finished_at   TIMESTAMP,
	blocks_total  INTEGER NOT NULL DEFAULT 0,
	blocks_ok     INTEGER NOT NULL DEFAULT 0,
	blocks_failed INTEGER NOT NULL DEFAULT 0,
	error         TEXT
);
`

// NewSQLRecorder wraps an open handle. Callers own the handle's
// lifecycle; Init must run once before recording.
func NewSQLRecorder(db *sql.DB) *SQLRecorder {
	return &SQLRecorder{db: db}
}

func (s *SQLRecorder) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("runledger: init schema: %w", err)
	}
	return nil
}

// OpenSQLite opens (creating if needed) an embedded SQLite ledger.
func OpenSQLite(ctx context.Context, path string) (*SQLRecorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("runledger: open sqlite %s: %w", path, err)
	}
	rec := NewSQLRecorder(db)
	if err := rec.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return rec, nil
}

// OpenPostgres opens a shared Postgres ledger. The lib/pq driver is
// blank-imported by the binary.
func OpenPostgres(ctx context.Context, dsn string) (*SQLRecorder, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("runledger: open postgres: %w", err)
	}
	rec := NewSQLRecorder(db)
	if err := rec.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return rec, nil
}

func (s *SQLRecorder) RecordStart(ctx context.Context, rec engine.RunRecord) error {
	query := `
		INSERT INTO runs (run_id, plan_id, plan_version, status, started_at, blocks_total)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.RunID, rec.PlanID, rec.PlanVersion, rec.Status, rec.StartedAt, rec.BlocksTotal,
	)
	if err != nil {
		return fmt.Errorf("runledger: record start %s: %w", rec.RunID, err)
	}
	return nil
}

func (s *SQLRecorder) RecordFinish(ctx context.Context, rec engine.RunRecord) error {
	query := `
		UPDATE runs
		SET status = $1, finished_at = $2, blocks_total = $3, blocks_ok = $4,
		    blocks_failed = $5, error = $6
		WHERE run_id = $7
	`
	res, err := s.db.ExecContext(ctx, query,
		rec.Status, rec.FinishedAt, rec.BlocksTotal, rec.BlocksOK,
		rec.BlocksFailed, nullable(rec.Error), rec.RunID,
	)
	if err != nil {
		return fmt.Errorf("runledger: record finish %s: %w", rec.RunID, err)
	}
	rows, err := res.RowsAffected()
	if err == nil && rows == 0 {
		return fmt.Errorf("runledger: finish for unknown run %s", rec.RunID)
	}
	return nil
}

const selectColumns = `run_id, plan_id, plan_version, status, started_at, finished_at,
	blocks_total, blocks_ok, blocks_failed, error`

func (s *SQLRecorder) Get(ctx context.Context, runID string) (engine.RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM runs WHERE run_id = $1`, runID)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.RunRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *SQLRecorder) List(ctx context.Context, limit int) ([]engine.RunRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM runs ORDER BY started_at DESC, run_id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("runledger: list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]engine.RunRecord, 0)
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (engine.RunRecord, error) {
	var rec engine.RunRecord
	var planVersion, errText sql.NullString
	var finishedAt sql.NullTime
	err := row.Scan(&rec.RunID, &rec.PlanID, &planVersion, &rec.Status,
		&rec.StartedAt, &finishedAt, &rec.BlocksTotal, &rec.BlocksOK,
		&rec.BlocksFailed, &errText)
	if err != nil {
		return engine.RunRecord{}, err
	}
	rec.PlanVersion = planVersion.String
	rec.Error = errText.String
	if finishedAt.Valid {
		rec.FinishedAt = finishedAt.Time
	} else {
		rec.FinishedAt = time.Time{}
	}
	return rec, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
