// Package runledger persists run history: one row per plan run with
// its status and block counts. Backends share the engine.RunRecorder
// contract; recording failures never fail the run that caused them.
package runledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/keiri-labs/keiri-engine/pkg/engine"
)

// ErrNotFound reports an unknown run id.
var ErrNotFound = errors.New("runledger: run not found")

// Recorder extends the engine contract with history queries.
type Recorder interface {
	engine.RunRecorder
	Get(ctx context.Context, runID string) (engine.RunRecord, error)
	List(ctx context.Context, limit int) ([]engine.RunRecord, error)
}

// Open resolves a backend from a DSN: "" or "memory" for in-process,
// "sqlite:<path>" for embedded SQLite, a postgres:// URL for shared
// history. SQL backends are initialized before being returned.
func Open(ctx context.Context, dsn string) (Recorder, error) {
	switch {
	case dsn == "" || dsn == "memory":
		return NewMemory(), nil
	case strings.HasPrefix(dsn, "sqlite:"):
		return OpenSQLite(ctx, strings.TrimPrefix(dsn, "sqlite:"))
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("runledger: unrecognized DSN %q", dsn)
	}
}

// Memory keeps run history in process, mainly for tests and the CLI
// default when no ledger is configured.
type Memory struct {
	mu   sync.RWMutex
	runs map[string]engine.RunRecord
}

func NewMemory() *Memory {
	return &Memory{runs: make(map[string]engine.RunRecord)}
}

func (m *Memory) RecordStart(_ context.Context, rec engine.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[rec.RunID]; exists {
		return fmt.Errorf("runledger: run %s already recorded", rec.RunID)
	}
	m.runs[rec.RunID] = rec
	return nil
}

func (m *Memory) RecordFinish(_ context.Context, rec engine.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[rec.RunID]; !exists {
		return fmt.Errorf("runledger: finish for unknown run %s", rec.RunID)
	}
	m.runs[rec.RunID] = rec
	return nil
}

func (m *Memory) Get(_ context.Context, runID string) (engine.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.runs[runID]
	if !ok {
		return engine.RunRecord{}, ErrNotFound
	}
	return rec, nil
}

// List returns runs newest first, capped at limit when positive.
func (m *Memory) List(_ context.Context, limit int) ([]engine.RunRecord, error) {
	m.mu.RLock()
	out := make([]engine.RunRecord, 0, len(m.runs))
	for _, rec := range m.runs {
		out = append(out, rec)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RunID > out[j].RunID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
