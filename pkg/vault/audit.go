package vault

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keiri-labs/keiri-engine/pkg/canonical"
)

// EventType categorizes audit trail entries.
type EventType string

const (
	EventBlockStart       EventType = "block_start"
	EventBlockEnd         EventType = "block_end"
	EventDataTransform    EventType = "data_transform"
	EventControlCheck     EventType = "control_check"
	EventPolicyValidation EventType = "policy_validation"
	EventEvidenceStore    EventType = "evidence_store"
	EventEvidenceRetrieve EventType = "evidence_retrieve"
)

// ExecutionStatus records how the logged operation ended.
type ExecutionStatus string

const (
	StatusStarted   ExecutionStatus = "started"
	StatusSuccess   ExecutionStatus = "success"
	StatusError     ExecutionStatus = "error"
	StatusWarning   ExecutionStatus = "warning"
	StatusCancelled ExecutionStatus = "cancelled"
)

// genesisHead seeds the per-run hash chain before any entry exists.
const genesisHead = "genesis"

// AuditEntry is one line of a run's append-only trail. Signature is
// the HMAC-SHA-256 over the canonical serialization of every other
// field; PreviousEntryHash carries the signature of the entry written
// immediately before it, chaining the trail per run.
type AuditEntry struct {
	EntryID   string    `json:"entry_id"`
	Timestamp time.Time `json:"timestamp"`
	EventType EventType `json:"event_type"`
	BlockID   string    `json:"block_id"`
	RunID     string    `json:"run_id"`
	UserID    string    `json:"user_id,omitempty"`

	Inputs          map[string]any  `json:"inputs"`
	Outputs         map[string]any  `json:"outputs"`
	ExecutionTimeMS float64         `json:"execution_time_ms"`
	Status          ExecutionStatus `json:"status"`
	ErrorDetails    map[string]any  `json:"error_details,omitempty"`

	Signature         string `json:"signature,omitempty"`
	PreviousEntryHash string `json:"previous_entry_hash,omitempty"`

	SessionID string `json:"session_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// NewAuditEntry builds an entry with a fresh id and the given
// timestamp. Inputs and Outputs start empty, never nil.
func NewAuditEntry(event EventType, runID, blockID string, status ExecutionStatus, now time.Time) *AuditEntry {
	return &AuditEntry{
		EntryID:   uuid.New().String(),
		Timestamp: now,
		EventType: event,
		BlockID:   blockID,
		RunID:     runID,
		Status:    status,
		Inputs:    map[string]any{},
		Outputs:   map[string]any{},
	}
}

// signingBytes returns the canonical serialization of e with the
// signature field cleared. PreviousEntryHash stays in, so the chain
// link is covered by the signature.
func (e *AuditEntry) signingBytes() ([]byte, error) {
	unsigned := *e
	unsigned.Signature = ""
	return canonical.Marshal(&unsigned)
}

// auditLog appends signed, chained entries to per-run JSONL files.
type auditLog struct {
	dir    string
	cipher *Cipher

	mu    sync.Mutex
	heads map[string]string
}

func newAuditLog(dir string, c *Cipher) *auditLog {
	return &auditLog{dir: dir, cipher: c, heads: map[string]string{}}
}

func (l *auditLog) path(runID string) string {
	return filepath.Join(l.dir, runID+"_audit.jsonl")
}

// append signs the entry, links it to the run's chain head, and writes
// one line. Appends are serialized; the chain head survives process
// restarts by re-reading the file tail.
func (l *auditLog) append(e *AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	head, err := l.headLocked(e.RunID)
	if err != nil {
		return err
	}
	e.PreviousEntryHash = head

	unsigned, err := e.signingBytes()
	if err != nil {
		return fmt.Errorf("audit: serialize entry: %w", err)
	}
	e.Signature = l.cipher.Sign(unsigned)

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	f, err := os.OpenFile(l.path(e.RunID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("audit: open trail: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write trail: %w", err)
	}
	l.heads[e.RunID] = e.Signature
	return nil
}

// headLocked returns the signature of the run's last entry, seeding
// from the trail file when this process has not written to it yet.
func (l *auditLog) headLocked(runID string) (string, error) {
	if head, ok := l.heads[runID]; ok {
		return head, nil
	}
	entries, err := l.read(runID)
	if err != nil {
		return "", err
	}
	head := genesisHead
	if len(entries) > 0 {
		head = entries[len(entries)-1].Signature
	}
	l.heads[runID] = head
	return head, nil
}

// read loads all entries of a run's trail. A missing file is an empty
// trail, not an error. Unparseable lines abort: a trail that cannot be
// decoded cannot be trusted.
func (l *auditLog) read(runID string) ([]AuditEntry, error) {
	f, err := os.Open(l.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open trail: %w", err)
	}
	defer f.Close()

	var entries []AuditEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("audit: malformed trail line %d: %w", len(entries)+1, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: read trail: %w", err)
	}
	return entries, nil
}

// ChainFailure describes one verification defect.
type ChainFailure struct {
	Index   int    `json:"index"`
	EntryID string `json:"entry_id"`
	Reason  string `json:"reason"`
}

// ChainReport is the outcome of verifying one run's trail.
type ChainReport struct {
	RunID     string         `json:"run_id"`
	Entries   int            `json:"entries"`
	Valid     bool           `json:"valid"`
	Failures  []ChainFailure `json:"failures,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// verify recomputes every entry's HMAC and walks the chain of
// previous_entry_hash links. Both a forged entry and a removed or
// reordered one surface as failures.
func (l *auditLog) verify(runID string, now time.Time) (*ChainReport, error) {
	entries, err := l.read(runID)
	if err != nil {
		return nil, err
	}

	report := &ChainReport{RunID: runID, Entries: len(entries), Valid: true, CheckedAt: now}
	expectedPrev := genesisHead
	for i := range entries {
		e := &entries[i]

		unsigned, err := e.signingBytes()
		if err != nil {
			report.Failures = append(report.Failures, ChainFailure{
				Index: i, EntryID: e.EntryID, Reason: fmt.Sprintf("serialize: %v", err),
			})
			expectedPrev = e.Signature
			continue
		}
		if !l.cipher.Verify(unsigned, e.Signature) {
			report.Failures = append(report.Failures, ChainFailure{
				Index: i, EntryID: e.EntryID, Reason: "signature mismatch",
			})
		}
		if e.PreviousEntryHash != expectedPrev {
			report.Failures = append(report.Failures, ChainFailure{
				Index: i, EntryID: e.EntryID,
				Reason: fmt.Sprintf("chain broken: previous_entry_hash %q, want %q", e.PreviousEntryHash, expectedPrev),
			})
		}
		expectedPrev = e.Signature
	}
	report.Valid = len(report.Failures) == 0
	return report, nil
}
