// Package vault implements the Evidence Vault: encrypted
// content-addressed storage for workflow evidence with a metadata
// index, an HMAC-signed append-only audit trail chained per run, data
// lineage reconstruction, and integrity verification.
package vault

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
	"github.com/keiri-labs/keiri-engine/pkg/canonical"
)

// ErrTampered marks a retrieval whose decrypted content no longer
// hashes to the value recorded at store time.
var ErrTampered = errors.New("evidence content does not match its recorded hash")

// indexVersion is written into new vault_index.json files.
const indexVersion = "1.0.0"

var vaultDirs = []string{
	"evidence/raw",
	"evidence/processed",
	"evidence/outputs",
	"evidence/metadata",
	"audit_trail",
	"signatures",
	"lineage",
	"statistics",
	"backups",
	"temp",
}

// Vault is the durable, tamper-evident evidence store. It is safe for
// concurrent use across distinct evidence ids; writes are staged under
// temp/ and renamed into place.
type Vault struct {
	root   string
	cipher *Cipher
	audit  *auditLog
	log    *slog.Logger
	clock  func() time.Time

	indexMu sync.Mutex
}

// Option adjusts vault construction.
type Option func(*openConfig)

type openConfig struct {
	salt   string
	logger *slog.Logger
	clock  func() time.Time
}

// WithKeySalt overrides the key-derivation salt.
func WithKeySalt(salt string) Option {
	return func(c *openConfig) { c.salt = salt }
}

// WithLogger overrides the vault logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *openConfig) { c.logger = l }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(c *openConfig) { c.clock = clock }
}

// Open creates or reopens a vault rooted at root. The passphrase
// derives the encryption and signing key; an empty passphrase uses a
// random per-process key, which makes previously stored evidence
// unreadable after restart.
func Open(root, passphrase string, opts ...Option) (*Vault, error) {
	cfg := openConfig{salt: DefaultKeySalt, clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default().With("component", "vault")
	}

	cipher, err := NewCipher(passphrase, WithSalt(cfg.salt))
	if err != nil {
		return nil, err
	}

	v := &Vault{
		root:   root,
		cipher: cipher,
		audit:  newAuditLog(filepath.Join(root, "audit_trail"), cipher),
		log:    cfg.logger,
		clock:  cfg.clock,
	}
	if err := v.ensureStructure(); err != nil {
		return nil, err
	}
	if err := v.initIndex(); err != nil {
		return nil, err
	}
	v.log.Info("vault opened", "root", root, "key_id", cipher.KeyID())
	return v, nil
}

// Root returns the vault root directory.
func (v *Vault) Root() string { return v.root }

// KeyID identifies the active encryption key for diagnostics.
func (v *Vault) KeyID() string { return v.cipher.KeyID() }

func (v *Vault) ensureStructure() error {
	for _, dir := range vaultDirs {
		if err := os.MkdirAll(filepath.Join(v.root, dir), 0o755); err != nil {
			return fmt.Errorf("vault: create %s: %w", dir, err)
		}
	}
	return nil
}

// vaultIndex is the mutable counter file at the vault root.
type vaultIndex struct {
	CreatedAt         time.Time       `json:"created_at"`
	Version           string          `json:"version"`
	EvidenceCount     int             `json:"evidence_count"`
	LastEvidenceID    string          `json:"last_evidence_id"`
	LastUpdated       time.Time       `json:"last_updated"`
	EncryptionEnabled bool            `json:"encryption_enabled"`
	Statistics        indexStatistics `json:"statistics"`
}

type indexStatistics struct {
	TotalSizeBytes int64          `json:"total_size_bytes"`
	EvidenceByType map[string]int `json:"evidence_by_type"`
}

func (v *Vault) indexPath() string { return filepath.Join(v.root, "vault_index.json") }

func (v *Vault) initIndex() error {
	if _, err := os.Stat(v.indexPath()); err == nil {
		return nil
	}
	now := v.clock()
	idx := vaultIndex{
		CreatedAt:         now,
		Version:           indexVersion,
		LastUpdated:       now,
		EncryptionEnabled: true,
		Statistics:        indexStatistics{EvidenceByType: map[string]int{}},
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: marshal index: %w", err)
	}
	return v.writeFileAtomic("vault_index.json", data)
}

// Store serializes, hashes, encrypts, and persists a payload under the
// path in meta. Mappings and structs become canonical JSON, strings
// become UTF-8 bytes, raw bytes pass through. The plaintext hash and
// size land in meta before encryption. Returns the evidence id.
func (v *Vault) Store(payload any, meta *Metadata) (string, error) {
	if meta == nil {
		return "", blockerr.New(blockerr.CodeInputRequiredMissing, "evidence metadata is required")
	}
	if meta.Timestamp.IsZero() {
		meta.Timestamp = v.clock()
	}
	if meta.RetentionUntil.IsZero() {
		meta.RetentionUntil = meta.Timestamp.AddDate(0, 0, DefaultRetentionDays)
	}
	meta.CanonicalizeTags()
	if err := meta.Validate(); err != nil {
		return "", err
	}

	plaintext, err := serializePayload(payload)
	if err != nil {
		return "", err
	}
	meta.FileHash = HashSHA256(plaintext)
	meta.FileSize = int64(len(plaintext))
	meta.EncryptionKeyID = v.cipher.KeyID()

	encrypted, err := v.cipher.Encrypt(plaintext)
	if err != nil {
		return "", blockerr.Wrap(err, blockerr.CodeBlockExecutionFailed, "evidence encryption failed")
	}
	if err := v.writeFileAtomic(meta.FilePath, encrypted); err != nil {
		return "", blockerr.Wrap(err, blockerr.CodeBlockExecutionFailed,
			fmt.Sprintf("evidence write failed for %s", meta.EvidenceID))
	}
	if err := v.writeMetadata(meta); err != nil {
		return "", blockerr.Wrap(err, blockerr.CodeBlockExecutionFailed,
			fmt.Sprintf("metadata write failed for %s", meta.EvidenceID))
	}

	if err := v.updateIndex(meta); err != nil {
		v.log.Warn("vault index update failed", "evidence_id", meta.EvidenceID, "error", err)
	}
	v.logEvidenceOperation("store", meta)

	v.log.Info("evidence stored", "evidence_id", meta.EvidenceID, "run_id", meta.RunID, "size", meta.FileSize)
	return meta.EvidenceID, nil
}

// Retrieve loads, decrypts, and decodes one evidence item. With verify
// set, the plaintext is re-hashed and compared against the stored
// hash; a mismatch fails with ErrTampered in the chain.
func (v *Vault) Retrieve(evidenceID string, verify bool) (any, *Metadata, error) {
	meta, err := v.loadMetadata(evidenceID)
	if err != nil {
		return nil, nil, err
	}

	encrypted, err := os.ReadFile(filepath.Join(v.root, meta.FilePath))
	if err != nil {
		return nil, nil, blockerr.Wrap(err, blockerr.CodeBlockExecutionFailed,
			fmt.Sprintf("evidence file missing for %s", evidenceID))
	}
	plaintext, err := v.cipher.Decrypt(encrypted)
	if err != nil {
		// GCM authentication failure is itself tamper evidence.
		return nil, nil, blockerr.Wrap(fmt.Errorf("%w: %w", ErrTampered, err),
			blockerr.CodeBlockExecutionFailed,
			fmt.Sprintf("tamper detected for evidence %s", evidenceID)).
			WithDetail("evidence_id", evidenceID)
	}

	if verify {
		current := HashSHA256(plaintext)
		if current != meta.FileHash {
			return nil, nil, blockerr.Wrap(ErrTampered, blockerr.CodeBlockExecutionFailed,
				fmt.Sprintf("tamper detected for evidence %s", evidenceID)).
				WithDetail("evidence_id", evidenceID).
				WithDetail("expected_hash", meta.FileHash).
				WithDetail("actual_hash", current)
		}
	}

	v.logEvidenceOperation("retrieve", meta)
	v.log.Info("evidence retrieved", "evidence_id", evidenceID)
	return decodePayload(plaintext), meta, nil
}

// Search scans the metadata directory, scores matches, and returns at
// most limit results ordered by relevance. Unreadable metadata files
// are skipped with a warning.
func (v *Vault) Search(criteria SearchCriteria, limit int) ([]SearchResult, error) {
	files, err := v.metadataFiles(nil)
	if err != nil {
		return nil, err
	}

	now := v.clock()
	results := make([]SearchResult, 0, len(files))
	for _, path := range files {
		meta, err := v.loadMetadataFile(path)
		if err != nil {
			v.log.Warn("skipping unreadable metadata", "path", path, "error", err)
			continue
		}
		if !criteria.matches(meta) {
			continue
		}
		results = append(results, SearchResult{
			EvidenceID:     meta.EvidenceID,
			EvidenceType:   meta.EvidenceType,
			BlockID:        meta.BlockID,
			RunID:          meta.RunID,
			Timestamp:      meta.Timestamp,
			FilePath:       meta.FilePath,
			Tags:           meta.Tags,
			RelevanceScore: criteria.relevance(meta, now),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].RelevanceScore > results[j].RelevanceScore
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Log signs and appends one audit entry to the owning run's trail.
func (v *Vault) Log(entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = v.clock()
	}
	return v.audit.append(entry)
}

// VerifyAuditTrail recomputes every signature and chain link of a
// run's trail.
func (v *Vault) VerifyAuditTrail(runID string) (*ChainReport, error) {
	return v.audit.verify(runID, v.clock())
}

// AuditEntries returns a run's trail in file order.
func (v *Vault) AuditEntries(runID string) ([]AuditEntry, error) {
	return v.audit.read(runID)
}

// BuildLineage materializes the lineage graph of a run from its audit
// trail: one transform node per data_transform entry, consecutive
// nodes linked parent to child. The graph is persisted under lineage/.
func (v *Vault) BuildLineage(runID string) (*Lineage, error) {
	entries, err := v.audit.read(runID)
	if err != nil {
		return nil, blockerr.Wrap(err, blockerr.CodeBlockExecutionFailed, "lineage build failed")
	}

	lineage := &Lineage{
		RunID:       runID,
		Nodes:       []LineageNode{},
		Edges:       []LineageEdge{},
		GeneratedAt: v.clock(),
	}
	for _, e := range entries {
		if e.EventType != EventDataTransform {
			continue
		}
		hash, err := canonical.Hash(e.Outputs)
		if err != nil {
			v.log.Warn("skipping lineage entry with unhashable outputs", "entry_id", e.EntryID, "error", err)
			continue
		}
		node := LineageNode{
			NodeID:      fmt.Sprintf("%s_%s", e.BlockID, e.Timestamp.UTC().Format(time.RFC3339Nano)),
			NodeType:    "transform",
			BlockID:     e.BlockID,
			DataHash:    hash,
			ParentNodes: []string{},
			ChildNodes:  []string{},
			CreatedAt:   e.Timestamp,
		}
		if n := len(lineage.Nodes); n > 0 {
			prev := &lineage.Nodes[n-1]
			node.ParentNodes = append(node.ParentNodes, prev.NodeID)
			prev.ChildNodes = append(prev.ChildNodes, node.NodeID)
			lineage.Edges = append(lineage.Edges, LineageEdge{From: prev.NodeID, To: node.NodeID})
		}
		lineage.Nodes = append(lineage.Nodes, node)
	}

	data, err := json.MarshalIndent(lineage, "", "  ")
	if err != nil {
		return nil, blockerr.Wrap(err, blockerr.CodeBlockExecutionFailed, "lineage marshal failed")
	}
	if err := v.writeFileAtomic(filepath.Join("lineage", runID+"_lineage.json"), data); err != nil {
		return nil, blockerr.Wrap(err, blockerr.CodeBlockExecutionFailed, "lineage write failed")
	}

	v.log.Info("lineage built", "run_id", runID, "nodes", len(lineage.Nodes))
	return lineage, nil
}

// Statistics folds the metadata directory into totals, optionally
// restricted to evidence created within [start, end]. Zero times mean
// unbounded.
func (v *Vault) Statistics(start, end time.Time) (*Statistics, error) {
	files, err := v.metadataFiles(nil)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		EvidenceByType: map[string]int{},
		StatisticsDate: v.clock(),
	}
	if !start.IsZero() {
		stats.PeriodStart = &start
	}
	if !end.IsZero() {
		stats.PeriodEnd = &end
	}

	for _, path := range files {
		meta, err := v.loadMetadataFile(path)
		if err != nil {
			v.log.Warn("skipping unreadable metadata", "path", path, "error", err)
			continue
		}
		if !start.IsZero() && meta.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && meta.Timestamp.After(end) {
			continue
		}

		stats.TotalEvidenceCount++
		stats.TotalStorageSize += meta.FileSize
		stats.EvidenceByType[string(meta.EvidenceType)]++

		ts := meta.Timestamp
		if stats.OldestEvidenceDate == nil || ts.Before(*stats.OldestEvidenceDate) {
			stats.OldestEvidenceDate = &ts
		}
		if stats.NewestEvidenceDate == nil || ts.After(*stats.NewestEvidenceDate) {
			stats.NewestEvidenceDate = &ts
		}
	}
	return stats, nil
}

// SnapshotStatistics writes the current statistics into the
// statistics/ directory and returns the snapshot path.
func (v *Vault) SnapshotStatistics() (string, error) {
	stats, err := v.Statistics(time.Time{}, time.Time{})
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return "", fmt.Errorf("vault: marshal statistics: %w", err)
	}
	rel := filepath.Join("statistics", v.clock().UTC().Format("20060102T150405Z")+"_statistics.json")
	if err := v.writeFileAtomic(rel, data); err != nil {
		return "", err
	}
	return filepath.Join(v.root, rel), nil
}

// IntegrityError records one failed verification.
type IntegrityError struct {
	EvidenceID string `json:"evidence_id"`
	Error      string `json:"error"`
}

// IntegrityReport aggregates a verification sweep.
type IntegrityReport struct {
	TotalChecked int              `json:"total_checked"`
	Passed       int              `json:"passed"`
	Failed       int              `json:"failed"`
	Errors       []IntegrityError `json:"errors"`
	CheckTime    time.Time        `json:"check_timestamp"`
}

// VerifyIntegrity retrieves each listed evidence item with
// verification on and aggregates outcomes. A nil or empty list checks
// every item in the vault.
func (v *Vault) VerifyIntegrity(evidenceIDs []string) (*IntegrityReport, error) {
	files, err := v.metadataFiles(evidenceIDs)
	if err != nil {
		return nil, err
	}

	report := &IntegrityReport{Errors: []IntegrityError{}, CheckTime: v.clock()}
	for _, path := range files {
		id := strippedID(path)
		report.TotalChecked++
		if _, _, err := v.Retrieve(id, true); err != nil {
			report.Failed++
			report.Errors = append(report.Errors, IntegrityError{EvidenceID: id, Error: err.Error()})
			continue
		}
		report.Passed++
	}

	v.log.Info("integrity verification completed",
		"checked", report.TotalChecked, "passed", report.Passed, "failed", report.Failed)
	return report, nil
}

// WithTransaction runs fn with a scratch directory under temp/ that is
// removed when fn returns, whether or not it succeeded.
func (v *Vault) WithTransaction(fn func(scratchDir string) error) error {
	txID := uuid.New().String()
	scratch := filepath.Join(v.root, "temp", txID)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return fmt.Errorf("vault: create transaction dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	v.log.Debug("transaction started", "transaction_id", txID)
	if err := fn(scratch); err != nil {
		v.log.Error("transaction failed", "transaction_id", txID, "error", err)
		return err
	}
	v.log.Debug("transaction committed", "transaction_id", txID)
	return nil
}

// Backup writes a gzipped tar of the evidence tree, audit trails,
// lineage graphs, and index into backups/ and returns its path.
func (v *Vault) Backup() (string, error) {
	name := v.clock().UTC().Format("20060102T150405Z") + "_backup.tar.gz"
	stage := filepath.Join(v.root, "temp", ".stage-"+uuid.New().String())

	f, err := os.Create(stage)
	if err != nil {
		return "", fmt.Errorf("vault: create backup: %w", err)
	}
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	include := []string{"evidence", "audit_trail", "lineage", "vault_index.json"}
	for _, top := range include {
		if err := v.addToTar(tw, top); err != nil {
			tw.Close()
			gz.Close()
			f.Close()
			os.Remove(stage)
			return "", err
		}
	}
	closeErr := tw.Close()
	if err := gz.Close(); closeErr == nil {
		closeErr = err
	}
	if err := f.Close(); closeErr == nil {
		closeErr = err
	}
	if closeErr != nil {
		os.Remove(stage)
		return "", fmt.Errorf("vault: finalize backup: %w", closeErr)
	}

	dest := filepath.Join(v.root, "backups", name)
	if err := os.Rename(stage, dest); err != nil {
		os.Remove(stage)
		return "", fmt.Errorf("vault: move backup: %w", err)
	}
	v.log.Info("backup created", "path", dest)
	return dest, nil
}

func (v *Vault) addToTar(tw *tar.Writer, rel string) error {
	abs := filepath.Join(v.root, rel)
	return filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		relName, err := filepath.Rel(v.root, path)
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Name:    filepath.ToSlash(relName),
			Mode:    0o644,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
}

// internals

func serializePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		data, err := canonical.Marshal(p)
		if err != nil {
			return nil, blockerr.Wrap(err, blockerr.CodeBlockExecutionFailed, "payload serialization failed")
		}
		return data, nil
	}
}

func decodePayload(plaintext []byte) any {
	var decoded any
	if err := json.Unmarshal(plaintext, &decoded); err == nil {
		return decoded
	}
	if utf8.Valid(plaintext) {
		return string(plaintext)
	}
	return plaintext
}

func (v *Vault) metadataDir() string {
	return filepath.Join(v.root, "evidence", "metadata")
}

// metadataFiles lists metadata paths, restricted to the given ids when
// non-empty. Ids without a metadata file are silently absent, matching
// a sweep over partially deleted evidence.
func (v *Vault) metadataFiles(evidenceIDs []string) ([]string, error) {
	if len(evidenceIDs) > 0 {
		paths := make([]string, 0, len(evidenceIDs))
		for _, id := range evidenceIDs {
			p := filepath.Join(v.metadataDir(), id+".json")
			if _, err := os.Stat(p); err == nil {
				paths = append(paths, p)
			}
		}
		return paths, nil
	}

	globbed, err := filepath.Glob(filepath.Join(v.metadataDir(), "*.json"))
	if err != nil {
		return nil, fmt.Errorf("vault: list metadata: %w", err)
	}
	sort.Strings(globbed)
	return globbed, nil
}

func strippedID(metadataPath string) string {
	base := filepath.Base(metadataPath)
	return base[:len(base)-len(".json")]
}

func (v *Vault) writeMetadata(meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: marshal metadata: %w", err)
	}
	return v.writeFileAtomic(filepath.Join("evidence", "metadata", meta.EvidenceID+".json"), data)
}

func (v *Vault) loadMetadata(evidenceID string) (*Metadata, error) {
	meta, err := v.loadMetadataFile(filepath.Join(v.metadataDir(), evidenceID+".json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, blockerr.Newf(blockerr.CodeBlockExecutionFailed,
				"evidence %s not found", evidenceID).WithDetail("evidence_id", evidenceID)
		}
		return nil, blockerr.Wrap(err, blockerr.CodeBlockExecutionFailed,
			fmt.Sprintf("metadata load failed for %s", evidenceID))
	}
	return meta, nil
}

func (v *Vault) loadMetadataFile(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("vault: decode metadata %s: %w", filepath.Base(path), err)
	}
	return &meta, nil
}

func (v *Vault) updateIndex(meta *Metadata) error {
	v.indexMu.Lock()
	defer v.indexMu.Unlock()

	data, err := os.ReadFile(v.indexPath())
	if err != nil {
		return fmt.Errorf("vault: read index: %w", err)
	}
	var idx vaultIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return fmt.Errorf("vault: decode index: %w", err)
	}

	idx.EvidenceCount++
	idx.LastEvidenceID = meta.EvidenceID
	idx.LastUpdated = v.clock()
	idx.Statistics.TotalSizeBytes += meta.FileSize
	if idx.Statistics.EvidenceByType == nil {
		idx.Statistics.EvidenceByType = map[string]int{}
	}
	idx.Statistics.EvidenceByType[string(meta.EvidenceType)]++

	out, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: marshal index: %w", err)
	}
	return v.writeFileAtomic("vault_index.json", out)
}

func (v *Vault) logEvidenceOperation(operation string, meta *Metadata) {
	event := EventEvidenceStore
	if operation == "retrieve" {
		event = EventEvidenceRetrieve
	}
	entry := NewAuditEntry(event, meta.RunID, meta.BlockID, StatusSuccess, v.clock())
	entry.Inputs = map[string]any{"operation": operation, "evidence_id": meta.EvidenceID}
	entry.Outputs = map[string]any{"success": true}
	if err := v.audit.append(entry); err != nil {
		v.log.Warn("audit append failed", "operation", operation, "evidence_id", meta.EvidenceID, "error", err)
	}
}

// writeFileAtomic stages data under temp/ and renames it into place so
// a cancelled write never leaves a half-written evidence file.
func (v *Vault) writeFileAtomic(rel string, data []byte) error {
	abs := filepath.Join(v.root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	stage := filepath.Join(v.root, "temp", ".stage-"+uuid.New().String())
	if err := os.MkdirAll(filepath.Dir(stage), 0o755); err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	if err := os.WriteFile(stage, data, 0o644); err != nil {
		return fmt.Errorf("vault: stage write: %w", err)
	}
	if err := os.Rename(stage, abs); err != nil {
		os.Remove(stage)
		return fmt.Errorf("vault: finalize write: %w", err)
	}
	return nil
}
