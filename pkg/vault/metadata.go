package vault

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
)

// EvidenceType categorizes stored payloads.
type EvidenceType string

const (
	EvidenceInput          EvidenceType = "input"
	EvidenceOutput         EvidenceType = "output"
	EvidenceIntermediate   EvidenceType = "intermediate"
	EvidenceControlResult  EvidenceType = "control_result"
	EvidenceAuditFinding   EvidenceType = "audit_finding"
	EvidenceDocument       EvidenceType = "document"
	EvidenceCalculation    EvidenceType = "calculation"
	EvidenceApprovalRecord EvidenceType = "approval_record"
)

// Valid reports whether t names a known evidence type.
func (t EvidenceType) Valid() bool {
	switch t {
	case EvidenceInput, EvidenceOutput, EvidenceIntermediate, EvidenceControlResult,
		EvidenceAuditFinding, EvidenceDocument, EvidenceCalculation, EvidenceApprovalRecord:
		return true
	}
	return false
}

// DefaultRetentionDays is the evidence retention period, roughly the
// seven years required for audit working papers.
const DefaultRetentionDays = 2555

// Metadata describes one stored evidence item. FilePath is relative to
// the vault root; FileHash is the SHA-256 of the plaintext, computed
// before encryption.
type Metadata struct {
	EvidenceID      string       `json:"evidence_id"`
	EvidenceType    EvidenceType `json:"evidence_type"`
	BlockID         string       `json:"block_id"`
	RunID           string       `json:"run_id"`
	Timestamp       time.Time    `json:"timestamp"`
	FilePath        string       `json:"file_path"`
	FileHash        string       `json:"file_hash"`
	FileSize        int64        `json:"file_size"`
	EncryptionKeyID string       `json:"encryption_key_id,omitempty"`
	RetentionUntil  time.Time    `json:"retention_until"`
	Tags            []string     `json:"tags"`
	RelatedEvidence []string     `json:"related_evidence"`

	CreatorUserID   string   `json:"creator_user_id,omitempty"`
	Department      string   `json:"department,omitempty"`
	RiskLevel       string   `json:"risk_level,omitempty"`
	ComplianceFlags []string `json:"compliance_flags,omitempty"`
}

// NewEvidenceID returns "<prefix>_<8 hex chars>". The prefix names the
// producing operation, e.g. "sampling_result".
func NewEvidenceID(prefix string) string {
	u := uuid.New()
	return prefix + "_" + hex.EncodeToString(u[:])[:8]
}

// NewMetadata builds metadata with a generated id, a storage path
// derived from the evidence type, and the default retention deadline.
func NewMetadata(runID, blockID string, typ EvidenceType, now time.Time) *Metadata {
	id := NewEvidenceID(string(typ))
	return &Metadata{
		EvidenceID:      id,
		EvidenceType:    typ,
		BlockID:         blockID,
		RunID:           runID,
		Timestamp:       now,
		FilePath:        storageDirFor(typ) + "/" + runID + "/" + id + ".json",
		RetentionUntil:  now.AddDate(0, 0, DefaultRetentionDays),
		Tags:            []string{},
		RelatedEvidence: []string{},
	}
}

func storageDirFor(typ EvidenceType) string {
	switch typ {
	case EvidenceInput, EvidenceDocument:
		return "evidence/raw"
	case EvidenceOutput:
		return "evidence/outputs"
	default:
		return "evidence/processed"
	}
}

// Validate checks the invariants a metadata record must satisfy before
// it backs a stored file.
func (m *Metadata) Validate() error {
	if m.EvidenceID == "" {
		return blockerr.New(blockerr.CodeInputRequiredMissing, "evidence_id is required")
	}
	if !m.EvidenceType.Valid() {
		return blockerr.Newf(blockerr.CodeInputValidationFailed, "unknown evidence type %q", m.EvidenceType)
	}
	if m.FilePath == "" {
		return blockerr.New(blockerr.CodeInputRequiredMissing, "file_path is required")
	}
	if !isLocalRelPath(m.FilePath) {
		return blockerr.Newf(blockerr.CodeInputValidationFailed, "file_path %q must stay inside the vault root", m.FilePath)
	}
	if !m.RetentionUntil.After(m.Timestamp) {
		return blockerr.New(blockerr.CodeInputValidationFailed, "retention_until must be after timestamp")
	}
	return nil
}

// CanonicalizeTags trims whitespace and drops empty tags in place.
func (m *Metadata) CanonicalizeTags() {
	out := m.Tags[:0]
	for _, t := range m.Tags {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	m.Tags = out
}

func isLocalRelPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
		return false
	}
	for _, part := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return false
		}
	}
	return true
}

// Statistics aggregates the metadata directory.
type Statistics struct {
	TotalEvidenceCount int            `json:"total_evidence_count"`
	TotalStorageSize   int64          `json:"total_storage_size"`
	EvidenceByType     map[string]int `json:"evidence_by_type"`
	OldestEvidenceDate *time.Time     `json:"oldest_evidence_date,omitempty"`
	NewestEvidenceDate *time.Time     `json:"newest_evidence_date,omitempty"`
	StatisticsDate     time.Time      `json:"statistics_date"`
	PeriodStart        *time.Time     `json:"period_start,omitempty"`
	PeriodEnd          *time.Time     `json:"period_end,omitempty"`
}

// LineageNode is one vertex of a run's data lineage graph.
type LineageNode struct {
	NodeID                string         `json:"node_id"`
	NodeType              string         `json:"node_type"`
	BlockID               string         `json:"block_id"`
	DataHash              string         `json:"data_hash"`
	ParentNodes           []string       `json:"parent_nodes"`
	ChildNodes            []string       `json:"child_nodes"`
	TransformationDetails map[string]any `json:"transformation_details,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	DataSize              int64          `json:"data_size,omitempty"`
	DataFormat            string         `json:"data_format,omitempty"`
	QualityScore          *float64       `json:"quality_score,omitempty"`
}

// LineageEdge connects a parent node to a child node.
type LineageEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Lineage is the persisted lineage graph for one run.
type Lineage struct {
	RunID       string        `json:"run_id"`
	Nodes       []LineageNode `json:"nodes"`
	Edges       []LineageEdge `json:"edges"`
	GeneratedAt time.Time     `json:"generated_at"`
}
