package evidence

import (
	"encoding/base64"
	"time"

	"github.com/keiri-labs/keiri-engine/pkg/block"
	"github.com/keiri-labs/keiri-engine/pkg/vault"
)

// VaultStoreBlock persists plan artifacts as vault evidence. Items
// without usable content are skipped, matching an ingest sweep over
// partially resolved attachments, but an unknown evidence type fails
// the whole call so typos cannot silently misfile working papers.
type VaultStoreBlock struct{}

func (VaultStoreBlock) ID() string      { return "evidence.vault_store" }
func (VaultStoreBlock) Version() string { return "1.0.0" }

func (VaultStoreBlock) Run(ctx *block.Context, inputs map[string]any) (map[string]any, error) {
	v, err := vaultFrom(ctx)
	if err != nil {
		return nil, err
	}
	items := itemsOf(inputs["items"])
	retention, err := block.MapOr(inputs, "retention_policy")
	if err != nil {
		return nil, err
	}
	if retention == nil {
		retention = map[string]any{}
	}
	access, err := block.MapOr(inputs, "access_policy")
	if err != nil {
		return nil, err
	}
	if access == nil {
		access = map[string]any{}
	}
	retentionDays := intFrom(retention, "days", 0)

	stored := make([]any, 0, len(items))
	for _, raw := range items {
		it, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		payload, ok := payloadOf(it)
		if !ok {
			continue
		}
		typ, err := parseEvidenceType(it["evidence_type"])
		if err != nil {
			return nil, err
		}
		if typ == "" {
			typ = vault.EvidenceDocument
		}

		meta := vault.NewMetadata(runIDFrom(ctx), "evidence.vault_store", typ, ctx.Now())
		meta.Tags = stringsOf(it["tags"])
		meta.RelatedEvidence = stringsOf(it["related_evidence"])
		meta.ComplianceFlags = stringsOf(it["compliance_flags"])
		meta.Department = coerce(it["department"])
		meta.RiskLevel = coerce(it["risk_level"])
		meta.CreatorUserID = coerce(it["creator_user_id"])
		if retentionDays > 0 {
			meta.RetentionUntil = meta.Timestamp.AddDate(0, 0, retentionDays)
		}

		id, err := v.Store(payload, meta)
		if err != nil {
			return nil, err
		}
		name := coerce(it["name"])
		if name == "" {
			name = "artifact.bin"
		}
		stored = append(stored, map[string]any{
			"evidence_id":      id,
			"name":             name,
			"evidence_type":    string(typ),
			"size":             int(meta.FileSize),
			"hash":             meta.FileHash,
			"path":             meta.FilePath,
			"retention_until":  meta.RetentionUntil.UTC().Format(time.RFC3339),
			"retention_policy": retention,
			"access_policy":    access,
		})
	}

	return map[string]any{
		"stored": stored,
		"summary": map[string]any{
			"count": len(stored),
			"dir":   v.Root(),
		},
	}, nil
}

// payloadOf picks the first usable content source: a structured
// payload, raw bytes, then base64 text.
func payloadOf(it map[string]any) (any, bool) {
	if p, ok := it["payload"]; ok && p != nil {
		return p, true
	}
	if b, ok := it["bytes"].([]byte); ok {
		return b, true
	}
	if s, ok := it["base64"].(string); ok && s != "" {
		if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
			return raw, true
		}
	}
	return nil, false
}
