// Package evidence implements the vault-facing blocks, letting plans
// persist, retrieve, and query evidence as ordinary graph steps. All
// of them require a vault on the execution context; running without
// one is a configuration error, not a silent no-op.
package evidence

import (
	"fmt"
	"strings"
	"time"

	"github.com/keiri-labs/keiri-engine/pkg/block"
	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
	"github.com/keiri-labs/keiri-engine/pkg/vault"
)

func vaultFrom(ctx *block.Context) (*vault.Vault, error) {
	if ctx == nil || ctx.Vault == nil {
		return nil, blockerr.New(blockerr.CodeConfigMissing, "no evidence vault attached to this run")
	}
	return ctx.Vault, nil
}

// runIDFrom falls back to "adhoc" so evidence stored outside a plan
// run still lands under a named run directory.
func runIDFrom(ctx *block.Context) string {
	if ctx != nil && ctx.RunID != "" {
		return ctx.RunID
	}
	return "adhoc"
}

func strOf(v any) string {
	s, _ := v.(string)
	return s
}

func coerce(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func stringsOf(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s := coerce(e); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	if s := coerce(v); s != "" {
		return []string{s}
	}
	return nil
}

func itemsOf(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []map[string]any:
		out := make([]any, len(t))
		for i, m := range t {
			out[i] = m
		}
		return out
	}
	return nil
}

func intFrom(m map[string]any, key string, def int) int {
	switch n := m[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}

// parseEvidenceType validates a caller-supplied type name; an empty
// value means "not given" and returns the zero type.
func parseEvidenceType(v any) (vault.EvidenceType, error) {
	s := strings.ToLower(strings.TrimSpace(coerce(v)))
	if s == "" {
		return "", nil
	}
	typ := vault.EvidenceType(s)
	if !typ.Valid() {
		return "", blockerr.Newf(blockerr.CodeInputValidationFailed, "unknown evidence type %q", s).
			WithDetail("field", "evidence_type")
	}
	return typ, nil
}

func timeField(m map[string]any, key string) (time.Time, error) {
	s := strings.TrimSpace(coerce(m[key]))
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, blockerr.Newf(blockerr.CodeInputValidationFailed, "input %q is not a date: %s", key, s).
		WithDetail("field", key)
}

func metadataMap(m *vault.Metadata) map[string]any {
	return map[string]any{
		"evidence_id":   m.EvidenceID,
		"evidence_type": string(m.EvidenceType),
		"run_id":        m.RunID,
		"block_id":      m.BlockID,
		"timestamp":     m.Timestamp.UTC().Format(time.RFC3339),
		"size":          int(m.FileSize),
		"hash":          m.FileHash,
		"tags":          m.Tags,
	}
}
