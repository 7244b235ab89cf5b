package evidence

import (
	"encoding/base64"
	"errors"
	"strings"

	"github.com/keiri-labs/keiri-engine/pkg/block"
	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
	"github.com/keiri-labs/keiri-engine/pkg/vault"
)

// VaultRetrieveBlock loads one evidence item by id. Absence comes back
// as found=false rather than an error so reporting plans can branch on
// it; tampered evidence is reported found but its content is withheld.
type VaultRetrieveBlock struct{}

func (VaultRetrieveBlock) ID() string      { return "evidence.vault_retrieve" }
func (VaultRetrieveBlock) Version() string { return "1.0.0" }

func (VaultRetrieveBlock) Run(ctx *block.Context, inputs map[string]any) (map[string]any, error) {
	v, err := vaultFrom(ctx)
	if err != nil {
		return nil, err
	}
	id := strings.TrimSpace(strOf(inputs["evidence_id"]))
	if id == "" {
		return nil, blockerr.New(blockerr.CodeInputRequiredMissing, "evidence_id is required").
			WithDetail("field", "evidence_id")
	}
	verify, err := block.BoolOr(inputs, "verify_integrity", true)
	if err != nil {
		return nil, err
	}
	asBase64, err := block.BoolOr(inputs, "return_base64", true)
	if err != nil {
		return nil, err
	}

	payload, meta, err := v.Retrieve(id, verify)
	if err != nil {
		if errors.Is(err, vault.ErrTampered) {
			return map[string]any{
				"found":        true,
				"integrity_ok": false,
				"error":        "integrity_check_failed",
			}, nil
		}
		return map[string]any{"found": false, "error": "evidence_not_found"}, nil
	}

	out := map[string]any{
		"found":        true,
		"integrity_ok": true,
		"metadata":     metadataMap(meta),
	}
	if raw, ok := payload.([]byte); ok {
		if asBase64 {
			out["evidence_data_base64"] = base64.StdEncoding.EncodeToString(raw)
		} else {
			out["evidence_data_bytes"] = raw
		}
	} else {
		out["evidence_data"] = payload
	}
	return out, nil
}
