package evidence

import (
	"time"

	"github.com/keiri-labs/keiri-engine/pkg/block"
	"github.com/keiri-labs/keiri-engine/pkg/vault"
)

// VaultSearchBlock queries evidence metadata by run, block, type,
// tags, and date range. total_count reports all matches even when the
// returned page is capped by limit.
type VaultSearchBlock struct{}

func (VaultSearchBlock) ID() string      { return "evidence.vault_search" }
func (VaultSearchBlock) Version() string { return "1.0.0" }

func (VaultSearchBlock) Run(ctx *block.Context, inputs map[string]any) (map[string]any, error) {
	v, err := vaultFrom(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := block.MapOr(inputs, "search_criteria")
	if err != nil {
		return nil, err
	}
	limit, err := block.IntOr(inputs, "limit", 100)
	if err != nil {
		return nil, err
	}

	criteria := vault.SearchCriteria{
		RunID:   coerce(raw["run_id"]),
		BlockID: coerce(raw["block_id"]),
		Tags:    stringsOf(raw["tags"]),
	}
	if criteria.EvidenceType, err = parseEvidenceType(raw["evidence_type"]); err != nil {
		return nil, err
	}
	if criteria.DateFrom, err = timeField(raw, "date_from"); err != nil {
		return nil, err
	}
	if criteria.DateTo, err = timeField(raw, "date_to"); err != nil {
		return nil, err
	}

	results, err := v.Search(criteria, 0)
	if err != nil {
		return nil, err
	}
	total := len(results)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}

	rows := make([]any, 0, len(results))
	for _, r := range results {
		rows = append(rows, map[string]any{
			"evidence_id":   r.EvidenceID,
			"evidence_type": string(r.EvidenceType),
			"run_id":        r.RunID,
			"block_id":      r.BlockID,
			"timestamp":     r.Timestamp.UTC().Format(time.RFC3339),
			"file_path":     r.FilePath,
			"tags":          r.Tags,
			"relevance":     r.RelevanceScore,
		})
	}
	return map[string]any{"search_results": rows, "total_count": total}, nil
}
