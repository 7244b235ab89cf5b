package evidence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keiri-labs/keiri-engine/pkg/block"
	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
)

func seedSearchEvidence(t *testing.T, ctx *block.Context) []map[string]any {
	t.Helper()
	return storeItems(t, ctx,
		map[string]any{"name": "ap.json", "payload": map[string]any{"n": 1}, "tags": []any{"ap", "q3"}},
		map[string]any{"name": "finding.json", "payload": map[string]any{"n": 2}, "evidence_type": "audit_finding", "tags": []any{"q3"}},
		map[string]any{"name": "travel.json", "payload": map[string]any{"n": 3}, "tags": []any{"travel"}},
	)
}

func runSearch(t *testing.T, ctx *block.Context, inputs map[string]any) (rows []any, total int) {
	t.Helper()
	out, err := VaultSearchBlock{}.Run(ctx, inputs)
	require.NoError(t, err)
	rows, ok := out["search_results"].([]any)
	require.True(t, ok)
	return rows, out["total_count"].(int)
}

func TestVaultSearchFiltersByType(t *testing.T) {
	ctx := newTestContext(t)
	seeded := seedSearchEvidence(t, ctx)

	rows, total := runSearch(t, ctx, map[string]any{
		"search_criteria": map[string]any{"evidence_type": "audit_finding"},
	})

	assert.Equal(t, 1, total)
	require.Len(t, rows, 1)
	hit := rows[0].(map[string]any)
	assert.Equal(t, seeded[1]["evidence_id"], hit["evidence_id"])
	assert.Equal(t, "audit_finding", hit["evidence_type"])
	assert.Equal(t, "run-2025-001", hit["run_id"])
	assert.Equal(t, "2025-06-15T09:30:00Z", hit["timestamp"])
}

func TestVaultSearchTagsAndLimit(t *testing.T) {
	ctx := newTestContext(t)
	seedSearchEvidence(t, ctx)

	rows, total := runSearch(t, ctx, map[string]any{
		"search_criteria": map[string]any{"tags": []any{"q3"}},
		"limit":           1,
	})

	assert.Equal(t, 2, total)
	assert.Len(t, rows, 1)
}

func TestVaultSearchRunRelevance(t *testing.T) {
	ctx := newTestContext(t)
	seedSearchEvidence(t, ctx)

	rows, total := runSearch(t, ctx, map[string]any{
		"search_criteria": map[string]any{"run_id": "run-2025-001"},
	})

	assert.Equal(t, 3, total)
	for _, r := range rows {
		// Exact run match scores 10 plus full freshness.
		assert.InDelta(t, 11.0, r.(map[string]any)["relevance"].(float64), 1e-9)
	}
}

func TestVaultSearchDateWindow(t *testing.T) {
	ctx := newTestContext(t)
	seedSearchEvidence(t, ctx)

	_, total := runSearch(t, ctx, map[string]any{
		"search_criteria": map[string]any{"date_from": "2025-06-16"},
	})
	assert.Equal(t, 0, total)

	_, total = runSearch(t, ctx, map[string]any{
		"search_criteria": map[string]any{"date_to": "2025-06-16"},
	})
	assert.Equal(t, 3, total)
}

func TestVaultSearchEmptyCriteria(t *testing.T) {
	ctx := newTestContext(t)
	seedSearchEvidence(t, ctx)

	rows, total := runSearch(t, ctx, map[string]any{})
	assert.Equal(t, 3, total)
	assert.Len(t, rows, 3)
}

func TestVaultSearchUnknownType(t *testing.T) {
	ctx := newTestContext(t)

	_, err := VaultSearchBlock{}.Run(ctx, map[string]any{
		"search_criteria": map[string]any{"evidence_type": "selfie"},
	})
	require.Error(t, err)
	assert.Equal(t, blockerr.CodeInputValidationFailed, blockerr.CodeOf(err))
}

func TestVaultSearchBadDate(t *testing.T) {
	ctx := newTestContext(t)

	_, err := VaultSearchBlock{}.Run(ctx, map[string]any{
		"search_criteria": map[string]any{"date_from": "not-a-date"},
	})
	require.Error(t, err)
	assert.Equal(t, blockerr.CodeInputValidationFailed, blockerr.CodeOf(err))
}
