package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCluster(t *testing.T, inputs map[string]any) map[string]any {
	t.Helper()
	out, err := SimilarityClusterBlock{}.Run(nil, inputs)
	require.NoError(t, err)
	return out
}

func TestSimilarityClusterMinhashGroupsDuplicates(t *testing.T) {
	out := runCluster(t, map[string]any{
		"items": []any{
			"invoice acme corp beta",
			"corp acme invoice beta",
			"unrelated completely different tokens",
		},
	})

	assert.Equal(t, []any{[]any{0, 1}, []any{2}}, out["clusters"])

	candidates := out["candidates"].([]any)
	require.Len(t, candidates, 1)
	assert.Equal(t, map[string]any{"a": 0, "b": 1, "score": 1.0}, candidates[0])
	assert.Equal(t, map[string]any{"items": 3, "clusters": 2}, out["summary"])
}

func TestSimilarityClusterFeatureSpecFields(t *testing.T) {
	out := runCluster(t, map[string]any{
		"items": []any{
			map[string]any{"Vendor": "Acme Corp", "Memo": "duplicate payment run"},
			map[string]any{"vendor": "Acme Corp", "memo": "duplicate payment run"},
			map[string]any{"vendor": "Zeta"},
		},
		"feature_spec": map[string]any{"text_fields": []any{"vendor", "memo"}},
	})

	assert.Equal(t, []any{[]any{0, 1}, []any{2}}, out["clusters"])
}

func TestSimilarityClusterJaccardFallback(t *testing.T) {
	out := runCluster(t, map[string]any{
		"method":    "jaccard",
		"threshold": 0.5,
		"items": []any{
			"alpha beta gamma delta",
			"alpha beta gamma epsilon",
			"zz yy",
		},
	})

	assert.Equal(t, []any{[]any{0, 1}, []any{2}}, out["clusters"])
	assert.Equal(t, []any{}, out["candidates"])
	assert.Equal(t, map[string]any{"items": 3, "clusters": 2}, out["summary"])
}

func TestSimilarityClusterTopKLimitsCandidates(t *testing.T) {
	out := runCluster(t, map[string]any{
		"items": []any{"same tokens here", "same tokens here", "same tokens here"},
		"top_k": 1,
	})

	assert.Equal(t, []any{[]any{0, 1, 2}}, out["clusters"])

	candidates := out["candidates"].([]any)
	require.Len(t, candidates, 1)
	assert.Equal(t, map[string]any{"a": 0, "b": 1, "score": 1.0}, candidates[0])
}

func TestSimilarityClusterEmptyItems(t *testing.T) {
	out := runCluster(t, map[string]any{})
	assert.Equal(t, []any{}, out["clusters"])
	assert.Equal(t, []any{}, out["candidates"])
	assert.Equal(t, map[string]any{"items": 0, "clusters": 0}, out["summary"])
}
