package control

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
)

func samplePopulation(n int) []any {
	pop := make([]any, 0, n)
	for i := 0; i < n; i++ {
		pop = append(pop, map[string]any{"id": i, "amount": (i + 1) * 100})
	}
	return pop
}

func sampleIDs(t *testing.T, v any) []int {
	t.Helper()
	var ids []int
	for _, s := range v.([]any) {
		ids = append(ids, s.(map[string]any)["id"].(int))
	}
	return ids
}

func TestSamplingRandomSeededIsReproducible(t *testing.T) {
	inputs := map[string]any{
		"population": samplePopulation(10),
		"method":     "random",
		"size":       3,
		"seed":       42,
	}
	first, err := SamplingBlock{}.Run(nil, inputs)
	require.NoError(t, err)
	second, err := SamplingBlock{}.Run(nil, inputs)
	require.NoError(t, err)
	require.Equal(t, first["samples"], second["samples"])

	ids := sampleIDs(t, first["samples"])
	require.Len(t, ids, 3)
	assert.True(t, sort.IntsAreSorted(ids), "samples keep population order")
	assert.Len(t, first["excluded"], 7)

	summary := first["summary"].(map[string]any)
	assert.Equal(t, 10, summary["population"])
	assert.Equal(t, 3, summary["selected"])
	assert.Equal(t, "random", summary["method"])
}

func TestSamplingSizeClampsToPopulation(t *testing.T) {
	out, err := SamplingBlock{}.Run(nil, map[string]any{
		"population": samplePopulation(4),
		"size":       25,
		"seed":       1,
	})
	require.NoError(t, err)
	assert.Len(t, out["samples"], 4)
	assert.Empty(t, out["excluded"])
}

func TestSamplingEmptyPopulationAndZeroSize(t *testing.T) {
	out, err := SamplingBlock{}.Run(nil, map[string]any{
		"population": []any{}, "size": 5, "seed": 1,
	})
	require.NoError(t, err)
	assert.Empty(t, out["samples"])
	assert.Empty(t, out["excluded"])
	assert.Equal(t, 0, out["summary"].(map[string]any)["selected"])

	out, err = SamplingBlock{}.Run(nil, map[string]any{
		"population": samplePopulation(3), "size": 0, "seed": 1,
	})
	require.NoError(t, err)
	assert.Empty(t, out["samples"])
	assert.Len(t, out["excluded"], 3)
}

func TestSamplingSystematicInterval(t *testing.T) {
	pop := make([]any, 0, 10)
	for i := 0; i < 10; i++ {
		pop = append(pop, i)
	}
	out, err := SamplingBlock{}.Run(nil, map[string]any{
		"population": pop, "method": "systematic", "size": 5, "seed": 7,
	})
	require.NoError(t, err)

	samples := out["samples"].([]any)
	require.Len(t, samples, 5)
	for i := 1; i < len(samples); i++ {
		assert.Equal(t, 2, samples[i].(int)-samples[i-1].(int))
	}
}

func TestSamplingAttributeFilters(t *testing.T) {
	pop := []any{
		map[string]any{"id": 1, "status": "open", "amount": 50, "tags": []any{"routine"}},
		map[string]any{"id": 2, "status": "open", "amount": 150, "tags": []any{"risk"}},
		map[string]any{"id": 3, "status": "closed", "amount": 500, "tags": []any{"risk"}},
		map[string]any{"id": 4, "status": "open", "amount": 300, "tags": []any{"risk", "q1"}},
		map[string]any{"id": 5, "status": "open", "amount": 200, "tags": []any{"risk"}},
	}
	out, err := SamplingBlock{}.Run(nil, map[string]any{
		"population": pop,
		"method":     "attribute",
		"size":       2,
		"seed":       1,
		"attribute_rules": []any{
			map[string]any{"field": "status", "value": "open"},
			map[string]any{"field": "amount", "operator": "gt", "value": 100},
			map[string]any{"field": "tags", "operator": "contains", "value": "risk"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, []int{2, 4}, sampleIDs(t, out["samples"]))
}

func TestSamplingRiskWeighted(t *testing.T) {
	pop := []any{
		map[string]any{"id": "a"},
		map[string]any{"id": "b"},
		map[string]any{"id": "c"},
	}

	// Only c carries weight, so every draw lands on it and the
	// deduplicated sample is exactly one item.
	out, err := SamplingBlock{}.Run(nil, map[string]any{
		"population":   pop,
		"method":       "risk_weighted",
		"size":         2,
		"seed":         9,
		"risk_weights": map[string]any{"a": 0, "b": 0, "c": 5},
	})
	require.NoError(t, err)
	samples := out["samples"].([]any)
	require.Len(t, samples, 1)
	assert.Equal(t, "c", samples[0].(map[string]any)["id"])
	assert.Len(t, out["excluded"], 2)

	out, err = SamplingBlock{}.Run(nil, map[string]any{
		"population":   pop,
		"method":       "risk_weighted",
		"size":         2,
		"seed":         9,
		"risk_weights": map[string]any{"a": 0, "b": 0, "c": 0},
	})
	require.NoError(t, err)
	assert.Empty(t, out["samples"])
	assert.Len(t, out["excluded"], 3)
}

func TestSamplingRejectsUnknownMethod(t *testing.T) {
	_, err := SamplingBlock{}.Run(nil, map[string]any{
		"population": samplePopulation(3),
		"method":     "quota",
		"size":       1,
	})
	assert.Equal(t, blockerr.CodeInputValidationFailed, blockerr.CodeOf(err))
}
