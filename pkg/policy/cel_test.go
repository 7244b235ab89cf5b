package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRewritePlaceholders(t *testing.T) {
	data := map[string]any{"amount": 1, "limit": 2}
	got := rewrite("$amount > $limit", data)
	assert.Equal(t, `data["amount"] > data["limit"]`, got)
}

func TestRewriteLongestFirst(t *testing.T) {
	data := map[string]any{"amount": 1, "amount_total": 2}
	got := rewrite("$amount_total + $amount", data)
	assert.Equal(t, `data["amount_total"] + data["amount"]`, got)
}

func TestRewriteLeavesUnknownPlaceholders(t *testing.T) {
	got := rewrite("$missing > 5", map[string]any{"amount": 1})
	assert.Equal(t, "$missing > 5", got)
}

func TestExprEval(t *testing.T) {
	ev, err := newExprEvaluator()
	require.NoError(t, err)

	tests := []struct {
		name string
		expr string
		data map[string]any
		want bool
	}{
		{"numeric true", "$amount <= 1000000", map[string]any{"amount": 500000.0}, true},
		{"numeric false", "$amount <= 1000000", map[string]any{"amount": 2000000.0}, false},
		{"cross type compare", "$amount > 100", map[string]any{"amount": 150.5}, true},
		{"int field", "$count >= 3", map[string]any{"count": 3}, true},
		{"string equality", `$status == "approved"`, map[string]any{"status": "approved"}, true},
		{"string inequality", `$status == "approved"`, map[string]any{"status": "pending"}, false},
		{"conjunction", `$amount < 100 && $status == "ok"`, map[string]any{"amount": 50.0, "status": "ok"}, true},
		{"japanese field", "$金額 < 100", map[string]any{"金額": 50.0}, true},
		{"japanese field violation", "$金額 < 100", map[string]any{"金額": 250.0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ev.Eval(tt.expr, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExprEvalErrors(t *testing.T) {
	ev, err := newExprEvaluator()
	require.NoError(t, err)

	_, err = ev.Eval("", map[string]any{"a": 1})
	assert.Error(t, err)

	_, err = ev.Eval("$amount >>>", map[string]any{"amount": 1})
	assert.Error(t, err)

	_, err = ev.Eval("$missing > 5", map[string]any{"amount": 1})
	assert.Error(t, err, "unresolved placeholder should not parse")

	_, err = ev.Eval("$amount + 1", map[string]any{"amount": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bool")
}

func TestExprProgramCache(t *testing.T) {
	ev, err := newExprEvaluator()
	require.NoError(t, err)

	data := map[string]any{"amount": 10.0}
	for i := 0; i < 3; i++ {
		got, err := ev.Eval("$amount > 5", data)
		require.NoError(t, err)
		assert.True(t, got)
	}
	ev.mu.RLock()
	defer ev.mu.RUnlock()
	assert.Len(t, ev.cache, 1)
}
