package transform

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func runFiscal(t *testing.T, inputs map[string]any) map[string]any {
	t.Helper()
	out, err := FiscalQuarterBlock{}.Run(nil, inputs)
	require.NoError(t, err)
	return out
}

func TestFiscalQuarterQ1(t *testing.T) {
	out := runFiscal(t, map[string]any{
		"fiscal_year": 2025, "quarter": "Q1", "start_month": 4,
	})

	period := out["period"].(map[string]any)
	require.Equal(t, "2025-04-01", period["start"])
	require.Equal(t, "2025-06-30", period["end"])
	require.Equal(t, true, out["is_q1"])
	require.Equal(t, "2025年度4月～6月", out["quarter_label"])
	require.Equal(t, "2025_Q1", out["sheet_label"])
	require.Equal(t, "2025.6", out["target_sheet_name"])
	require.Equal(t, "2025.3", out["template_sheet_name"])
}

func TestFiscalQuarterQ4SpansYearEnd(t *testing.T) {
	out := runFiscal(t, map[string]any{
		"fiscal_year": 2025, "quarter": "Q4", "start_month": 4,
	})

	period := out["period"].(map[string]any)
	require.Equal(t, "2026-01-01", period["start"])
	require.Equal(t, "2026-03-31", period["end"])
	require.Equal(t, false, out["is_q1"])
	require.Equal(t, "2025年度1月～3月", out["quarter_label"])
	require.Equal(t, "2025_Q4", out["sheet_label"])
	require.Equal(t, "2026.3", out["target_sheet_name"])
	require.Equal(t, "2025.12", out["template_sheet_name"])
}

func TestFiscalQuarterNumericQuarter(t *testing.T) {
	out := runFiscal(t, map[string]any{
		"fiscal_year": 2025, "quarter": 2,
	})

	period := out["period"].(map[string]any)
	require.Equal(t, "2025-07-01", period["start"])
	require.Equal(t, "2025-09-30", period["end"])
}

func TestFiscalQuarterDefaultStartMonth(t *testing.T) {
	out := runFiscal(t, map[string]any{
		"fiscal_year": 2025, "quarter": "1",
	})
	period := out["period"].(map[string]any)
	require.Equal(t, "2025-04-01", period["start"])
}

func TestFiscalQuarterJanuaryStart(t *testing.T) {
	out := runFiscal(t, map[string]any{
		"fiscal_year": 2025, "quarter": "Q1", "start_month": 1,
	})

	period := out["period"].(map[string]any)
	require.Equal(t, "2025-01-01", period["start"])
	require.Equal(t, "2025-03-31", period["end"])
	require.Equal(t, "2024.12", out["template_sheet_name"])
}

func TestFiscalQuarterInvalidInputs(t *testing.T) {
	cases := []map[string]any{
		{"fiscal_year": 2025, "quarter": "Q5"},
		{"fiscal_year": 2025, "quarter": "garbage"},
		{"quarter": "Q1"},
		{"fiscal_year": 2025, "quarter": "Q1", "start_month": 13},
	}
	for _, inputs := range cases {
		out := runFiscal(t, inputs)
		period := out["period"].(map[string]any)
		require.Nil(t, period["start"])
		require.Nil(t, period["end"])
		require.Equal(t, false, out["is_q1"])
		require.Equal(t, "", out["quarter_label"])
		require.Equal(t, "", out["sheet_label"])
		require.Equal(t, "", out["target_sheet_name"])
		require.Equal(t, "", out["template_sheet_name"])
	}
}
