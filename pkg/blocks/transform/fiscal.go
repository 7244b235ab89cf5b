package transform

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/keiri-labs/keiri-engine/pkg/block"
)

// FiscalQuarterBlock resolves a fiscal quarter into concrete dates
// and the sheet names reporting workbooks use. Invalid inputs yield
// an empty (but shape-correct) result instead of an error so plans
// can branch on it.
type FiscalQuarterBlock struct{}

func (FiscalQuarterBlock) ID() string      { return "transforms.compute_fiscal_quarter" }
func (FiscalQuarterBlock) Version() string { return "1.0.0" }

func (FiscalQuarterBlock) Run(_ *block.Context, inputs map[string]any) (map[string]any, error) {
	year := looseInt(inputs["fiscal_year"])
	quarter := quarterIndex(inputs["quarter"])
	startMonth := looseInt(inputs["start_month"])
	if startMonth == 0 {
		startMonth = 4
	}

	if year <= 0 || quarter < 1 || quarter > 4 || startMonth < 1 || startMonth > 12 {
		return map[string]any{
			"period":              map[string]any{"start": nil, "end": nil},
			"is_q1":               false,
			"quarter_label":       "",
			"sheet_label":         "",
			"target_sheet_name":   "",
			"template_sheet_name": "",
		}, nil
	}

	fiscalStart := time.Date(year, time.Month(startMonth), 1, 0, 0, 0, 0, time.UTC)
	start := fiscalStart.AddDate(0, (quarter-1)*3, 0)
	end := start.AddDate(0, 3, 0).AddDate(0, 0, -1)
	prevEnd := start.AddDate(0, 0, -1)

	return map[string]any{
		"period": map[string]any{
			"start": start.Format("2006-01-02"),
			"end":   end.Format("2006-01-02"),
		},
		"is_q1":               quarter == 1,
		"quarter_label":       fmt.Sprintf("%d年度%d月～%d月", year, int(start.Month()), int(end.Month())),
		"sheet_label":         fmt.Sprintf("%d_Q%d", year, quarter),
		"target_sheet_name":   fmt.Sprintf("%d.%d", end.Year(), int(end.Month())),
		"template_sheet_name": fmt.Sprintf("%d.%d", prevEnd.Year(), int(prevEnd.Month())),
	}, nil
}

// quarterIndex accepts 1..4 as a number or a "Q3"-style string.
func quarterIndex(v any) int {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(strings.ToUpper(x), "Q", ""))
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0
		}
		return n
	default:
		return looseInt(v)
	}
}

// looseInt truncates numbers and parses integer strings; anything
// else is 0.
func looseInt(v any) int {
	switch x := v.(type) {
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0
		}
		return n
	default:
		if f, ok := strictFloat(v); ok {
			return int(f)
		}
		return 0
	}
}
