package excel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestWriteResultsWritesItems(t *testing.T) {
	base := buildWorkbook(t, func(*excelize.File) {})
	out, err := WriteResultsBlock{}.Run(nil, map[string]any{
		"workbook": map[string]any{"name": "突合.xlsx", "bytes": base},
		"data": map[string]any{
			"matched": false,
			"items": []any{
				map[string]any{"file": "bank.csv", "count": 12.0, "sum": 1234.5},
				map[string]any{"file": "gl.csv", "count": 9.0, "sum": 987.0},
			},
		},
	})
	require.NoError(t, err)

	f := openResult(t, out)
	require.Equal(t, []string{"Sheet1", "Results"}, f.GetSheetList())
	require.Equal(t, "File", cellOf(t, f, "Results", "A1"))
	require.Equal(t, "Count", cellOf(t, f, "Results", "B1"))
	require.Equal(t, "Sum", cellOf(t, f, "Results", "C1"))
	require.Equal(t, "bank.csv", cellOf(t, f, "Results", "A2"))
	require.Equal(t, "12", cellOf(t, f, "Results", "B2"))
	// The sum column carries the thousands format.
	require.Equal(t, "1,234.50", cellOf(t, f, "Results", "C2"))
	require.Equal(t, "987.00", cellOf(t, f, "Results", "C3"))

	ws := out["write_summary"].(map[string]any)
	assert.Equal(t, 2, ws["rows_written"])
	assert.Equal(t, "Results", ws["sheet"])
	assert.Equal(t, "突合.xlsx", ws["workbook_name"])
	assert.Contains(t, out, "workbook_b64")
}

func TestWriteResultsJSONStringData(t *testing.T) {
	base := buildWorkbook(t, func(*excelize.File) {})
	out, err := WriteResultsBlock{}.Run(nil, map[string]any{
		"workbook": base,
		"data":     `{"items":[{"file":"x.csv","count":1,"sum":2}]}`,
		"output_config": map[string]any{
			"header_map": map[string]any{"file": "ファイル"},
		},
	})
	require.NoError(t, err)

	f := openResult(t, out)
	require.Equal(t, "ファイル", cellOf(t, f, "Results", "A1"))
	require.Equal(t, "Count", cellOf(t, f, "Results", "B1"))
	require.Equal(t, "x.csv", cellOf(t, f, "Results", "A2"))

	ws := out["write_summary"].(map[string]any)
	require.Equal(t, 1, ws["rows_written"])
}

func TestWriteResultsExistingRowsSkipHeader(t *testing.T) {
	base := buildWorkbook(t, func(f *excelize.File) {
		_, err := f.NewSheet("Results")
		require.NoError(t, err)
		require.NoError(t, f.SetCellValue("Results", "A1", "既存ヘッダ"))
	})
	out, err := WriteResultsBlock{}.Run(nil, map[string]any{
		"workbook": base,
		"data": map[string]any{
			"items": []any{map[string]any{"file": "y.csv", "count": 3.0, "sum": 4.0}},
		},
	})
	require.NoError(t, err)

	f := openResult(t, out)
	require.Equal(t, "既存ヘッダ", cellOf(t, f, "Results", "A1"))
	require.Equal(t, "y.csv", cellOf(t, f, "Results", "A2"))
}

func TestWriteResultsWithoutWorkbook(t *testing.T) {
	out, err := WriteResultsBlock{}.Run(nil, map[string]any{
		"data": map[string]any{"items": []any{map[string]any{"file": "a", "count": 1.0, "sum": 2.0}}},
	})
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"write_summary": map[string]any{"rows_written": 0, "sheet": nil},
	}, out)
}

func TestWriteResultsBadDataString(t *testing.T) {
	base := buildWorkbook(t, func(*excelize.File) {})
	out, err := WriteResultsBlock{}.Run(nil, map[string]any{
		"workbook": base,
		"data":     "{broken json",
	})
	require.NoError(t, err)
	ws := out["write_summary"].(map[string]any)
	require.Equal(t, 0, ws["rows_written"])
}
