package excel

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
)

func runRead(t *testing.T, inputs map[string]any) map[string]any {
	t.Helper()
	out, err := ReadDataBlock{}.Run(nil, inputs)
	require.NoError(t, err)
	return out
}

func ledgerWorkbook(t *testing.T) []byte {
	t.Helper()
	return buildWorkbook(t, func(f *excelize.File) {
		require.NoError(t, f.SetSheetName("Sheet1", "経費"))
		require.NoError(t, f.SetCellValue("経費", "A1", "費目"))
		require.NoError(t, f.SetCellValue("経費", "B1", "金額"))
		require.NoError(t, f.SetCellValue("経費", "C1", "計上日"))
		require.NoError(t, f.SetCellValue("経費", "A2", "旅費"))
		require.NoError(t, f.SetCellValue("経費", "B2", 42.5))
		require.NoError(t, f.SetCellValue("経費", "C2", time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)))
		// Row 3 stays blank so the skip behavior is visible.
		require.NoError(t, f.SetCellValue("経費", "A4", "会議費"))
		require.NoError(t, f.SetCellValue("経費", "B4", 30))
		require.NoError(t, f.SetCellValue("経費", "C4", time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC)))
	})
}

func TestReadDataSingleSheetDefaults(t *testing.T) {
	out := runRead(t, map[string]any{
		"workbook": map[string]any{"name": "ledger.xlsx", "bytes": ledgerWorkbook(t)},
	})

	rows, ok := out["rows"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, rows, 2)
	require.Equal(t, map[string]any{"費目": "旅費", "金額": 42.5, "計上日": "2025-06-15"}, rows[0])
	require.Equal(t, "会議費", rows[1]["費目"])
	require.Equal(t, 30.0, rows[1]["金額"])
	require.Equal(t, "2025-06-20", rows[1]["計上日"])

	data, ok := out["data"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, data, "経費")

	summary := out["summary"].(map[string]any)
	assert.Equal(t, 1, summary["sheets"])
	assert.Equal(t, map[string]int{"経費": 2}, summary["rows"])
	assert.Equal(t, "single", summary["mode"])
	recalc := summary["recalc"].(map[string]any)
	assert.Equal(t, false, recalc["enabled"])
	assert.Equal(t, "skipped", recalc["status"])
}

func TestReadDataKeepsEmptyRowsWhenAsked(t *testing.T) {
	out := runRead(t, map[string]any{
		"workbook":    ledgerWorkbook(t),
		"read_config": map[string]any{"skip_empty_rows": false},
	})
	rows := out["rows"].([]map[string]any)
	require.Len(t, rows, 3)
	require.Equal(t, map[string]any{"費目": nil, "金額": nil, "計上日": nil}, rows[1])
}

func TestReadDataHeaderRowOverride(t *testing.T) {
	wb := buildWorkbook(t, func(f *excelize.File) {
		require.NoError(t, f.SetCellValue("Sheet1", "A1", "社内限り"))
		require.NoError(t, f.SetCellValue("Sheet1", "A2", "name"))
		require.NoError(t, f.SetCellValue("Sheet1", "A3", "伝票A"))
		require.NoError(t, f.SetCellValue("Sheet1", "B3", 99))
	})
	out := runRead(t, map[string]any{
		"workbook":    wb,
		"read_config": map[string]any{"header_row": 2},
	})
	rows := out["rows"].([]map[string]any)
	require.Len(t, rows, 1)
	require.Equal(t, "伝票A", rows[0]["name"])
	// The header cell above B3 is blank, so the column gets a
	// positional name.
	require.Equal(t, 99.0, rows[0]["col2"])
}

func TestReadDataExplicitRange(t *testing.T) {
	wb := buildWorkbook(t, func(f *excelize.File) {
		require.NoError(t, f.SetCellValue("Sheet1", "A1", "範囲外"))
		require.NoError(t, f.SetCellValue("Sheet1", "B2", "code"))
		require.NoError(t, f.SetCellValue("Sheet1", "C2", "val"))
		require.NoError(t, f.SetCellValue("Sheet1", "B3", "a"))
		require.NoError(t, f.SetCellValue("Sheet1", "C3", 1))
		require.NoError(t, f.SetCellValue("Sheet1", "B4", "b"))
		require.NoError(t, f.SetCellValue("Sheet1", "C4", 2))
	})
	out := runRead(t, map[string]any{
		"workbook": wb,
		"read_config": map[string]any{
			"sheets": []any{map[string]any{"name": "Sheet1", "range": "B2:C4"}},
		},
	})
	rows := out["rows"].([]map[string]any)
	require.Len(t, rows, 2)
	require.Equal(t, map[string]any{"code": "a", "val": 1.0}, rows[0])
	require.Equal(t, map[string]any{"code": "b", "val": 2.0}, rows[1])
}

func TestReadDataBadRange(t *testing.T) {
	_, err := ReadDataBlock{}.Run(nil, map[string]any{
		"workbook": ledgerWorkbook(t),
		"read_config": map[string]any{
			"sheets": []any{map[string]any{"name": "経費", "range": "not-a-range"}},
		},
	})
	require.Error(t, err)
	require.Equal(t, blockerr.CodeInputValidationFailed, blockerr.CodeOf(err))
}

func TestReadDataMultiMode(t *testing.T) {
	wb := buildWorkbook(t, func(f *excelize.File) {
		require.NoError(t, f.SetCellValue("Sheet1", "A1", "h"))
		require.NoError(t, f.SetCellValue("Sheet1", "A2", "x"))
		_, err := f.NewSheet("控除")
		require.NoError(t, err)
		require.NoError(t, f.SetCellValue("控除", "A1", "h"))
		require.NoError(t, f.SetCellValue("控除", "A2", "y"))
		require.NoError(t, f.SetCellValue("控除", "A3", "z"))
	})
	out := runRead(t, map[string]any{
		"workbook":    wb,
		"read_config": map[string]any{"mode": "multi"},
	})
	require.NotContains(t, out, "rows")

	data := out["data"].(map[string]any)
	require.Len(t, data, 2)
	summary := out["summary"].(map[string]any)
	assert.Equal(t, 2, summary["sheets"])
	assert.Equal(t, map[string]int{"Sheet1": 1, "控除": 2}, summary["rows"])
	assert.Equal(t, "multi", summary["mode"])
}

func TestReadDataNoMatchingSheet(t *testing.T) {
	out := runRead(t, map[string]any{
		"workbook": ledgerWorkbook(t),
		"read_config": map[string]any{
			"sheets": []any{map[string]any{"name": "存在しない"}},
		},
	})
	require.Equal(t, map[string]any{}, out["data"])
	require.Empty(t, out["rows"])
	summary := out["summary"].(map[string]any)
	require.Equal(t, 0, summary["sheets"])
}

func TestReadDataNoWorkbook(t *testing.T) {
	out := runRead(t, map[string]any{})
	require.Equal(t, map[string]any{}, out["data"])
	require.Equal(t, map[string]any{"sheets": 0, "rows": map[string]int{}}, out["summary"])
	require.NotContains(t, out, "rows")
}

func TestReadDataMissingPath(t *testing.T) {
	out := runRead(t, map[string]any{"workbook": "/no/such/ledger.xlsx"})
	require.Equal(t, map[string]any{}, out["data"])
	require.NotContains(t, out, "rows")
}

func TestReadDataCorruptBytes(t *testing.T) {
	_, err := ReadDataBlock{}.Run(nil, map[string]any{
		"workbook": []byte("this is not a workbook"),
	})
	require.Error(t, err)
	require.Equal(t, blockerr.CodeInputValidationFailed, blockerr.CodeOf(err))
}

func formulaWorkbook(t *testing.T) []byte {
	t.Helper()
	return buildWorkbook(t, func(f *excelize.File) {
		require.NoError(t, f.SetCellValue("Sheet1", "A1", "a"))
		require.NoError(t, f.SetCellValue("Sheet1", "B1", "b"))
		require.NoError(t, f.SetCellValue("Sheet1", "C1", "total"))
		require.NoError(t, f.SetCellValue("Sheet1", "A2", 1.5))
		require.NoError(t, f.SetCellValue("Sheet1", "B2", 2.5))
		require.NoError(t, f.SetCellFormula("Sheet1", "C2", "A2+B2"))
	})
}

func TestReadDataFormulaWithoutRecalcIsStale(t *testing.T) {
	out := runRead(t, map[string]any{"workbook": formulaWorkbook(t)})
	rows := out["rows"].([]map[string]any)
	require.Len(t, rows, 1)
	// No cached value was ever computed, so the cell reads empty.
	require.Nil(t, rows[0]["total"])
}

func TestReadDataFormulaEngine(t *testing.T) {
	out := runRead(t, map[string]any{
		"workbook": formulaWorkbook(t),
		"recalc":   map[string]any{"engine": "formula"},
	})
	rows := out["rows"].([]map[string]any)
	require.Len(t, rows, 1)
	require.Equal(t, 4.0, rows[0]["total"])

	recalc := out["summary"].(map[string]any)["recalc"].(map[string]any)
	assert.Equal(t, true, recalc["enabled"])
	assert.Equal(t, "formula_ok", recalc["status"])
}

func TestReadDataFormulaEngineUnresolvable(t *testing.T) {
	wb := buildWorkbook(t, func(f *excelize.File) {
		require.NoError(t, f.SetCellValue("Sheet1", "A1", "v"))
		require.NoError(t, f.SetCellFormula("Sheet1", "A2", "NOSUCHFUNCTION(B1)"))
	})
	_, err := ReadDataBlock{}.Run(nil, map[string]any{
		"workbook": wb,
		"recalc":   "formula",
	})
	require.Error(t, err)
	require.Equal(t, blockerr.CodeExternalAPIError, blockerr.CodeOf(err))
	be, ok := blockerr.From(err)
	require.True(t, ok)
	require.Equal(t, "Sheet1!A2", be.Details["cell"])
	require.False(t, be.Recoverable)
}

const sofficeShim = `#!/bin/sh
conv=""
out=""
in=""
while [ $# -gt 0 ]; do
  case "$1" in
    --headless) ;;
    --convert-to) shift; conv="$1" ;;
    --outdir) shift; out="$1" ;;
    *) in="$1" ;;
  esac
  shift
done
stem=$(basename "$in")
stem="${stem%.*}"
case "$conv" in
  ods) : > "$out/$stem.ods" ;;
  xlsx*) cp "$RECALC_RESULT" "$out/$stem.xlsx" ;;
esac
`

func TestReadDataLibreOfficeTwoPass(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shim requires a POSIX shell")
	}
	recalced := buildWorkbook(t, func(f *excelize.File) {
		require.NoError(t, f.SetCellValue("Sheet1", "A1", "total"))
		require.NoError(t, f.SetCellValue("Sheet1", "A2", 4.0))
	})
	dir := t.TempDir()
	result := filepath.Join(dir, "result.xlsx")
	require.NoError(t, os.WriteFile(result, recalced, 0o600))
	shim := filepath.Join(dir, "soffice")
	require.NoError(t, os.WriteFile(shim, []byte(sofficeShim), 0o755))
	t.Setenv("RECALC_RESULT", result)

	out := runRead(t, map[string]any{
		"workbook": map[string]any{"name": "報告書.xlsx", "bytes": formulaWorkbook(t)},
		"recalc":   map[string]any{"engine": "libreoffice", "soffice_path": shim},
	})
	rows := out["rows"].([]map[string]any)
	require.Len(t, rows, 1)
	require.Equal(t, 4.0, rows[0]["total"])

	recalc := out["summary"].(map[string]any)["recalc"].(map[string]any)
	assert.Equal(t, true, recalc["enabled"])
	assert.Equal(t, "ok_2pass", recalc["status"])
}

func TestReadDataLibreOfficeTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shim requires a POSIX shell")
	}
	shim := filepath.Join(t.TempDir(), "soffice")
	require.NoError(t, os.WriteFile(shim, []byte("#!/bin/sh\nsleep 5\n"), 0o755))

	_, err := ReadDataBlock{}.Run(nil, map[string]any{
		"workbook": formulaWorkbook(t),
		"recalc":   map[string]any{"engine": "libreoffice", "soffice_path": shim, "timeout_sec": 0.05},
	})
	require.Error(t, err)
	require.Equal(t, blockerr.CodeExternalTimeout, blockerr.CodeOf(err))
	be, ok := blockerr.From(err)
	require.True(t, ok)
	require.Equal(t, "timeout", be.Details["status"])
	require.False(t, be.Recoverable)
}

func TestReadDataLibreOfficeMissing(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	t.Setenv("LIBREOFFICE_PATH", "")

	_, err := ReadDataBlock{}.Run(nil, map[string]any{
		"workbook": formulaWorkbook(t),
		"recalc":   true,
	})
	require.Error(t, err)
	require.Equal(t, blockerr.CodeExternalAPIError, blockerr.CodeOf(err))
	be, ok := blockerr.From(err)
	require.True(t, ok)
	require.Equal(t, "soffice_not_found", be.Details["status"])
}
