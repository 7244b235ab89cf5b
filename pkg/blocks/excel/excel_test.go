package excel

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

// buildWorkbook renders a workbook through mutate and returns its
// serialized bytes.
func buildWorkbook(t *testing.T, mutate func(f *excelize.File)) []byte {
	t.Helper()
	f := excelize.NewFile()
	mutate(f)
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return buf.Bytes()
}

// openResult reopens the block's output workbook for assertions.
func openResult(t *testing.T, out map[string]any) *excelize.File {
	t.Helper()
	wb, ok := out["workbook_updated"].(map[string]any)
	require.True(t, ok)
	raw, ok := wb["bytes"].([]byte)
	require.True(t, ok)
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func cellOf(t *testing.T, f *excelize.File, sheet, axis string) string {
	t.Helper()
	v, err := f.GetCellValue(sheet, axis)
	require.NoError(t, err)
	return v
}

func TestWorkbookFromShapes(t *testing.T) {
	raw := []byte{0x50, 0x4b, 0x03, 0x04}

	src := workbookFrom(map[string]any{"name": "台帳.xlsx", "bytes": raw})
	require.Equal(t, "台帳.xlsx", src.name)
	require.Equal(t, raw, src.bytes)

	src = workbookFrom(map[string]any{"name": "台帳.xlsx", "bytes": base64.StdEncoding.EncodeToString(raw)})
	require.Equal(t, raw, src.bytes)

	src = workbookFrom(raw)
	require.Equal(t, raw, src.bytes)
	require.Empty(t, src.name)

	src = workbookFrom("/srv/keiri/台帳.xlsx")
	require.Equal(t, "/srv/keiri/台帳.xlsx", src.path)

	require.True(t, workbookFrom(nil).empty())
	require.True(t, workbookFrom(42).empty())
}

func TestAsRecordsZipsColumnMaps(t *testing.T) {
	recs := asRecords(map[string]any{
		"file":  []any{"a.csv", "b.csv"},
		"count": []any{1.0, 2.0, 3.0},
	})
	require.Len(t, recs, 3)
	require.Equal(t, map[string]any{"count": 1.0, "file": "a.csv"}, recs[0])
	require.Equal(t, map[string]any{"count": 3.0, "file": nil}, recs[2])
}

func TestNormalizeColor(t *testing.T) {
	require.Equal(t, "FF0000", normalizeColor("#ff0000"))
	require.Equal(t, "D9D9D9", normalizeColor("FFD9D9D9"))
	require.Equal(t, "D9D9D9", normalizeColor(""))
	require.Equal(t, "D9D9D9", normalizeColor("red"))
}

func TestColumnSpan(t *testing.T) {
	from, to, ok := columnSpan("G:X")
	require.True(t, ok)
	require.Equal(t, 7, from)
	require.Equal(t, 24, to)

	_, _, ok = columnSpan("A1:C10")
	require.False(t, ok)
	_, _, ok = columnSpan("K")
	require.False(t, ok)
}
