package excel

import (
	"encoding/base64"
	"encoding/json"

	"github.com/xuri/excelize/v2"

	"github.com/keiri-labs/keiri-engine/pkg/block"
)

// WriteResultsBlock writes matching result items into a workbook as
// file, count, sum triples. It is the narrow predecessor of
// excel.write, kept for plans that only dump reconciliation totals.
type WriteResultsBlock struct{}

func (WriteResultsBlock) ID() string      { return "excel.write_results" }
func (WriteResultsBlock) Version() string { return "1.0.0" }

func (WriteResultsBlock) Run(_ *block.Context, inputs map[string]any) (map[string]any, error) {
	src := workbookFrom(inputs["workbook"])
	if len(src.bytes) == 0 {
		return map[string]any{
			"write_summary": map[string]any{"rows_written": 0, "sheet": nil},
		}, nil
	}
	f, _, err := openWorkbook(src)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data := dataOf(inputs["data"])
	cfg, _ := inputs["output_config"].(map[string]any)
	sheet := strOf(cfg["sheet"])
	if sheet == "" {
		sheet = defaultWriteSheet
	}
	startRow := intFrom(cfg, "start_row", 2)
	if startRow < 1 {
		startRow = 2
	}
	headerMap, _ := cfg["header_map"].(map[string]any)
	header := func(key, def string) string {
		if s := coerce(headerMap[key]); s != "" {
			return s
		}
		return def
	}

	if err := ensureSheet(f, sheet); err != nil {
		return nil, wrapWriteErr(err)
	}
	if startRow > 1 && sheetMaxRow(f, sheet) < startRow-1 {
		headers := []string{header("file", "File"), header("count", "Count"), header("sum", "Sum")}
		for i, h := range headers {
			axis, _ := excelize.CoordinatesToCellName(i+1, 1)
			if err := f.SetCellValue(sheet, axis, h); err != nil {
				return nil, wrapWriteErr(err)
			}
		}
	}

	// Builtin format 4 is #,##0.00, applied to the sum column.
	sumStyle, err := f.NewStyle(&excelize.Style{NumFmt: 4})
	if err != nil {
		return nil, wrapWriteErr(err)
	}

	rowsWritten := 0
	r := startRow
	for _, it := range recordsOf(data["items"]) {
		vals := []any{it["file"], it["count"], it["sum"]}
		for i, v := range vals {
			axis, _ := excelize.CoordinatesToCellName(i+1, r)
			if err := f.SetCellValue(sheet, axis, v); err != nil {
				return nil, wrapWriteErr(err)
			}
		}
		if isNumber(vals[2]) {
			axis, _ := excelize.CoordinatesToCellName(3, r)
			if err := f.SetCellStyle(sheet, axis, axis, sumStyle); err != nil {
				return nil, wrapWriteErr(err)
			}
		}
		r++
		rowsWritten++
	}

	out, err := saveWorkbook(f)
	if err != nil {
		return nil, err
	}
	var name any
	if src.name != "" {
		name = src.name
	}
	return map[string]any{
		"write_summary": map[string]any{
			"rows_written":  rowsWritten,
			"sheet":         sheet,
			"workbook_name": name,
		},
		"workbook_updated": map[string]any{"name": name, "bytes": out},
		"workbook_b64":     base64.StdEncoding.EncodeToString(out),
	}, nil
}

// dataOf accepts the result object directly or as a JSON string left
// behind by an unresolved template.
func dataOf(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case string:
		var m map[string]any
		if json.Unmarshal([]byte(t), &m) == nil && m != nil {
			return m
		}
	}
	return map[string]any{}
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int32, int64, float32, float64:
		return true
	}
	return false
}
