// Package excel implements the spreadsheet blocks: workbook ingestion
// with optional recalculation, and three writers that update audit
// working papers in place. Workbooks travel as raw bytes, file paths,
// or {name, bytes|path} objects; writers hand the updated workbook
// back as bytes plus a base64 form for JSON transport.
package excel

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
)

// defaultWriteSheet is where writers land when no sheet is named.
const defaultWriteSheet = "Results"

type workbookSource struct {
	name  string
	bytes []byte
	path  string
}

func (s workbookSource) empty() bool { return len(s.bytes) == 0 && s.path == "" }

// workbookFrom accepts the three workbook input shapes: raw bytes, a
// file path string, or an object carrying name plus bytes or path.
// Bytes inside the object may arrive base64-encoded from JSON plans.
func workbookFrom(v any) workbookSource {
	switch w := v.(type) {
	case map[string]any:
		src := workbookSource{name: strOf(w["name"])}
		switch b := w["bytes"].(type) {
		case []byte:
			src.bytes = b
		case string:
			if raw, err := base64.StdEncoding.DecodeString(b); err == nil {
				src.bytes = raw
			}
		}
		if len(src.bytes) == 0 {
			src.path = strOf(w["path"])
		}
		return src
	case []byte:
		return workbookSource{bytes: w}
	case string:
		return workbookSource{path: w}
	}
	return workbookSource{}
}

// openWorkbook loads the source workbook. The second return is false
// when there is nothing to open: absent input and dangling paths both
// yield the caller's empty posture rather than an error.
func openWorkbook(src workbookSource) (*excelize.File, bool, error) {
	if len(src.bytes) > 0 {
		f, err := excelize.OpenReader(bytes.NewReader(src.bytes))
		if err != nil {
			return nil, false, badWorkbook(err)
		}
		return f, true, nil
	}
	if src.path != "" {
		if _, err := os.Stat(src.path); err != nil {
			return nil, false, nil
		}
		f, err := excelize.OpenFile(src.path)
		if err != nil {
			return nil, false, badWorkbook(err)
		}
		return f, true, nil
	}
	return nil, false, nil
}

func badWorkbook(err error) error {
	return blockerr.Wrap(err, blockerr.CodeInputValidationFailed, "workbook cannot be opened").
		WithDetail("field", "workbook")
}

// saveWorkbook renders the workbook back to bytes.
func saveWorkbook(f *excelize.File) ([]byte, error) {
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, blockerr.Wrap(err, blockerr.CodeOutputGenerationFailed, "workbook save failed")
	}
	return buf.Bytes(), nil
}

func wrapWriteErr(err error) error {
	return blockerr.Wrap(err, blockerr.CodeBlockExecutionFailed, "workbook update failed")
}

func strOf(v any) string {
	s, _ := v.(string)
	return s
}

func coerce(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func intFrom(m map[string]any, key string, def int) int {
	switch n := m[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}

func floatFrom(m map[string]any, key string, def float64) float64 {
	switch n := m[key].(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return def
}

func boolFrom(m map[string]any, key string, def bool) bool {
	if b, ok := m[key].(bool); ok {
		return b
	}
	return def
}

func anySlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	}
	return nil, false
}

// opsOf accepts a single operation object or a list of them.
func opsOf(v any) []map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return []map[string]any{t}
	case []map[string]any:
		return t
	case []any:
		ops := make([]map[string]any, 0, len(t))
		for _, e := range t {
			if m, ok := e.(map[string]any); ok {
				ops = append(ops, m)
			}
		}
		return ops
	}
	return nil
}

// recordsOf normalizes a list of row objects, dropping anything else.
func recordsOf(v any) []map[string]any {
	switch t := v.(type) {
	case []map[string]any:
		return t
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, e := range t {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

// asRecords normalizes tabular values: a list of objects passes
// through, a map of column slices is zipped into rows. Column order
// for map input is sorted, since Go maps carry none.
func asRecords(v any) []map[string]any {
	if recs := recordsOf(v); recs != nil {
		return recs
	}
	cols, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(cols))
	width := 0
	for k, col := range cols {
		keys = append(keys, k)
		if s, sok := anySlice(col); sok && len(s) > width {
			width = len(s)
		}
	}
	sort.Strings(keys)
	out := make([]map[string]any, width)
	for i := range out {
		rec := make(map[string]any, len(keys))
		for _, k := range keys {
			if s, sok := anySlice(cols[k]); sok && i < len(s) {
				rec[k] = s[i]
			} else {
				rec[k] = nil
			}
		}
		out[i] = rec
	}
	return out
}

// sheetExists reports whether name is a worksheet in f.
func sheetExists(f *excelize.File, name string) bool {
	idx, err := f.GetSheetIndex(name)
	return err == nil && idx >= 0
}

// ensureSheet creates name when absent.
func ensureSheet(f *excelize.File, name string) error {
	if sheetExists(f, name) {
		return nil
	}
	_, err := f.NewSheet(name)
	return err
}

// sheetMaxRow is the last row of the used range, zero for an empty
// sheet.
func sheetMaxRow(f *excelize.File, sheet string) int {
	rows, err := f.GetRows(sheet)
	if err != nil {
		return 0
	}
	return len(rows)
}

// lastUsedRow scans the given column letters bottom-up for the deepest
// non-empty cell. Without letters it falls back to the whole used
// range.
func lastUsedRow(f *excelize.File, sheet string, letters []string) int {
	maxRow := sheetMaxRow(f, sheet)
	if len(letters) == 0 {
		return maxRow
	}
	last := 0
	for _, letter := range letters {
		col, err := excelize.ColumnNameToNumber(letter)
		if err != nil {
			continue
		}
		for r := maxRow; r > 0; r-- {
			axis, _ := excelize.CoordinatesToCellName(col, r)
			if v, _ := f.GetCellValue(sheet, axis); v != "" {
				if r > last {
					last = r
				}
				break
			}
		}
	}
	return last
}

// parseCellRange resolves "A1:C10" or a single cell to ordered
// corners, returned as min column, min row, max column, max row.
func parseCellRange(rng string) (int, int, int, int, error) {
	left, right, found := strings.Cut(rng, ":")
	c1, r1, err := excelize.CellNameToCoordinates(strings.TrimSpace(left))
	if err != nil {
		return 0, 0, 0, 0, err
	}
	c2, r2 := c1, r1
	if found {
		c2, r2, err = excelize.CellNameToCoordinates(strings.TrimSpace(right))
		if err != nil {
			return 0, 0, 0, 0, err
		}
	}
	if c1 > c2 {
		c1, c2 = c2, c1
	}
	if r1 > r2 {
		r1, r2 = r2, r1
	}
	return c1, r1, c2, r2, nil
}

// columnSpan parses a column-letter range like "G:X".
func columnSpan(rng string) (int, int, bool) {
	left, right, found := strings.Cut(rng, ":")
	if !found {
		return 0, 0, false
	}
	c1, err1 := excelize.ColumnNameToNumber(strings.TrimSpace(left))
	c2, err2 := excelize.ColumnNameToNumber(strings.TrimSpace(right))
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	if c1 > c2 {
		c1, c2 = c2, c1
	}
	return c1, c2, true
}

// normalizeColor strips the leading # and any alpha prefix, leaving
// the RRGGBB form excelize styles expect. Unusable input falls back to
// the standard highlight grey.
func normalizeColor(c string) string {
	s := strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(c), "#"))
	if len(s) == 8 {
		s = s[2:]
	}
	if len(s) != 6 {
		return "D9D9D9"
	}
	return s
}

// fillStyle allocates a solid fill style in the given color.
func fillStyle(f *excelize.File, color string) (int, error) {
	return f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{normalizeColor(color)}},
	})
}
