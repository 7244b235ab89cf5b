package excel

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/keiri-labs/keiri-engine/pkg/block"
	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
)

// ReadDataBlock turns workbook sheets into row objects keyed by their
// header row. Formulas are read as cached values unless a recalc
// engine is requested: the in-process formula engine evaluates each
// formula cell, LibreOffice rewrites the whole workbook headless
// before the read. A requested recalc that cannot run is an error,
// never a silent fallback to stale values.
type ReadDataBlock struct{}

func (ReadDataBlock) ID() string      { return "excel.read_data" }
func (ReadDataBlock) Version() string { return "1.0.0" }

func (ReadDataBlock) Run(ctx *block.Context, inputs map[string]any) (map[string]any, error) {
	src := workbookFrom(inputs["workbook"])
	if src.empty() {
		return emptyReadResult(), nil
	}

	cfg, err := block.MapOr(inputs, "read_config")
	if err != nil {
		return nil, err
	}
	mode := strings.ToLower(strings.TrimSpace(coerce(cfg["mode"])))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(coerce(inputs["mode"])))
	}
	if mode == "" {
		mode = "single"
	}
	defaults := sheetConfig{
		headerRow: intFrom(cfg, "header_row", 1),
		skipEmpty: boolFrom(cfg, "skip_empty_rows", true),
	}
	if defaults.headerRow < 1 {
		defaults.headerRow = 1
	}
	dateAsISO := boolFrom(cfg, "date_as_iso", true)

	rc := recalcFrom(inputs["recalc"])
	status := recalcSkipped
	if rc.enabled && rc.engine == engineLibreOffice {
		recalced, err := recalcLibreOffice(ctx.Ctx(), src, rc)
		if err != nil {
			return nil, err
		}
		src = workbookSource{name: src.name, bytes: recalced}
		status = recalcTwoPass
	}

	f, ok, err := openWorkbook(src)
	if err != nil {
		return nil, err
	}
	if !ok {
		return emptyReadResult(), nil
	}
	defer f.Close()

	calc := rc.enabled && rc.engine == engineFormula
	if calc {
		status = recalcFormula
	}

	targets := readTargets(f, cfg["sheets"], defaults)
	data := map[string]any{}
	counts := map[string]int{}
	for _, t := range targets {
		records, err := readSheet(f, t.name, t.cfg, dateAsISO, calc)
		if err != nil {
			return nil, err
		}
		data[t.name] = records
		counts[t.name] = len(records)
	}

	out := map[string]any{
		"data": data,
		"summary": map[string]any{
			"sheets": len(data),
			"rows":   counts,
			"recalc": map[string]any{"enabled": rc.enabled, "status": status},
			"mode":   mode,
		},
	}
	if mode == "single" {
		out["rows"] = singleRows(data, cfg["sheets"])
	}
	return out, nil
}

func emptyReadResult() map[string]any {
	return map[string]any{
		"data":    map[string]any{},
		"summary": map[string]any{"sheets": 0, "rows": map[string]int{}},
	}
}

// singleRows picks the row list surfaced at the top level in single
// mode: the one configured sheet when it was read, otherwise the only
// sheet present, otherwise empty.
func singleRows(data map[string]any, sheetsCfg any) []map[string]any {
	if list, ok := anySlice(sheetsCfg); ok && len(list) == 1 {
		if m, mok := list[0].(map[string]any); mok {
			if recs, rok := data[strOf(m["name"])].([]map[string]any); rok {
				return recs
			}
		}
	}
	if len(data) == 1 {
		for _, v := range data {
			if recs, ok := v.([]map[string]any); ok {
				return recs
			}
		}
	}
	return []map[string]any{}
}

type sheetConfig struct {
	headerRow int
	skipEmpty bool
	rng       string
}

type readTarget struct {
	name string
	cfg  sheetConfig
}

// readTargets resolves which sheets to read and their per-sheet
// overrides. Configured names missing from the workbook are dropped;
// no configuration means every sheet in workbook order.
func readTargets(f *excelize.File, sheetsCfg any, defaults sheetConfig) []readTarget {
	if list, ok := anySlice(sheetsCfg); ok && len(list) > 0 {
		targets := make([]readTarget, 0, len(list))
		for _, e := range list {
			m, mok := e.(map[string]any)
			if !mok {
				continue
			}
			name := strOf(m["name"])
			if name == "" || !sheetExists(f, name) {
				continue
			}
			sc := sheetConfig{
				headerRow: intFrom(m, "header_row", defaults.headerRow),
				skipEmpty: boolFrom(m, "skip_empty_rows", defaults.skipEmpty),
				rng:       strOf(m["range"]),
			}
			if sc.headerRow < 1 {
				sc.headerRow = defaults.headerRow
			}
			targets = append(targets, readTarget{name: name, cfg: sc})
		}
		return targets
	}
	names := f.GetSheetList()
	targets := make([]readTarget, 0, len(names))
	for _, n := range names {
		targets = append(targets, readTarget{name: n, cfg: defaults})
	}
	return targets
}

// readSheet reads one sheet into records. Row numbers are relative to
// the configured range when one is set, so header_row 1 means the
// first row of the range.
func readSheet(f *excelize.File, sheet string, cfg sheetConfig, dateAsISO, calc bool) ([]map[string]any, error) {
	matrix, err := sheetMatrix(f, sheet, cfg.rng, dateAsISO, calc)
	if err != nil {
		return nil, err
	}
	records := []map[string]any{}
	var headers []string
	for i, cells := range matrix {
		row := i + 1
		if row < cfg.headerRow {
			continue
		}
		if row == cfg.headerRow {
			headers = make([]string, len(cells))
			for k, c := range cells {
				headers[k] = headerName(c, k)
			}
			continue
		}
		if len(headers) == 0 {
			continue
		}
		if cfg.skipEmpty && blankRow(cells) {
			continue
		}
		rec := make(map[string]any, len(headers))
		for k, h := range headers {
			if k < len(cells) {
				rec[h] = cells[k]
			} else {
				rec[h] = nil
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// sheetMatrix materializes the cell values of the sheet's used range,
// or of an explicit A1-style range, as uniform-width rows.
func sheetMatrix(f *excelize.File, sheet, rng string, dateAsISO, calc bool) ([][]any, error) {
	var c1, r1, c2, r2 int
	if rng != "" {
		var err error
		c1, r1, c2, r2, err = parseCellRange(rng)
		if err != nil {
			return nil, blockerr.Newf(blockerr.CodeInputValidationFailed, "invalid range %q for sheet %s", rng, sheet).
				WithDetail("field", "range")
		}
	} else {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, wrapWriteErr(err)
		}
		if len(rows) == 0 {
			return nil, nil
		}
		c1, r1, r2 = 1, 1, len(rows)
		c2 = 1
		for _, r := range rows {
			if len(r) > c2 {
				c2 = len(r)
			}
		}
	}
	matrix := make([][]any, 0, r2-r1+1)
	for r := r1; r <= r2; r++ {
		cells := make([]any, 0, c2-c1+1)
		for c := c1; c <= c2; c++ {
			axis, _ := excelize.CoordinatesToCellName(c, r)
			v, err := cellValue(f, sheet, axis, dateAsISO, calc)
			if err != nil {
				return nil, err
			}
			cells = append(cells, v)
		}
		matrix = append(matrix, cells)
	}
	return matrix, nil
}

// cellValue extracts one cell as a typed value: bools, numbers, and
// strings come back as themselves, empty cells as nil, and date-styled
// numbers as ISO dates when dateAsISO is set. With calc the cell's
// formula, if any, is evaluated in process instead of trusting the
// cached value.
func cellValue(f *excelize.File, sheet, axis string, dateAsISO, calc bool) (any, error) {
	if calc {
		if formula, _ := f.GetCellFormula(sheet, axis); formula != "" {
			result, err := f.CalcCellValue(sheet, axis)
			if err != nil {
				return nil, blockerr.Newf(blockerr.CodeExternalAPIError, "formula evaluation failed at %s!%s", sheet, axis).
					WithDetail("cell", sheet+"!"+axis).
					WithDetail("error", err.Error()).
					WithRecoverable(false)
			}
			return coerceCalcResult(result), nil
		}
	}
	raw, err := f.GetCellValue(sheet, axis, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, wrapWriteErr(err)
	}
	typ, err := f.GetCellType(sheet, axis)
	if err != nil {
		return nil, wrapWriteErr(err)
	}
	switch typ {
	case excelize.CellTypeBool:
		return raw == "1", nil
	case excelize.CellTypeInlineString, excelize.CellTypeSharedString:
		if raw == "" {
			return nil, nil
		}
		return raw, nil
	case excelize.CellTypeError:
		return raw, nil
	}
	if raw == "" {
		return nil, nil
	}
	n, perr := strconv.ParseFloat(raw, 64)
	if perr != nil {
		return raw, nil
	}
	if isDateStyled(f, sheet, axis) {
		if t, derr := excelize.ExcelDateToTime(n, false); derr == nil {
			if dateAsISO {
				return t.Format("2006-01-02"), nil
			}
			return t, nil
		}
	}
	return n, nil
}

// coerceCalcResult types an evaluated formula result.
func coerceCalcResult(s string) any {
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	switch s {
	case "TRUE":
		return true
	case "FALSE":
		return false
	}
	return s
}

// isDateStyled reports whether the cell carries a date or time number
// format, builtin or custom.
func isDateStyled(f *excelize.File, sheet, axis string) bool {
	styleID, err := f.GetCellStyle(sheet, axis)
	if err != nil {
		return false
	}
	style, err := f.GetStyle(styleID)
	if err != nil || style == nil {
		return false
	}
	if isDateNumFmt(style.NumFmt) {
		return true
	}
	if style.CustomNumFmt != nil {
		return customFmtIsDate(*style.CustomNumFmt)
	}
	return false
}

// Builtin number formats Excel renders as dates or times.
func isDateNumFmt(id int) bool {
	switch {
	case id >= 14 && id <= 22:
		return true
	case id >= 27 && id <= 36:
		return true
	case id >= 45 && id <= 47:
		return true
	case id >= 50 && id <= 58:
		return true
	}
	return false
}

// customFmtIsDate scans a custom number format for date or time
// tokens, ignoring quoted literals and bracketed sections.
func customFmtIsDate(format string) bool {
	var b strings.Builder
	inQuote, inBracket := false, false
	for _, r := range format {
		switch {
		case r == '"':
			inQuote = !inQuote
		case inQuote:
		case r == '[':
			inBracket = true
		case r == ']':
			inBracket = false
		case inBracket:
		default:
			b.WriteRune(r)
		}
	}
	cleaned := strings.ReplaceAll(strings.ToLower(b.String()), "am/pm", "")
	return strings.ContainsAny(cleaned, "ymdh")
}

// headerName labels a header cell, substituting col<N> for blanks.
func headerName(v any, idx int) string {
	if v == nil {
		return fmt.Sprintf("col%d", idx+1)
	}
	s := coerce(v)
	if s == "" {
		return fmt.Sprintf("col%d", idx+1)
	}
	return s
}

func blankRow(cells []any) bool {
	for _, c := range cells {
		if c == nil {
			continue
		}
		if s, ok := c.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		return false
	}
	return true
}
