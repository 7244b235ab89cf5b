package excel

import (
	"encoding/base64"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/keiri-labs/keiri-engine/pkg/block"
)

// WriteBlock is the planner-facing workbook writer. It applies three
// update shapes in order: direct cell assignments, columnar dumps of
// record values, and keyed row updates with optional highlight fill.
// A workbook that cannot be opened starts fresh instead of failing, so
// result sheets can be produced without a template.
type WriteBlock struct{}

func (WriteBlock) ID() string      { return "excel.write" }
func (WriteBlock) Version() string { return "1.0.0" }

func (WriteBlock) Run(_ *block.Context, inputs map[string]any) (map[string]any, error) {
	src := workbookFrom(inputs["workbook"])
	f, ok, err := openWorkbook(src)
	if err != nil || !ok {
		f = excelize.NewFile()
	}
	defer f.Close()

	w := &writer{f: f}
	if err := w.applyCellUpdates(opsOf(inputs["cell_updates"])); err != nil {
		return nil, err
	}
	if err := w.applyColumnUpdates(opsOf(inputs["column_updates"])); err != nil {
		return nil, err
	}
	if err := w.applyMatchUpdates(opsOf(inputs["match_updates"])); err != nil {
		return nil, err
	}

	out, err := saveWorkbook(f)
	if err != nil {
		return nil, err
	}
	var sheet any
	if w.lastSheet != "" {
		sheet = w.lastSheet
	}
	var name any
	if src.name != "" {
		name = src.name
	}
	return map[string]any{
		"write_summary": map[string]any{
			"rows_written":  w.rowsWritten,
			"sheet":         sheet,
			"workbook_name": name,
		},
		"workbook_updated": map[string]any{"name": name, "bytes": out},
		"workbook_b64":     base64.StdEncoding.EncodeToString(out),
	}, nil
}

type writer struct {
	f           *excelize.File
	rowsWritten int
	lastSheet   string
}

// targetSheet resolves or creates the op's sheet. A pristine single
// default sheet is renamed instead of left behind.
func (w *writer) targetSheet(name string) (string, error) {
	if name == "" {
		name = defaultWriteSheet
	}
	if sheetExists(w.f, name) {
		w.lastSheet = name
		return name, nil
	}
	sheets := w.f.GetSheetList()
	if len(sheets) == 1 && sheetMaxRow(w.f, sheets[0]) == 0 {
		if err := w.f.SetSheetName(sheets[0], name); err != nil {
			return "", wrapWriteErr(err)
		}
		w.lastSheet = name
		return name, nil
	}
	if _, err := w.f.NewSheet(name); err != nil {
		return "", wrapWriteErr(err)
	}
	w.lastSheet = name
	return name, nil
}

func (w *writer) applyCellUpdates(ops []map[string]any) error {
	for _, op := range ops {
		sheet, err := w.targetSheet(strOf(op["sheet"]))
		if err != nil {
			return err
		}
		cells := map[string]any{}
		if m, ok := op["cells"].(map[string]any); ok {
			for k, v := range m {
				cells[k] = v
			}
		}
		// Top-level A1-style keys are accepted as a shorthand.
		for k, v := range op {
			if _, taken := cells[k]; taken {
				continue
			}
			if _, _, cerr := excelize.CellNameToCoordinates(k); cerr == nil {
				cells[k] = v
			}
		}
		for addr, val := range cells {
			col, row, cerr := excelize.CellNameToCoordinates(strings.TrimSpace(addr))
			if cerr != nil {
				continue
			}
			axis, _ := excelize.CoordinatesToCellName(col, row)
			if err := w.f.SetCellValue(sheet, axis, val); err != nil {
				return wrapWriteErr(err)
			}
		}
	}
	return nil
}

func (w *writer) applyColumnUpdates(ops []map[string]any) error {
	for _, op := range ops {
		sheet, err := w.targetSheet(strOf(op["sheet"]))
		if err != nil {
			return err
		}
		headerRow := intFrom(op, "header_row", 1)
		if headerRow < 1 {
			headerRow = 1
		}
		startRow := intFrom(op, "start_row", 2)
		if startRow < 1 {
			startRow = 2
		}
		appendRows := boolFrom(op, "append", false)
		writeHeader := boolFrom(op, "write_header", true)
		clearExisting := boolFrom(op, "clear_existing", false)
		cols := columnDefs(op["columns"])
		records := asRecords(op["values"])

		if clearExisting && len(cols) > 0 {
			last := sheetMaxRow(w.f, sheet)
			for idx := 1; idx <= len(cols); idx++ {
				for r := startRow; r <= last; r++ {
					axis, _ := excelize.CoordinatesToCellName(idx, r)
					if err := w.f.SetCellValue(sheet, axis, nil); err != nil {
						return wrapWriteErr(err)
					}
				}
			}
		}
		if writeHeader && len(cols) > 0 {
			for idx, col := range cols {
				axis, _ := excelize.CoordinatesToCellName(idx+1, headerRow)
				if err := w.f.SetCellValue(sheet, axis, col.header); err != nil {
					return wrapWriteErr(err)
				}
			}
		}
		r := startRow
		if appendRows {
			letters := make([]string, 0, len(cols))
			for i := range cols {
				letter, _ := excelize.ColumnNumberToName(i + 1)
				letters = append(letters, letter)
			}
			if len(letters) == 0 {
				letters = []string{"A"}
			}
			if last := lastUsedRow(w.f, sheet, letters); last+1 > r {
				r = last + 1
			}
		}
		for _, rec := range records {
			for idx, col := range cols {
				axis, _ := excelize.CoordinatesToCellName(idx+1, r)
				if err := w.f.SetCellValue(sheet, axis, resolveValue(rec, col.path)); err != nil {
					return wrapWriteErr(err)
				}
			}
			r++
			w.rowsWritten++
		}
	}
	return nil
}

func (w *writer) applyMatchUpdates(ops []map[string]any) error {
	for _, op := range ops {
		sheet, err := w.targetSheet(strOf(op["sheet"]))
		if err != nil {
			return err
		}
		keyCol, kerr := excelize.ColumnNameToNumber(strOf(op["key_column"]))
		keyField := strOf(op["key_field"])
		if kerr != nil || keyField == "" {
			continue
		}
		startRow := intFrom(op, "start_row", 2)
		if startRow < 1 {
			startRow = 2
		}
		items := recordsOf(op["items"])
		updates, _ := op["update_columns"].(map[string]any)

		fillFrom, fillTo, hasFill := columnSpan(strOf(op["fill_range_columns"]))
		fillID := 0
		if hasFill {
			if fillID, err = fillStyle(w.f, strOf(op["fill_color"])); err != nil {
				return wrapWriteErr(err)
			}
		}

		maxRow := sheetMaxRow(w.f, sheet)
		for _, it := range items {
			key := strings.TrimSpace(coerce(it[keyField]))
			if key == "" {
				continue
			}
			targetRow := 0
			for r := startRow; r <= maxRow; r++ {
				axis, _ := excelize.CoordinatesToCellName(keyCol, r)
				if v, _ := w.f.GetCellValue(sheet, axis); strings.TrimSpace(v) == key {
					targetRow = r
					break
				}
			}
			if targetRow == 0 {
				continue
			}
			for field, letter := range updates {
				col, cerr := excelize.ColumnNameToNumber(coerce(letter))
				if cerr != nil {
					continue
				}
				axis, _ := excelize.CoordinatesToCellName(col, targetRow)
				if err := w.f.SetCellValue(sheet, axis, it[field]); err != nil {
					return wrapWriteErr(err)
				}
			}
			if hasFill {
				from, _ := excelize.CoordinatesToCellName(fillFrom, targetRow)
				to, _ := excelize.CoordinatesToCellName(fillTo, targetRow)
				if err := w.f.SetCellStyle(sheet, from, to, fillID); err != nil {
					return wrapWriteErr(err)
				}
			}
		}
	}
	return nil
}

type columnDef struct {
	header string
	path   string
}

// columnDefs normalizes the columns input: a {header: path} object,
// a list of {header, path} objects with field and key aliases, or bare
// path strings whose last segment becomes the header.
func columnDefs(v any) []columnDef {
	switch t := v.(type) {
	case map[string]any:
		out := make([]columnDef, 0, len(t))
		for header, p := range t {
			if path, ok := p.(string); ok && path != "" {
				out = append(out, columnDef{header: header, path: path})
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].header < out[j].header })
		return out
	case []any:
		out := make([]columnDef, 0, len(t))
		for _, e := range t {
			switch item := e.(type) {
			case map[string]any:
				header := firstString(item, "header", "title", "name")
				path := firstString(item, "path", "field", "key", "name")
				if path == "" {
					continue
				}
				if header == "" {
					header = lastSegment(path)
				}
				out = append(out, columnDef{header: header, path: path})
			case string:
				if item != "" {
					out = append(out, columnDef{header: lastSegment(item), path: item})
				}
			}
		}
		return out
	}
	return nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := strOf(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func lastSegment(path string) string {
	if i := strings.LastIndex(path, "."); i >= 0 {
		return path[i+1:]
	}
	return path
}

// resolveValue finds a record value by dotted path, case-insensitive
// on each segment. Bare keys also try the row_data and results
// wrappers before a bounded deep search, matching how result rows
// arrive wrapped from matching and control blocks.
func resolveValue(rec map[string]any, path string) any {
	if v := getByPath(rec, path); v != nil {
		return v
	}
	if !strings.Contains(path, ".") {
		for _, wrapper := range []string{"row_data", "results"} {
			if _, ok := rec[wrapper]; ok {
				if v := getByPath(rec, wrapper+"."+path); v != nil {
					return v
				}
			}
		}
	}
	return deepFind(rec, path, 3)
}

func getByPath(obj any, path string) any {
	cur := obj
	for _, seg := range strings.Split(path, ".") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			return nil
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		var next any
		found := false
		for k, v := range m {
			if strings.EqualFold(k, seg) {
				next, found = v, true
				break
			}
		}
		if !found {
			return nil
		}
		cur = next
	}
	return cur
}

func deepFind(obj any, key string, depth int) any {
	if depth < 0 {
		return nil
	}
	switch t := obj.(type) {
	case map[string]any:
		for k, v := range t {
			if strings.EqualFold(k, key) {
				return v
			}
		}
		for _, v := range t {
			if found := deepFind(v, key, depth-1); found != nil {
				return found
			}
		}
	case []any:
		for _, e := range t {
			if found := deepFind(e, key, depth-1); found != nil {
				return found
			}
		}
	}
	return nil
}
