package excel

import (
	"encoding/base64"
	"regexp"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/keiri-labs/keiri-engine/pkg/block"
)

// UpdateWorkbookBlock applies an ordered list of workbook operations:
// sheet management (add, copy, move), cell and formula writes, table
// and row appends, row inserts, conditional variants, range clears,
// fills, and keyed row updates. Unknown operation types are ignored so
// plans stay forward compatible with newer op sets.
type UpdateWorkbookBlock struct{}

func (UpdateWorkbookBlock) ID() string      { return "excel.update_workbook" }
func (UpdateWorkbookBlock) Version() string { return "1.0.0" }

func (UpdateWorkbookBlock) Run(_ *block.Context, inputs map[string]any) (map[string]any, error) {
	src := workbookFrom(inputs["workbook"])
	f, ok, err := openWorkbook(src)
	if err != nil {
		return nil, err
	}
	if !ok {
		f = excelize.NewFile()
	}
	defer f.Close()

	u := &updater{f: f}
	ops := opsOf(inputs["operations"])
	for _, op := range ops {
		if err := u.apply(op); err != nil {
			return nil, err
		}
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
		"workbook_updated": map[string]any{"name": name, "bytes": out},
		"workbook_b64":     base64.StdEncoding.EncodeToString(out),
		"summary": map[string]any{
			"operations":      len(ops),
			"cells_updated":   u.cellsUpdated,
			"cells_formatted": u.cellsFormatted,
			"rows_updated":    u.rowsUpdated,
		},
	}, nil
}

type updater struct {
	f              *excelize.File
	cellsUpdated   int
	cellsFormatted int
	rowsUpdated    int
}

func (u *updater) apply(op map[string]any) error {
	switch strings.TrimSpace(strOf(op["type"])) {
	case "add_sheet":
		return u.addSheet(op)
	case "copy_sheet":
		return u.copySheet(op)
	case "move_sheet":
		return u.moveSheet(op)
	case "update_cells":
		return u.updateCells(op, true)
	case "update_cells_if":
		return u.updateCells(op, boolFrom(op, "condition", true))
	case "update_formula":
		return u.updateFormula(op)
	case "update_formula_range":
		return u.updateFormulaRange(op)
	case "replace_in_formulas":
		return u.replaceInFormulas(op)
	case "append_table":
		return u.appendTable(op)
	case "append_rows_bottom":
		return u.appendRowsBottom(op)
	case "insert_rows":
		return u.insertRows(op)
	case "clear_cells":
		return u.clearCells(op, true)
	case "clear_cells_if":
		return u.clearCells(op, boolFrom(op, "condition", false))
	case "format_cells":
		return u.formatCells(op)
	case "update_rows_by_match":
		return u.updateRowsByMatch(op)
	}
	return nil
}

// sheet resolves the op's target sheet, creating it on demand.
func (u *updater) sheet(op map[string]any) (string, error) {
	name := strOf(op["sheet_name"])
	if name == "" {
		name = defaultWriteSheet
	}
	if err := ensureSheet(u.f, name); err != nil {
		return "", wrapWriteErr(err)
	}
	return name, nil
}

func (u *updater) addSheet(op map[string]any) error {
	name := strOf(op["sheet_name"])
	if name == "" {
		name = "Sheet1"
	}
	if err := ensureSheet(u.f, name); err != nil {
		return wrapWriteErr(err)
	}
	return nil
}

func (u *updater) copySheet(op map[string]any) error {
	src := strOf(op["sheet_name"])
	dst := strOf(op["target"])
	if src == "" || dst == "" || !sheetExists(u.f, src) {
		return nil
	}
	from, err := u.f.GetSheetIndex(src)
	if err != nil {
		return wrapWriteErr(err)
	}
	to, err := u.f.NewSheet(dst)
	if err != nil {
		return wrapWriteErr(err)
	}
	if err := u.f.CopySheet(from, to); err != nil {
		return wrapWriteErr(err)
	}
	return u.placeSheet(dst, op, false)
}

func (u *updater) moveSheet(op map[string]any) error {
	name := strOf(op["sheet_name"])
	if name == "" || !sheetExists(u.f, name) {
		return nil
	}
	return u.placeSheet(name, op, true)
}

// placeSheet honors the optional placement hints index, position
// first/last, before, and after. moveDefault forces move-to-end when
// no hint is present, which is what a bare move_sheet means.
func (u *updater) placeSheet(name string, op map[string]any, moveDefault bool) error {
	list := u.f.GetSheetList()
	rest := make([]string, 0, len(list))
	for _, s := range list {
		if s != name {
			rest = append(rest, s)
		}
	}
	if len(rest) == 0 {
		return nil
	}
	move := func(target string) error {
		if target == name {
			return nil
		}
		if err := u.f.MoveSheet(name, target); err != nil {
			return wrapWriteErr(err)
		}
		return nil
	}
	// MoveSheet only places before a target, so landing last takes two
	// hops: behind the current tail, then the tail back in front.
	toEnd := func() error {
		if list[len(list)-1] == name {
			return nil
		}
		tail := rest[len(rest)-1]
		if err := move(tail); err != nil {
			return err
		}
		if err := u.f.MoveSheet(tail, name); err != nil {
			return wrapWriteErr(err)
		}
		return nil
	}
	switch op["index"].(type) {
	case int, int64, float64:
		i := intFrom(op, "index", 0)
		if i < 0 {
			i = 0
		}
		if i >= len(rest) {
			return toEnd()
		}
		return move(rest[i])
	}
	switch strings.ToLower(strings.TrimSpace(strOf(op["position"]))) {
	case "first":
		return move(list[0])
	case "last":
		return toEnd()
	}
	if before := strOf(op["before"]); before != "" && sheetExists(u.f, before) {
		return move(before)
	}
	if after := strOf(op["after"]); after != "" && sheetExists(u.f, after) {
		for i, s := range rest {
			if s == after {
				if i+1 < len(rest) {
					return move(rest[i+1])
				}
				return toEnd()
			}
		}
		return nil
	}
	if moveDefault {
		return toEnd()
	}
	return nil
}

func (u *updater) updateCells(op map[string]any, cond bool) error {
	if !cond {
		return nil
	}
	sheet, err := u.sheet(op)
	if err != nil {
		return err
	}
	cells, _ := op["cells"].(map[string]any)
	if len(cells) == 0 && op["target"] != nil {
		cells = map[string]any{coerce(op["target"]): op["data"]}
	}
	for addr, val := range cells {
		col, row, cerr := excelize.CellNameToCoordinates(strings.TrimSpace(addr))
		if cerr != nil {
			continue
		}
		axis, _ := excelize.CoordinatesToCellName(col, row)
		if err := u.f.SetCellValue(sheet, axis, val); err != nil {
			return wrapWriteErr(err)
		}
		u.cellsUpdated++
	}
	return nil
}

func (u *updater) updateFormula(op map[string]any) error {
	sheet, err := u.sheet(op)
	if err != nil {
		return err
	}
	cells, _ := op["cells"].(map[string]any)
	for addr, formula := range cells {
		col, row, cerr := excelize.CellNameToCoordinates(strings.TrimSpace(addr))
		if cerr != nil {
			continue
		}
		axis, _ := excelize.CoordinatesToCellName(col, row)
		if err := u.f.SetCellFormula(sheet, axis, strings.TrimPrefix(coerce(formula), "=")); err != nil {
			return wrapWriteErr(err)
		}
		u.cellsUpdated++
	}
	return nil
}

func (u *updater) updateFormulaRange(op map[string]any) error {
	if !boolFrom(op, "condition", true) {
		return nil
	}
	sheet, err := u.sheet(op)
	if err != nil {
		return err
	}
	rng := strings.TrimSpace(strOf(op["range"]))
	template := strings.TrimPrefix(coerce(op["template"]), "=")
	if rng == "" || template == "" {
		return nil
	}
	cells, rerr := u.rangeCells(sheet, rng)
	if rerr != nil {
		return nil
	}
	for _, axis := range cells {
		if err := u.f.SetCellFormula(sheet, axis, template); err != nil {
			return wrapWriteErr(err)
		}
		u.cellsUpdated++
	}
	return nil
}

func (u *updater) replaceInFormulas(op map[string]any) error {
	if !boolFrom(op, "condition", true) {
		return nil
	}
	sheet, err := u.sheet(op)
	if err != nil {
		return err
	}
	rng := strings.TrimSpace(strOf(op["range"]))
	search, hasSearch := op["search"]
	replace, hasReplace := op["replace"]
	if rng == "" || !hasSearch || !hasReplace {
		return nil
	}
	useRegex := boolFrom(op, "regex", false)
	matchCase := boolFrom(op, "match_case", true)

	needle := coerce(search)
	repl := coerce(replace)
	var pattern *regexp.Regexp
	if useRegex || !matchCase {
		expr := needle
		if !useRegex {
			expr = regexp.QuoteMeta(needle)
		}
		if !matchCase {
			expr = "(?i)" + expr
		}
		// An uncompilable expression degrades to a literal replace.
		pattern, _ = regexp.Compile(expr)
	}

	cells, rerr := u.rangeCells(sheet, rng)
	if rerr != nil {
		return nil
	}
	for _, axis := range cells {
		formula, _ := u.f.GetCellFormula(sheet, axis)
		if formula != "" {
			if next := replaceText(formula, needle, repl, pattern); next != formula {
				if err := u.f.SetCellFormula(sheet, axis, next); err != nil {
					return wrapWriteErr(err)
				}
				u.cellsUpdated++
			}
			continue
		}
		val, _ := u.f.GetCellValue(sheet, axis)
		if val == "" {
			continue
		}
		if next := replaceText(val, needle, repl, pattern); next != val {
			if err := u.f.SetCellValue(sheet, axis, next); err != nil {
				return wrapWriteErr(err)
			}
			u.cellsUpdated++
		}
	}
	return nil
}

func replaceText(s, needle, repl string, pattern *regexp.Regexp) string {
	if pattern != nil {
		return pattern.ReplaceAllString(s, repl)
	}
	return strings.ReplaceAll(s, needle, repl)
}

func (u *updater) appendTable(op map[string]any) error {
	sheet, err := u.sheet(op)
	if err != nil {
		return err
	}
	target := strings.TrimSpace(coerce(op["target"]))
	col0, row0, cerr := excelize.CellNameToCoordinates(target)
	if target == "" || cerr != nil {
		col0, row0 = 1, 1
	}
	records := asRecords(op["data"])
	if len(records) == 0 {
		return nil
	}
	headers := recordHeaders(records[0])
	for j, h := range headers {
		axis, _ := excelize.CoordinatesToCellName(col0+j, row0)
		if err := u.f.SetCellValue(sheet, axis, h); err != nil {
			return wrapWriteErr(err)
		}
	}
	for i, rec := range records {
		for j, h := range headers {
			axis, _ := excelize.CoordinatesToCellName(col0+j, row0+1+i)
			if err := u.f.SetCellValue(sheet, axis, rec[h]); err != nil {
				return wrapWriteErr(err)
			}
		}
	}
	u.cellsUpdated += len(records)
	return nil
}

// recordHeaders orders a record's keys for tabular output. Go maps are
// unordered, so headers are sorted.
func recordHeaders(rec map[string]any) []string {
	headers := make([]string, 0, len(rec))
	for k := range rec {
		headers = append(headers, k)
	}
	sort.Strings(headers)
	return headers
}

func (u *updater) appendRowsBottom(op map[string]any) error {
	sheet, err := u.sheet(op)
	if err != nil {
		return err
	}
	colMap, _ := op["columns"].(map[string]any)
	fields := make([]string, 0, len(colMap))
	for field := range colMap {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	letters := make([]string, 0, len(fields))
	for _, field := range fields {
		if letter := coerce(colMap[field]); letter != "" {
			letters = append(letters, letter)
		}
	}

	start := sheetMaxRow(u.f, sheet)
	if len(letters) > 0 {
		start = lastUsedRow(u.f, sheet, letters)
	}
	if start < 1 {
		start = 1
	}
	start++

	rows, ok := anySlice(op["rows"])
	if !ok {
		return nil
	}
	for offset, item := range rows {
		r := start + offset
		switch it := item.(type) {
		case map[string]any:
			for _, field := range fields {
				col, cerr := excelize.ColumnNameToNumber(coerce(colMap[field]))
				if cerr != nil {
					continue
				}
				axis, _ := excelize.CoordinatesToCellName(col, r)
				if err := u.f.SetCellValue(sheet, axis, it[field]); err != nil {
					return wrapWriteErr(err)
				}
				u.cellsUpdated++
			}
		case []any:
			for i, field := range fields {
				if i >= len(it) {
					break
				}
				col, cerr := excelize.ColumnNameToNumber(coerce(colMap[field]))
				if cerr != nil {
					continue
				}
				axis, _ := excelize.CoordinatesToCellName(col, r)
				if err := u.f.SetCellValue(sheet, axis, it[i]); err != nil {
					return wrapWriteErr(err)
				}
				u.cellsUpdated++
			}
		}
	}
	return nil
}

func (u *updater) insertRows(op map[string]any) error {
	sheet, err := u.sheet(op)
	if err != nil {
		return err
	}
	start := intFrom(op, "start_row", 2)
	if start < 1 {
		start = 2
	}
	count := intFrom(op, "count", 1)
	if count < 1 {
		count = 1
	}
	if err := u.f.InsertRows(sheet, start, count); err != nil {
		return wrapWriteErr(err)
	}
	return nil
}

func (u *updater) clearCells(op map[string]any, cond bool) error {
	if !cond {
		return nil
	}
	sheet, err := u.sheet(op)
	if err != nil {
		return err
	}
	targets, ok := anySlice(op["targets"])
	if !ok && op["targets"] != nil {
		targets = []any{op["targets"]}
	}
	for _, t := range targets {
		col, row, cerr := excelize.CellNameToCoordinates(strings.TrimSpace(coerce(t)))
		if cerr != nil {
			continue
		}
		axis, _ := excelize.CoordinatesToCellName(col, row)
		if err := u.f.SetCellFormula(sheet, axis, ""); err != nil {
			return wrapWriteErr(err)
		}
		if err := u.f.SetCellValue(sheet, axis, nil); err != nil {
			return wrapWriteErr(err)
		}
		u.cellsUpdated++
	}
	return nil
}

func (u *updater) formatCells(op map[string]any) error {
	sheet, err := u.sheet(op)
	if err != nil {
		return err
	}
	ranges, ok := anySlice(op["ranges"])
	if !ok && op["ranges"] != nil {
		ranges = []any{op["ranges"]}
	}
	fillCfg, _ := op["fill"].(map[string]any)
	styleID, serr := fillStyle(u.f, strOf(fillCfg["color"]))
	if serr != nil {
		return wrapWriteErr(serr)
	}
	for _, r := range ranges {
		rng := strings.TrimSpace(coerce(r))
		if rng == "" {
			continue
		}
		c1, r1, c2, r2, perr := parseCellRange(rng)
		if perr != nil {
			continue
		}
		from, _ := excelize.CoordinatesToCellName(c1, r1)
		to, _ := excelize.CoordinatesToCellName(c2, r2)
		if err := u.f.SetCellStyle(sheet, from, to, styleID); err != nil {
			return wrapWriteErr(err)
		}
		u.cellsFormatted += (c2 - c1 + 1) * (r2 - r1 + 1)
	}
	return nil
}

func (u *updater) updateRowsByMatch(op map[string]any) error {
	sheet, err := u.sheet(op)
	if err != nil {
		return err
	}
	keyHeader := coerce(op["key"])
	if keyHeader == "" {
		keyHeader = coerce(op["match_header"])
	}
	keyLetter := coerce(op["key_column"])
	if keyLetter == "" {
		keyLetter = coerce(op["match_column"])
	}
	items := recordsOf(op["items"])
	updateFields, _ := op["update_fields"].(map[string]any)
	updateColumns, _ := op["update_columns"].(map[string]any)

	fillFrom, fillTo, hasFill := columnSpan(strOf(op["fill_range_columns"]))
	fillID := 0
	if hasFill {
		if fillID, err = fillStyle(u.f, strOf(op["fill_color"])); err != nil {
			return wrapWriteErr(err)
		}
	}

	rows, rerr := u.f.GetRows(sheet)
	if rerr != nil {
		return wrapWriteErr(rerr)
	}
	maxRow := len(rows)
	headerRow := intFrom(op, "header_row", 0)
	if headerRow < 1 {
		headerRow = detectHeaderRow(rows, keyHeader)
	}

	// With an explicit key column the header row is not consulted, so
	// update_fields has nothing to resolve against and only letter
	// mappings apply.
	headerMap := map[string]int{}
	keyCol := 0
	if keyLetter != "" {
		if c, cerr := excelize.ColumnNameToNumber(keyLetter); cerr == nil {
			keyCol = c
		}
	}
	if keyCol == 0 {
		if headerRow >= 1 && headerRow <= len(rows) {
			for c, cell := range rows[headerRow-1] {
				if name := strings.TrimSpace(cell); name != "" {
					headerMap[name] = c + 1
				}
			}
		}
		keyCol = headerMap[strings.TrimSpace(keyHeader)]
	}
	if keyCol == 0 {
		return nil
	}

	for _, it := range items {
		key := strings.TrimSpace(coerce(it[keyHeader]))
		if key == "" {
			continue
		}
		target := 0
		for r := headerRow + 1; r <= maxRow; r++ {
			axis, _ := excelize.CoordinatesToCellName(keyCol, r)
			if v, _ := u.f.GetCellValue(sheet, axis); strings.TrimSpace(v) == key {
				target = r
				break
			}
		}
		if target == 0 {
			continue
		}
		for field, header := range updateFields {
			col := headerMap[strings.TrimSpace(coerce(header))]
			if col == 0 {
				continue
			}
			axis, _ := excelize.CoordinatesToCellName(col, target)
			if err := u.f.SetCellValue(sheet, axis, it[field]); err != nil {
				return wrapWriteErr(err)
			}
			u.rowsUpdated++
		}
		for field, letter := range updateColumns {
			col, cerr := excelize.ColumnNameToNumber(coerce(letter))
			if cerr != nil {
				continue
			}
			axis, _ := excelize.CoordinatesToCellName(col, target)
			if err := u.f.SetCellValue(sheet, axis, it[field]); err != nil {
				return wrapWriteErr(err)
			}
			u.rowsUpdated++
		}
		if hasFill {
			from, _ := excelize.CoordinatesToCellName(fillFrom, target)
			to, _ := excelize.CoordinatesToCellName(fillTo, target)
			if err := u.f.SetCellStyle(sheet, from, to, fillID); err != nil {
				return wrapWriteErr(err)
			}
			u.cellsFormatted += fillTo - fillFrom + 1
		}
	}
	return nil
}

// detectHeaderRow scans the first fifty rows for the key header and
// falls back to row one.
func detectHeaderRow(rows [][]string, keyHeader string) int {
	if keyHeader == "" {
		return 1
	}
	limit := len(rows)
	if limit > 50 {
		limit = 50
	}
	for i := 0; i < limit; i++ {
		for _, cell := range rows[i] {
			if strings.TrimSpace(cell) == keyHeader {
				return i + 1
			}
		}
	}
	return 1
}

// rangeCells expands "A1:C10", a column span like "K:K", or a single
// cell into cell names. Column spans cover the used rows.
func (u *updater) rangeCells(sheet, rng string) ([]string, error) {
	if from, to, ok := columnSpan(rng); ok {
		maxRow := sheetMaxRow(u.f, sheet)
		cells := make([]string, 0, (to-from+1)*maxRow)
		for c := from; c <= to; c++ {
			for r := 1; r <= maxRow; r++ {
				axis, _ := excelize.CoordinatesToCellName(c, r)
				cells = append(cells, axis)
			}
		}
		return cells, nil
	}
	c1, r1, c2, r2, err := parseCellRange(rng)
	if err != nil {
		return nil, err
	}
	cells := make([]string, 0, (c2-c1+1)*(r2-r1+1))
	for r := r1; r <= r2; r++ {
		for c := c1; c <= c2; c++ {
			axis, _ := excelize.CoordinatesToCellName(c, r)
			cells = append(cells, axis)
		}
	}
	return cells, nil
}
