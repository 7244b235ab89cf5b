// Package extract pulls plain text out of heterogeneous document
// bytes. Extraction is best-effort: a file that cannot be parsed
// yields an empty string and is dropped from the result, never an
// error. Output is bounded by a total character budget so a stack of
// scanned contracts cannot blow up a downstream prompt or index.
package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
)

// DefaultBudget is the total character budget when the caller does
// not supply one.
const DefaultBudget = 100_000

const (
	maxPDFPages   = 20
	maxXLSXSheets = 2
	maxXLSXRows   = 50
)

// File is one named input document.
type File struct {
	Name string
	Data []byte
}

// Texts extracts plain text from each file in order, dispatching on
// the lowercased extension. Unknown extensions are decoded as UTF-8.
// Empty extractions are dropped. The cumulative output never exceeds
// budget characters; the file that crosses the budget is truncated
// and iteration stops there.
func Texts(files []File, budget int) []string {
	out := []string{}
	if budget <= 0 {
		return out
	}
	total := 0
	for _, f := range files {
		text := one(f.Name, f.Data)
		if text == "" {
			continue
		}
		runes := []rune(text)
		if total+len(runes) > budget {
			runes = runes[:budget-total]
			text = string(runes)
			if text == "" {
				break
			}
		}
		out = append(out, text)
		total += len(runes)
		if total >= budget {
			break
		}
	}
	return out
}

func one(name string, data []byte) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".md":
		return utf8Text(data)
	case ".pdf":
		return pdfText(data)
	case ".docx":
		return docxText(data)
	case ".xlsx":
		return xlsxText(data)
	default:
		return utf8Text(data)
	}
}

// utf8Text decodes bytes as UTF-8, dropping invalid sequences.
func utf8Text(data []byte) string {
	return strings.ToValidUTF8(string(data), "")
}

// pdfText reads up to maxPDFPages pages. The pdf reader panics on
// some malformed files, so the whole call is fenced.
func pdfText(data []byte) (text string) {
	defer func() {
		if recover() != nil {
			text = ""
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return ""
	}
	pages := r.NumPage()
	if pages > maxPDFPages {
		pages = maxPDFPages
	}
	var sb strings.Builder
	for i := 1; i <= pages; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		s, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(s)
	}
	return sb.String()
}

// docxText concatenates paragraph text from word/document.xml. A docx
// is a zip; w:p elements are paragraphs, w:t elements carry the runs.
func docxText(data []byte) string {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return ""
	}
	var doc *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return ""
	}
	rc, err := doc.Open()
	if err != nil {
		return ""
	}
	defer rc.Close()

	var (
		paragraphs []string
		current    strings.Builder
		inText     bool
	)
	dec := xml.NewDecoder(rc)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return ""
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				current.WriteString("\t")
			case "br":
				current.WriteString("\n")
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				paragraphs = append(paragraphs, current.String())
				current.Reset()
			}
		case xml.CharData:
			if inText {
				current.Write(t)
			}
		}
	}
	return strings.Join(paragraphs, "\n")
}

// xlsxText flattens the first sheets into comma-joined row lines.
func xlsxText(data []byte) string {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) > maxXLSXSheets {
		sheets = sheets[:maxXLSXSheets]
	}
	var lines []string
	for _, sheet := range sheets {
		rows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}
		if len(rows) > maxXLSXRows {
			rows = rows[:maxXLSXRows]
		}
		for _, row := range rows {
			vals := make([]string, 0, len(row))
			for _, cell := range row {
				if cell != "" {
					vals = append(vals, cell)
				}
			}
			if len(vals) > 0 {
				lines = append(lines, strings.Join(vals, ","))
			}
		}
	}
	return strings.Join(lines, "\n")
}
