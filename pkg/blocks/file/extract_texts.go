package file

import (
	"encoding/base64"
	"os"

	"github.com/keiri-labs/keiri-engine/pkg/block"
	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
	"github.com/keiri-labs/keiri-engine/pkg/extract"
)

// ExtractTextsBlock pulls plain-text excerpts out of a list of
// documents. Each entry names its content as raw bytes, a filesystem
// path, or a base64 string; entries whose content cannot be resolved
// are dropped. A single character budget is shared across the whole
// list so one oversized document cannot starve the rest of the run.
type ExtractTextsBlock struct{}

func (ExtractTextsBlock) ID() string      { return "file.extract_texts" }
func (ExtractTextsBlock) Version() string { return "1.0.0" }

func (ExtractTextsBlock) Run(_ *block.Context, inputs map[string]any) (map[string]any, error) {
	list, err := block.Slice(inputs, "files")
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, blockerr.New(blockerr.CodeInputRequiredMissing, "files must not be empty").
			WithDetail("field", "files")
	}

	type doc struct {
		name string
		data []byte
	}
	var docs []doc
	for _, f := range list {
		m, ok := f.(map[string]any)
		if !ok {
			continue
		}
		name := strOf(m["name"])
		if name == "" {
			name = strOf(m["path"])
		}
		if name == "" {
			name = "document.txt"
		}
		raw := resolveContent(m)
		if raw == nil {
			continue
		}
		docs = append(docs, doc{name: name, data: raw})
	}

	remaining := extract.DefaultBudget
	outFiles := make([]any, 0, len(docs))
	for _, d := range docs {
		excerpt := ""
		if remaining > 0 {
			if texts := extract.Texts([]extract.File{{Name: d.name, Data: d.data}}, remaining); len(texts) > 0 {
				excerpt = texts[0]
				remaining -= len([]rune(excerpt))
			}
		}
		outFiles = append(outFiles, map[string]any{
			"name":         d.name,
			"ext":          extOf(d.name),
			"size":         len(d.data),
			"text_excerpt": excerpt,
		})
	}

	return map[string]any{"evidence": map[string]any{"files": outFiles}}, nil
}

// resolveContent tries the content sources in declaration order:
// bytes, path, base64. nil means nothing resolved.
func resolveContent(m map[string]any) []byte {
	switch b := m["bytes"].(type) {
	case []byte:
		return b
	case string:
		if content, err := os.ReadFile(b); err == nil {
			return content
		}
	}
	if p := strOf(m["path"]); p != "" {
		if content, err := os.ReadFile(p); err == nil {
			return content
		}
	}
	if s := strOf(m["base64"]); s != "" {
		if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
			return decoded
		}
	}
	return nil
}
