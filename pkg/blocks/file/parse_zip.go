package file

import (
	"archive/zip"
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/japanese"

	"github.com/keiri-labs/keiri-engine/pkg/block"
	"github.com/keiri-labs/keiri-engine/pkg/extract"
)

// excerptLimit caps the text excerpt stored per archive entry.
const excerptLimit = 2000

// parseZipMaxDepth is the deepest directory tier indexed. Entries
// nested further are audit noise (unpacked temp dirs, OS metadata)
// and are skipped.
const parseZipMaxDepth = 2

// ParseZip2TierBlock indexes an evidence archive up to two directory
// tiers deep. Every file entry is read, hashed, typed, and excerpted
// so downstream grouping and matching blocks can work from metadata
// without reopening the archive. A payload that is not a readable zip
// yields an empty evidence envelope rather than an error, keeping
// partial plan runs alive.
type ParseZip2TierBlock struct{}

func (ParseZip2TierBlock) ID() string      { return "file.parse_zip_2tier" }
func (ParseZip2TierBlock) Version() string { return "1.0.0" }

func (ParseZip2TierBlock) Run(_ *block.Context, inputs map[string]any) (map[string]any, error) {
	data := zipPayload(inputs["zip_bytes"])
	if len(data) == 0 {
		return emptyEvidence(0), nil
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return emptyEvidence(len(data)), nil
	}

	files := []any{}
	byDir := map[string]any{}
	for _, zf := range zr.File {
		name := decodeEntryName(zf)
		if strings.HasSuffix(name, "/") {
			top := strings.SplitN(strings.Trim(name, "/"), "/", 2)[0]
			if _, ok := byDir[top]; !ok && top != "" {
				byDir[top] = []any{}
			}
			continue
		}
		if strings.Count(name, "/") > parseZipMaxDepth {
			continue
		}

		base := name[strings.LastIndex(name, "/")+1:]
		var content []byte
		if rc, err := zf.Open(); err == nil {
			content, _ = io.ReadAll(rc)
			rc.Close()
		}

		sha := ""
		if len(content) > 0 {
			sum := sha1.Sum(content)
			sha = hex.EncodeToString(sum[:])
		}
		excerpt := ""
		if len(content) > 0 {
			if texts := extract.Texts([]extract.File{{Name: base, Data: content}}, extract.DefaultBudget); len(texts) > 0 {
				excerpt = truncateRunes(texts[0], excerptLimit)
			}
		}

		top, rel := "", base
		if i := strings.Index(name, "/"); i >= 0 {
			top, rel = name[:i], name[i+1:]
		}
		list, _ := byDir[top].([]any)
		byDir[top] = append(list, rel)

		mimeType := guessMime(base)
		entry := map[string]any{
			"path":         name,
			"name":         base,
			"size":         len(content),
			"ext":          extOf(base),
			"sha1":         sha,
			"text_excerpt": excerpt,
			"mime_type":    mimeType,
		}
		// Renderable evidence travels inline so report blocks can
		// embed it without touching the archive again.
		switch mimeType {
		case "image/png", "image/jpeg", "application/pdf":
			if len(content) > 0 {
				entry["base64"] = base64.StdEncoding.EncodeToString(content)
			}
		}
		files = append(files, entry)
	}

	return map[string]any{"evidence": map[string]any{
		"raw_size":    len(data),
		"total_files": len(files),
		"files":       files,
		"by_dir":      byDir,
	}}, nil
}

// zipPayload accepts in-process byte slices or base64 transport
// strings.
func zipPayload(v any) []byte {
	switch b := v.(type) {
	case []byte:
		return b
	case string:
		if decoded, err := base64.StdEncoding.DecodeString(b); err == nil {
			return decoded
		}
	}
	return nil
}

// decodeEntryName repairs archive entry names written without the
// UTF-8 flag. Windows tools commonly store Japanese names as
// Shift_JIS, which the reader surfaces as raw bytes.
func decodeEntryName(f *zip.File) string {
	if utf8.ValidString(f.Name) {
		return f.Name
	}
	if decoded, err := japanese.ShiftJIS.NewDecoder().String(f.Name); err == nil {
		return decoded
	}
	return f.Name
}

func emptyEvidence(rawSize int) map[string]any {
	return map[string]any{"evidence": map[string]any{
		"raw_size":    rawSize,
		"total_files": 0,
		"files":       []any{},
		"by_dir":      map[string]any{},
	}}
}
