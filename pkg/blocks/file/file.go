// Package file implements the standard file blocks: archive parsing,
// document text extraction, and base64 packaging of evidence bytes.
package file

import (
	"mime"
	"path/filepath"
	"strings"
)

// Extensions the evidence flows rely on. Resolved ahead of the
// platform table so mime types stay stable across hosts.
var mimeByExt = map[string]string{
	".txt":  "text/plain",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".json": "application/json",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".zip":  "application/zip",
}

func guessMime(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return "application/octet-stream"
	}
	if t, ok := mimeByExt[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if i := strings.Index(t, ";"); i >= 0 {
			t = strings.TrimSpace(t[:i])
		}
		return t
	}
	return "application/octet-stream"
}

// extOf derives the lowercased extension from the final path segment.
func extOf(name string) string {
	base := name[strings.LastIndex(name, "/")+1:]
	if i := strings.LastIndex(base, "."); i >= 0 {
		return strings.ToLower(base[i:])
	}
	return ""
}

func strOf(v any) string {
	s, _ := v.(string)
	return s
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
