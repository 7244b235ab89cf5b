package file

import (
	"encoding/base64"
	"os"
	"path/filepath"

	"github.com/keiri-labs/keiri-engine/pkg/block"
)

// EncodeBase64Block packages file bytes as transport-safe base64 with
// a resolved name and mime type, optionally as an RFC 2397 data URI.
// Missing content is not an error: the block emits an empty envelope
// so notification and report steps can still render a placeholder.
type EncodeBase64Block struct{}

func (EncodeBase64Block) ID() string      { return "file.encode_base64" }
func (EncodeBase64Block) Version() string { return "1.0.0" }

func (EncodeBase64Block) Run(_ *block.Context, inputs map[string]any) (map[string]any, error) {
	asDataURI, err := block.BoolOr(inputs, "as_data_uri", false)
	if err != nil {
		return nil, err
	}
	pathIn := strOf(inputs["path"])

	var raw []byte
	usedPath := ""
	switch d := inputs["data"].(type) {
	case []byte:
		raw = d
	case string:
		if content, rerr := os.ReadFile(d); rerr == nil {
			raw, usedPath = content, d
		}
	}
	if raw == nil && pathIn != "" {
		if content, rerr := os.ReadFile(pathIn); rerr == nil {
			raw, usedPath = content, pathIn
		}
	}
	if raw == nil {
		if f, ok := inputs["file"].([]byte); ok {
			raw = f
		}
	}

	name := strOf(inputs["name"])
	if name == "" {
		switch {
		case usedPath != "":
			name = filepath.Base(usedPath)
		case pathIn != "":
			name = pathIn
		default:
			name = "unknown"
		}
	}
	mimeType := strOf(inputs["mime_type"])
	if mimeType == "" {
		mimeType = guessMime(name)
	}

	b64 := base64.StdEncoding.EncodeToString(raw)
	encoded := map[string]any{
		"name":      name,
		"mime_type": mimeType,
		"size":      len(raw),
		"base64":    b64,
	}
	if asDataURI {
		encoded["data_uri"] = "data:" + mimeType + ";base64," + b64
	}
	return map[string]any{"encoded": encoded}, nil
}
