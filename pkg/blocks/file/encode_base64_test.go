package file

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runEncode(t *testing.T, inputs map[string]any) map[string]any {
	t.Helper()
	out, err := EncodeBase64Block{}.Run(nil, inputs)
	require.NoError(t, err)
	encoded, ok := out["encoded"].(map[string]any)
	require.True(t, ok)
	return encoded
}

func TestEncodeBase64FromBytes(t *testing.T) {
	encoded := runEncode(t, map[string]any{
		"data": []byte("hello audit"),
		"name": "notes.txt",
	})
	assert.Equal(t, "notes.txt", encoded["name"])
	assert.Equal(t, "text/plain", encoded["mime_type"])
	assert.Equal(t, len("hello audit"), encoded["size"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("hello audit")), encoded["base64"])
	assert.NotContains(t, encoded, "data_uri")
}

func TestEncodeBase64FromPathWithDataURI(t *testing.T) {
	p := filepath.Join(t.TempDir(), "receipt.pdf")
	require.NoError(t, os.WriteFile(p, []byte("%PDF-1.4"), 0o644))

	encoded := runEncode(t, map[string]any{
		"path":        p,
		"as_data_uri": true,
	})
	assert.Equal(t, "receipt.pdf", encoded["name"])
	assert.Equal(t, "application/pdf", encoded["mime_type"])
	assert.Equal(t, 8, encoded["size"])

	b64 := base64.StdEncoding.EncodeToString([]byte("%PDF-1.4"))
	assert.Equal(t, b64, encoded["base64"])
	assert.Equal(t, "data:application/pdf;base64,"+b64, encoded["data_uri"])
}

func TestEncodeBase64DataStringIsAPath(t *testing.T) {
	p := filepath.Join(t.TempDir(), "inline.txt")
	require.NoError(t, os.WriteFile(p, []byte("from path"), 0o644))

	encoded := runEncode(t, map[string]any{"data": p})
	assert.Equal(t, "inline.txt", encoded["name"])
	assert.Equal(t, "text/plain", encoded["mime_type"])
	assert.Equal(t, len("from path"), encoded["size"])
}

func TestEncodeBase64FileFieldFallback(t *testing.T) {
	encoded := runEncode(t, map[string]any{"file": []byte("fb")})
	assert.Equal(t, "unknown", encoded["name"])
	assert.Equal(t, 2, encoded["size"])
}

func TestEncodeBase64NothingResolved(t *testing.T) {
	encoded := runEncode(t, map[string]any{
		"path":        "/definitely/missing/evidence.keiri",
		"as_data_uri": true,
	})
	assert.Equal(t, "/definitely/missing/evidence.keiri", encoded["name"])
	assert.Equal(t, "application/octet-stream", encoded["mime_type"])
	assert.Equal(t, 0, encoded["size"])
	assert.Equal(t, "", encoded["base64"])
	assert.Equal(t, "data:application/octet-stream;base64,", encoded["data_uri"])
}

func TestEncodeBase64ExplicitMimeWins(t *testing.T) {
	encoded := runEncode(t, map[string]any{
		"data":      []byte("x"),
		"name":      "x.txt",
		"mime_type": "text/weird",
	})
	assert.Equal(t, "text/weird", encoded["mime_type"])
}
