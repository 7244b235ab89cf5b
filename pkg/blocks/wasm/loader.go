package wasm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"
)

// Manifest describes one plugin version. Schemas are optional JSON
// Schema documents enforced by the engine like any other block spec.
type Manifest struct {
	ID           string          `json:"id"`
	Version      string          `json:"version"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

func (m *Manifest) validate(id, version string) error {
	if m.ID == "" || m.Version == "" {
		return fmt.Errorf("manifest missing id or version")
	}
	if m.ID != id {
		return fmt.Errorf("manifest id %q does not match directory %q", m.ID, id)
	}
	if m.Version != version {
		return fmt.Errorf("manifest version %q does not match directory %q", m.Version, version)
	}
	if _, err := semver.StrictNewVersion(m.Version); err != nil {
		return fmt.Errorf("manifest version %q is not semver: %w", m.Version, err)
	}
	return nil
}

// LoadDir discovers plugin blocks under dir, laid out as
// <id>/<version>/{manifest.json,block.wasm}. A malformed plugin is
// logged and skipped so one broken vendor drop cannot take out the
// whole catalogue. A missing dir yields an empty list.
func LoadDir(host *Host, dir string, log *slog.Logger) ([]*PluginBlock, error) {
	if log == nil {
		log = slog.Default().With("component", "wasm")
	}
	ids, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("wasm: read plugin dir %s: %w", dir, err)
	}

	var blocks []*PluginBlock
	for _, idEntry := range ids {
		if !idEntry.IsDir() {
			continue
		}
		id := idEntry.Name()
		versions, err := os.ReadDir(filepath.Join(dir, id))
		if err != nil {
			log.Warn("skipping unreadable plugin", "id", id, "error", err)
			continue
		}
		for _, verEntry := range versions {
			if !verEntry.IsDir() {
				continue
			}
			version := verEntry.Name()
			b, err := loadPlugin(host, filepath.Join(dir, id, version), id, version)
			if err != nil {
				log.Warn("skipping plugin", "id", id, "version", version, "error", err)
				continue
			}
			blocks = append(blocks, b)
		}
	}
	return blocks, nil
}

func loadPlugin(host *Host, pluginDir, id, version string) (*PluginBlock, error) {
	raw, err := os.ReadFile(filepath.Join(pluginDir, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.validate(id, version); err != nil {
		return nil, err
	}
	wasmPath := filepath.Join(pluginDir, "block.wasm")
	if _, err := os.Stat(wasmPath); err != nil {
		return nil, fmt.Errorf("missing block.wasm: %w", err)
	}
	return &PluginBlock{host: host, manifest: m, wasmPath: wasmPath}, nil
}
