// Package archive replicates vault backups to offsite storage.
// Backends share one contract; the filesystem store is the default,
// S3 and GCS cover deployments with an object-storage mandate.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store is the offsite archive contract. Put is idempotent per name:
// re-archiving an identical snapshot is a no-op, a different payload
// under the same name is rejected.
type Store interface {
	// Put uploads a backup snapshot and returns its hex SHA-256.
	Put(ctx context.Context, name string, data []byte) (string, error)
	// Get downloads a snapshot by name.
	Get(ctx context.Context, name string) ([]byte, error)
	// Exists reports whether a snapshot is already archived.
	Exists(ctx context.Context, name string) (bool, error)
	// Delete removes a snapshot. Deleting a missing snapshot is not an
	// error.
	Delete(ctx context.Context, name string) error
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// validName rejects names that could escape the archive prefix.
func validName(name string) error {
	if name == "" {
		return fmt.Errorf("archive: snapshot name is empty")
	}
	if strings.HasPrefix(name, "/") || strings.Contains(name, "..") {
		return fmt.Errorf("archive: invalid snapshot name %q", name)
	}
	return nil
}

// FSStore keeps archived snapshots in a local or mounted directory.
type FSStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFSStore creates the archive directory if needed.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: ensure dir: %w", err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

func (s *FSStore) Put(_ context.Context, name string, data []byte) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := contentHash(data)
	path := filepath.Join(s.baseDir, name)

	if existing, err := os.ReadFile(path); err == nil {
		if contentHash(existing) != hash {
			return "", fmt.Errorf("archive: snapshot %s already exists with different content", name)
		}
		return hash, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("archive: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("archive: commit snapshot: %w", err)
	}
	return hash, nil
}

func (s *FSStore) Get(_ context.Context, name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.baseDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("archive: snapshot not found: %s", name)
		}
		return nil, fmt.Errorf("archive: read snapshot: %w", err)
	}
	return data, nil
}

func (s *FSStore) Exists(_ context.Context, name string) (bool, error) {
	if err := validName(name); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(filepath.Join(s.baseDir, name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("archive: stat snapshot: %w", err)
}

func (s *FSStore) Delete(_ context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.baseDir, name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("archive: delete snapshot: %w", err)
	}
	return nil
}

// ArchiveFile reads a local file (typically a vault backup) and
// uploads it under its base name. Returns the snapshot name and hash.
func ArchiveFile(ctx context.Context, store Store, path string) (string, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("archive: read %s: %w", path, err)
	}
	name := filepath.Base(path)
	hash, err := store.Put(ctx, name, data)
	if err != nil {
		return "", "", err
	}
	return name, hash, nil
}
