// Package dirstore provides primitives for directory-based entity stores.
// Each entity gets its own subdirectory holding a metadata JSON document
// plus whatever working directories the entity needs.
package dirstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DirStore manages a tree of per-entity directories under one base dir.
type DirStore struct {
	mu       sync.RWMutex
	baseDir  string
	metaName string // e.g. "task.json"
}

// NewDirStore creates a DirStore rooted at baseDir with the given metadata file name.
func NewDirStore(baseDir, metaName string) *DirStore {
	return &DirStore{baseDir: baseDir, metaName: metaName}
}

// Lock acquires an exclusive lock.
func (ds *DirStore) Lock() { ds.mu.Lock() }

// Unlock releases an exclusive lock.
func (ds *DirStore) Unlock() { ds.mu.Unlock() }

// RLock acquires a shared read lock.
func (ds *DirStore) RLock() { ds.mu.RLock() }

// RUnlock releases a shared read lock.
func (ds *DirStore) RUnlock() { ds.mu.RUnlock() }

// BaseDir returns the store's root directory.
func (ds *DirStore) BaseDir() string { return ds.baseDir }

// Dir returns the directory path for a given entity ID.
func (ds *DirStore) Dir(id string) string {
	return filepath.Join(ds.baseDir, id)
}

// FilePath returns the path to a named file within an entity's directory.
func (ds *DirStore) FilePath(id, name string) string {
	return filepath.Join(ds.baseDir, id, name)
}

// MetaPath returns the path to an entity's metadata document.
func (ds *DirStore) MetaPath(id string) string {
	return ds.FilePath(id, ds.metaName)
}

// EnsureDir creates the entity directory (and parents) if it doesn't exist.
func (ds *DirStore) EnsureDir(id string) error {
	if err := os.MkdirAll(ds.Dir(id), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	return nil
}

// EnsureSubdirs creates named working directories inside an entity's directory.
func (ds *DirStore) EnsureSubdirs(id string, names ...string) error {
	for _, name := range names {
		if err := os.MkdirAll(ds.FilePath(id, name), 0o755); err != nil {
			return fmt.Errorf("create subdir %s: %w", name, err)
		}
	}
	return nil
}

// RemoveDir removes the entity directory and all its contents.
func (ds *DirStore) RemoveDir(id string) error {
	return os.RemoveAll(ds.Dir(id))
}

// ListDirs returns the names of all subdirectories in baseDir.
func (ds *DirStore) ListDirs() ([]string, error) {
	entries, err := os.ReadDir(ds.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list dirs: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// WriteMeta atomically writes the metadata document using a temp file + rename.
func (ds *DirStore) WriteMeta(id string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}

	path := ds.MetaPath(id)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write meta tmp: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename meta: %w", err)
	}

	return nil
}

// ErrMetaNotFound reports a missing metadata document.
type ErrMetaNotFound struct{ ID string }

func (e *ErrMetaNotFound) Error() string { return "metadata not found: " + e.ID }

// ReadMeta reads and unmarshals the metadata document into out.
func (ds *DirStore) ReadMeta(id string, out any) error {
	data, err := os.ReadFile(ds.MetaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return &ErrMetaNotFound{ID: id}
		}
		return fmt.Errorf("read meta: %w", err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal meta: %w", err)
	}

	return nil
}
