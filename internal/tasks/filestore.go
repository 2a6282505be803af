package tasks

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkgferry/pkgferry/internal/storage/dirstore"
)

const (
	metaFileName = "task.json"
	uploadsDir   = "uploads"
	npmDirName   = "npm-packages"
	pypiDirName  = "python-packages"
)

// FileStore persists tasks as directories holding task.json plus the
// uploads/ and per-ecosystem package directories. An in-memory cache
// mirrors the durable records; disk is the source of truth for recovery.
type FileStore struct {
	ds    *dirstore.DirStore
	cache map[string]*Task
}

// NewFileStore creates a FileStore rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{
		ds:    dirstore.NewDirStore(baseDir, metaFileName),
		cache: make(map[string]*Task),
	}
}

// Create allocates a new task: directory tree and record are created together.
func (fs *FileStore) Create(files []string, opts Options) (*Task, error) {
	fs.ds.Lock()
	defer fs.ds.Unlock()

	t := &Task{
		ID:        GenerateTaskID(),
		Status:    StatusCreated,
		Files:     append([]string(nil), files...),
		Options:   opts,
		CreatedAt: time.Now(),
	}

	if err := fs.ds.EnsureDir(t.ID); err != nil {
		return nil, &StorageError{Op: "create task dir", Err: err}
	}
	if err := fs.ds.EnsureSubdirs(t.ID, uploadsDir, npmDirName, pypiDirName); err != nil {
		_ = fs.ds.RemoveDir(t.ID)
		return nil, &StorageError{Op: "create task subdirs", Err: err}
	}
	if err := fs.ds.WriteMeta(t.ID, t); err != nil {
		_ = fs.ds.RemoveDir(t.ID)
		return nil, &StorageError{Op: "persist task", Err: err}
	}

	fs.cache[t.ID] = t
	slog.Info("task created", "task_id", t.ID, "files", len(files))
	return t.Clone(), nil
}

// Get returns a task snapshot, loading the durable record when uncached.
func (fs *FileStore) Get(id string) (*Task, error) {
	fs.ds.Lock()
	defer fs.ds.Unlock()

	t, err := fs.load(id)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// load returns the cached record, reading it from disk on a miss.
// Caller must hold the store lock.
func (fs *FileStore) load(id string) (*Task, error) {
	if t, ok := fs.cache[id]; ok {
		return t, nil
	}

	var t Task
	if err := fs.ds.ReadMeta(id, &t); err != nil {
		var nf *dirstore.ErrMetaNotFound
		if errors.As(err, &nf) {
			return nil, ErrNotFound
		}
		return nil, &StorageError{Op: "load task", Err: err}
	}

	fs.cache[id] = &t
	return &t, nil
}

// Update applies mutate under the store lock and re-persists synchronously.
func (fs *FileStore) Update(id string, mutate func(*Task)) (*Task, error) {
	fs.ds.Lock()
	defer fs.ds.Unlock()

	t, err := fs.load(id)
	if err != nil {
		return nil, err
	}

	mutate(t)

	if err := fs.ds.WriteMeta(id, t); err != nil {
		return nil, &StorageError{Op: "persist task", Err: err}
	}
	return t.Clone(), nil
}

// List returns one page of tasks sorted by CreatedAt descending.
func (fs *FileStore) List(page, size int) ([]*Task, int, error) {
	fs.ds.Lock()
	defer fs.ds.Unlock()

	all := make([]*Task, 0, len(fs.cache))
	for _, t := range fs.cache {
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	if page < 1 || size < 1 {
		return nil, total, nil
	}
	start := (page - 1) * size
	if start >= total {
		return nil, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}

	pageTasks := make([]*Task, 0, end-start)
	for _, t := range all[start:end] {
		pageTasks = append(pageTasks, t.Clone())
	}
	return pageTasks, total, nil
}

// Delete removes the task directory and record. Missing tasks are treated
// as already deleted.
func (fs *FileStore) Delete(id string) error {
	fs.ds.Lock()
	defer fs.ds.Unlock()

	return fs.deleteLocked(id)
}

func (fs *FileStore) deleteLocked(id string) error {
	if err := fs.ds.RemoveDir(id); err != nil {
		return &StorageError{Op: "remove task dir", Err: err}
	}
	delete(fs.cache, id)
	slog.Info("task deleted", "task_id", id)
	return nil
}

// CleanupExpired sweeps the storage root and deletes tasks older than maxAge.
// Corrupt or unreadable metadata is logged and skipped.
func (fs *FileStore) CleanupExpired(maxAge time.Duration) int {
	fs.ds.Lock()
	defer fs.ds.Unlock()

	dirs, err := fs.ds.ListDirs()
	if err != nil {
		slog.Error("cleanup: list task dirs", "error", err)
		return 0
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	for _, id := range dirs {
		var t Task
		if err := fs.ds.ReadMeta(id, &t); err != nil {
			slog.Error("cleanup: skipping unreadable task", "task_id", id, "error", err)
			continue
		}
		if !t.CreatedAt.Before(cutoff) {
			continue
		}
		if err := fs.deleteLocked(id); err != nil {
			slog.Error("cleanup: delete task", "task_id", id, "error", err)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		slog.Info("expired tasks cleaned up", "count", deleted)
	}
	return deleted
}

// Dir returns the task's root directory.
func (fs *FileStore) Dir(id string) string { return fs.ds.Dir(id) }

// UploadDir returns the directory holding the task's uploaded manifests.
func (fs *FileStore) UploadDir(id string) string { return fs.ds.FilePath(id, uploadsDir) }

// NpmDir returns the task's npm package output directory.
func (fs *FileStore) NpmDir(id string) string { return fs.ds.FilePath(id, npmDirName) }

// PypiDir returns the task's Python package output directory.
func (fs *FileStore) PypiDir(id string) string { return fs.ds.FilePath(id, pypiDirName) }

// ArchivePath returns the path of the task's bundled archive.
func (fs *FileStore) ArchivePath(id string) string {
	return filepath.Join(fs.ds.Dir(id), fmt.Sprintf("packages-%s.zip", id))
}
