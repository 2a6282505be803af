// Package packager assembles the downloaded artifacts of a task into a
// single zip archive.
package packager

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pkgferry/pkgferry/internal/events"
)

// progressEvery controls how often a packing progress event is published.
const progressEvery = 10

// PackagingError reports a failed archive build.
type PackagingError struct {
	Path string
	Err  error
}

func (e *PackagingError) Error() string {
	return fmt.Sprintf("packaging %s failed: %v", e.Path, e.Err)
}

func (e *PackagingError) Unwrap() error { return e.Err }

// Packager zips task artifact directories into downloadable archives.
type Packager struct {
	hub *events.Hub
}

// New creates a packager publishing progress to hub.
func New(hub *events.Hub) *Packager {
	return &Packager{hub: hub}
}

// source pairs an artifact directory with its prefix inside the archive.
type source struct {
	dir    string
	prefix string
}

// Pack writes every file under the npm and pypi artifact directories into a
// zip at archivePath, prefixing entries with their ecosystem directory name.
// Missing artifact directories are skipped. Returns the archive size.
func (p *Packager) Pack(taskID, npmDir, pypiDir, archivePath string) (int64, error) {
	p.hub.Publish(taskID, events.TypeStatus, events.Event{
		Phase:   events.PhasePacking,
		Message: "Packing archive...",
	})

	sources := []source{
		{dir: npmDir, prefix: filepath.Base(npmDir)},
		{dir: pypiDir, prefix: filepath.Base(pypiDir)},
	}

	var entries []archiveEntry
	for _, src := range sources {
		found, err := collectEntries(src)
		if err != nil {
			return 0, &PackagingError{Path: src.dir, Err: err}
		}
		entries = append(entries, found...)
	}

	out, err := os.Create(archivePath)
	if err != nil {
		return 0, &PackagingError{Path: archivePath, Err: err}
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for i, entry := range entries {
		if err := addEntry(zw, entry); err != nil {
			zw.Close()
			return 0, &PackagingError{Path: entry.path, Err: err}
		}

		done := i + 1
		if done%progressEvery == 0 || done == len(entries) {
			p.hub.Publish(taskID, events.TypeProgress, events.Event{
				Phase:   events.PhasePacking,
				Current: done,
				Total:   len(entries),
				Message: fmt.Sprintf("Packed %d/%d files", done, len(entries)),
			})
		}
	}
	if err := zw.Close(); err != nil {
		return 0, &PackagingError{Path: archivePath, Err: err}
	}
	if err := out.Close(); err != nil {
		return 0, &PackagingError{Path: archivePath, Err: err}
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return 0, &PackagingError{Path: archivePath, Err: err}
	}

	slog.Info("archive created", "task_id", taskID,
		"path", archivePath, "files", len(entries), "size", info.Size())
	p.hub.Publish(taskID, events.TypeStatus, events.Event{
		Phase:   events.PhasePacking,
		Message: fmt.Sprintf("Archive ready: %d files", len(entries)),
	})

	return info.Size(), nil
}

type archiveEntry struct {
	path string // on disk
	name string // inside the archive
}

// collectEntries walks src.dir and returns one entry per regular file, named
// with the source prefix and forward slashes.
func collectEntries(src source) ([]archiveEntry, error) {
	if _, err := os.Stat(src.dir); err != nil {
		return nil, nil
	}

	var entries []archiveEntry
	err := filepath.WalkDir(src.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(src.dir, path)
		if err != nil {
			return err
		}
		entries = append(entries, archiveEntry{
			path: path,
			name: src.prefix + "/" + filepath.ToSlash(rel),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// addEntry writes one file into the zip with deflate compression.
func addEntry(zw *zip.Writer, entry archiveEntry) error {
	in, err := os.Open(entry.path)
	if err != nil {
		return err
	}
	defer in.Close()

	w, err := zw.Create(entry.name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, in)
	return err
}
