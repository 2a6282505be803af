package tasks

import (
	"log/slog"
	"time"
)

// RecoverTasks repopulates the in-memory cache from the durable records on
// disk and fails any task that was stranded mid-phase by a restart.
// Should be called once on startup before triggers are accepted.
func RecoverTasks(fs *FileStore) (int, error) {
	fs.ds.Lock()
	defer fs.ds.Unlock()

	dirs, err := fs.ds.ListDirs()
	if err != nil {
		return 0, &StorageError{Op: "scan task dirs", Err: err}
	}

	recovered := 0
	for _, id := range dirs {
		t, err := fs.load(id)
		if err != nil {
			slog.Warn("recovery: skipping unreadable task", "task_id", id, "error", err)
			continue
		}

		// A task caught in a transient phase lost its background trigger.
		switch t.Status {
		case StatusParsing, StatusDownloading, StatusPacking:
			now := time.Now()
			t.Status = StatusFailed
			t.Error = "interrupted by server restart"
			t.CompletedAt = &now
			if err := fs.ds.WriteMeta(id, t); err != nil {
				slog.Error("recovery: persist failed task", "task_id", id, "error", err)
				continue
			}
			slog.Warn("recovery: task failed after restart", "task_id", id)
		}

		recovered++
	}

	slog.Info("tasks recovered from disk", "count", recovered)
	return recovered, nil
}
