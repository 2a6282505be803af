package tasks

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	return NewFileStore(t.TempDir())
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)

	created, err := store.Create([]string{"package.json", "requirements.txt"}, DefaultOptions())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected a generated task id")
	}
	if created.Status != StatusCreated {
		t.Errorf("status = %q, want %q", created.Status, StatusCreated)
	}

	got, err := store.Get(created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Files) != 2 || got.Files[0] != "package.json" {
		t.Errorf("files = %v", got.Files)
	}

	// Directory tree must exist up front.
	for _, dir := range []string{store.UploadDir(created.ID), store.NpmDir(created.ID), store.PypiDir(created.ID)} {
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("missing dir %s: %v", dir, err)
		}
	}
}

func TestGetUnknownTask(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdatePersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	created, err := store.Create([]string{"package.json"}, DefaultOptions())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := store.Update(created.ID, func(task *Task) {
		task.Status = StatusParsed
		task.NpmDependencies = &DependencyNode{Name: "root", Version: "0.0.0"}
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// A fresh store over the same directory must see the durable record.
	reopened := NewFileStore(dir)
	got, err := reopened.Get(created.ID)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.Status != StatusParsed {
		t.Errorf("status = %q, want %q", got.Status, StatusParsed)
	}
	if got.NpmDependencies == nil || got.NpmDependencies.Name != "root" {
		t.Errorf("npm dependencies not persisted: %+v", got.NpmDependencies)
	}
}

func TestUpdateUnknownTask(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Update("nope", func(task *Task) { task.Status = StatusFailed })
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListPagination(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 25; i++ {
		if _, err := store.Create([]string{fmt.Sprintf("requirements-%d.txt", i)}, DefaultOptions()); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	page1, total, err := store.List(1, 20)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 25 {
		t.Errorf("total = %d, want 25", total)
	}
	if len(page1) != 20 {
		t.Errorf("page 1 size = %d, want 20", len(page1))
	}

	page2, _, err := store.List(2, 20)
	if err != nil {
		t.Fatalf("List page 2: %v", err)
	}
	if len(page2) != 5 {
		t.Errorf("page 2 size = %d, want 5", len(page2))
	}

	empty, _, err := store.List(3, 20)
	if err != nil {
		t.Fatalf("List page 3: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("page 3 size = %d, want 0", len(empty))
	}
}

func TestListOrderedByCreatedAtDesc(t *testing.T) {
	store := newTestStore(t)

	first, _ := store.Create([]string{"package.json"}, DefaultOptions())
	second, _ := store.Create([]string{"package.json"}, DefaultOptions())

	// Force distinct timestamps.
	if _, err := store.Update(first.ID, func(task *Task) {
		task.CreatedAt = time.Now().Add(-time.Hour)
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	list, _, err := store.List(1, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if list[0].ID != second.ID {
		t.Errorf("newest task should come first, got %s", list[0].ID)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := newTestStore(t)

	created, err := store.Create([]string{"package.json"}, DefaultOptions())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.Delete(created.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(store.Dir(created.ID)); !os.IsNotExist(err) {
		t.Error("task directory should be gone")
	}
	if _, err := store.Get(created.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete: %v, want ErrNotFound", err)
	}

	// Second delete succeeds quietly.
	if err := store.Delete(created.ID); err != nil {
		t.Fatalf("repeated Delete: %v", err)
	}
}

func TestCleanupExpired(t *testing.T) {
	store := newTestStore(t)

	old, _ := store.Create([]string{"package.json"}, DefaultOptions())
	fresh, _ := store.Create([]string{"package.json"}, DefaultOptions())

	if _, err := store.Update(old.ID, func(task *Task) {
		task.CreatedAt = time.Now().Add(-25 * time.Hour)
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	deleted := store.CleanupExpired(24 * time.Hour)
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
	if _, err := store.Get(old.ID); !errors.Is(err, ErrNotFound) {
		t.Error("expired task should be gone")
	}
	if _, err := store.Get(fresh.ID); err != nil {
		t.Errorf("fresh task should survive: %v", err)
	}
}

func TestCleanupSkipsCorruptMeta(t *testing.T) {
	store := newTestStore(t)

	created, err := store.Create([]string{"package.json"}, DefaultOptions())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	metaPath := filepath.Join(store.Dir(created.ID), "task.json")
	if err := os.WriteFile(metaPath, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("corrupt meta: %v", err)
	}

	if deleted := store.CleanupExpired(time.Hour); deleted != 0 {
		t.Errorf("deleted = %d, want 0 (corrupt task skipped)", deleted)
	}
	if _, err := os.Stat(store.Dir(created.ID)); err != nil {
		t.Error("corrupt task directory should be left in place")
	}
}

func TestRecoverTasks(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	stranded, _ := store.Create([]string{"package.json"}, DefaultOptions())
	done, _ := store.Create([]string{"package.json"}, DefaultOptions())

	if _, err := store.Update(stranded.ID, func(task *Task) {
		task.Status = StatusDownloading
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := store.Update(done.ID, func(task *Task) {
		task.Status = StatusCompleted
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Simulated restart.
	reopened := NewFileStore(dir)
	recovered, err := RecoverTasks(reopened)
	if err != nil {
		t.Fatalf("RecoverTasks: %v", err)
	}
	if recovered != 2 {
		t.Errorf("recovered = %d, want 2", recovered)
	}

	got, err := reopened.Get(stranded.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("stranded task status = %q, want %q", got.Status, StatusFailed)
	}
	if got.Error == "" || got.CompletedAt == nil {
		t.Error("stranded task should carry an error and completion time")
	}

	kept, err := reopened.Get(done.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if kept.Status != StatusCompleted {
		t.Errorf("completed task status = %q, want %q", kept.Status, StatusCompleted)
	}
}
