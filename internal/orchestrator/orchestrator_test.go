package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pkgferry/pkgferry/internal/events"
	"github.com/pkgferry/pkgferry/internal/pipeline"
	"github.com/pkgferry/pkgferry/internal/tasks"
)

// stubPipeline returns canned results without running any external tool.
type stubPipeline struct {
	eco         string
	resolution  *pipeline.Resolution
	resolveErr  error
	progress    tasks.Progress
	downloadErr error
	block       chan struct{} // when set, Resolve/Download wait on it
}

func (s *stubPipeline) Ecosystem() string { return s.eco }

func (s *stubPipeline) Resolve(ctx context.Context, req pipeline.Request) (*pipeline.Resolution, error) {
	if s.block != nil {
		<-s.block
	}
	return s.resolution, s.resolveErr
}

func (s *stubPipeline) Download(ctx context.Context, req pipeline.Request) (tasks.Progress, error) {
	if s.block != nil {
		<-s.block
	}
	return s.progress, s.downloadErr
}

type stubArchiver struct {
	size int64
	err  error
}

func (s *stubArchiver) Pack(taskID, npmDir, pypiDir, archivePath string) (int64, error) {
	return s.size, s.err
}

func newTestOrchestrator(t *testing.T, npm, pypi pipeline.Pipeline, pack Archiver, maxInFlight int64) (*Orchestrator, *tasks.FileStore, *events.Hub) {
	t.Helper()
	store := tasks.NewFileStore(t.TempDir())
	hub := events.NewHub(256)
	t.Cleanup(hub.Close)
	return New(store, hub, npm, pypi, pack, maxInFlight, time.Minute), store, hub
}

func waitDone(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Wait(ctx); err != nil {
		t.Fatalf("trigger did not finish: %v", err)
	}
}

func TestTriggerParse(t *testing.T) {
	npm := &stubPipeline{eco: "npm", resolution: &pipeline.Resolution{
		Tree: &tasks.DependencyNode{Name: "root", Version: "0.0.0",
			Children: []tasks.DependencyNode{{Name: "a", Version: "1.0.0"}}},
	}}
	pypi := &stubPipeline{eco: "pypi", resolution: &pipeline.Resolution{
		Packages: []tasks.PackageInfo{{Name: "flask", Version: "3.0.0"}},
	}}
	o, store, hub := newTestOrchestrator(t, npm, pypi, &stubArchiver{}, 5)

	created, err := store.Create([]string{"package.json", "requirements.txt"}, tasks.DefaultOptions())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	listener := hub.Subscribe(created.ID)
	defer hub.Unsubscribe(created.ID, listener)

	accepted, err := o.TriggerParse(created.ID)
	if err != nil {
		t.Fatalf("TriggerParse: %v", err)
	}
	if accepted.Status != tasks.StatusParsing {
		t.Errorf("status = %q, want parsing", accepted.Status)
	}

	waitDone(t, o)

	got, err := store.Get(created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != tasks.StatusParsed {
		t.Errorf("status = %q, want parsed", got.Status)
	}
	if got.NpmDependencies == nil || got.NpmDependencies.Count() != 2 {
		t.Errorf("npm tree = %+v", got.NpmDependencies)
	}
	if len(got.PypiDependencies) != 1 || got.PypiDependencies[0].Name != "flask" {
		t.Errorf("pypi deps = %+v", got.PypiDependencies)
	}

	var sawComplete bool
	for len(listener.C()) > 0 {
		if e := <-listener.C(); e.Type == events.TypeComplete {
			sawComplete = true
		}
	}
	if !sawComplete {
		t.Error("missing terminal complete event")
	}
}

func TestTriggerParseFailure(t *testing.T) {
	npm := &stubPipeline{eco: "npm", resolveErr: &pipeline.ResolutionError{
		Tool: "npm", Output: "E404", Err: errors.New("exit status 1"),
	}}
	pypi := &stubPipeline{eco: "pypi"}
	o, store, hub := newTestOrchestrator(t, npm, pypi, &stubArchiver{}, 5)

	created, _ := store.Create([]string{"package.json"}, tasks.DefaultOptions())
	listener := hub.Subscribe(created.ID)
	defer hub.Unsubscribe(created.ID, listener)

	if _, err := o.TriggerParse(created.ID); err != nil {
		t.Fatalf("TriggerParse: %v", err)
	}
	waitDone(t, o)

	got, _ := store.Get(created.ID)
	if got.Status != tasks.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.Error == "" || got.CompletedAt == nil {
		t.Error("failed task should carry error and completion time")
	}

	var sawError bool
	for len(listener.C()) > 0 {
		if e := <-listener.C(); e.Type == events.TypeError {
			sawError = true
		}
	}
	if !sawError {
		t.Error("missing terminal error event")
	}
}

func TestTriggerParseFromTerminalRejected(t *testing.T) {
	o, store, _ := newTestOrchestrator(t, &stubPipeline{eco: "npm"}, &stubPipeline{eco: "pypi"}, &stubArchiver{}, 5)

	created, _ := store.Create([]string{"package.json"}, tasks.DefaultOptions())
	store.Update(created.ID, func(task *tasks.Task) { task.Status = tasks.StatusCompleted })

	var invalid *tasks.InvalidTransitionError
	if _, err := o.TriggerParse(created.ID); !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}
	if _, err := o.TriggerDownload(created.ID); !errors.As(err, &invalid) {
		t.Fatalf("download err = %v, want InvalidTransitionError", err)
	}
}

func TestTriggerParseUnknownTask(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &stubPipeline{eco: "npm"}, &stubPipeline{eco: "pypi"}, &stubArchiver{}, 5)
	if _, err := o.TriggerParse("nope"); !errors.Is(err, tasks.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTriggerDownloadCompletesWithPartialFailures(t *testing.T) {
	npm := &stubPipeline{eco: "npm", progress: tasks.Progress{
		Total: 10, Completed: 8, Failed: 2, FailedPackages: []string{"left-pad", "is-odd"},
	}}
	pypi := &stubPipeline{eco: "pypi", progress: tasks.Progress{Total: 4, Completed: 4}}
	o, store, hub := newTestOrchestrator(t, npm, pypi, &stubArchiver{size: 2048}, 5)

	created, _ := store.Create([]string{"package.json", "requirements.txt"}, tasks.DefaultOptions())
	listener := hub.Subscribe(created.ID)
	defer hub.Unsubscribe(created.ID, listener)

	// Download straight from created: parse is optional.
	accepted, err := o.TriggerDownload(created.ID)
	if err != nil {
		t.Fatalf("TriggerDownload: %v", err)
	}
	if accepted.Status != tasks.StatusDownloading {
		t.Errorf("status = %q, want downloading", accepted.Status)
	}

	waitDone(t, o)

	got, _ := store.Get(created.ID)
	if got.Status != tasks.StatusCompleted {
		t.Fatalf("status = %q, want completed (per-package failures don't fail the task)", got.Status)
	}
	if got.NpmProgress.Failed != 2 || len(got.NpmProgress.FailedPackages) != 2 {
		t.Errorf("npm progress = %+v", got.NpmProgress)
	}
	if got.ArchiveSize != 2048 || got.ArchivePath == "" {
		t.Errorf("archive = %s (%d bytes)", got.ArchivePath, got.ArchiveSize)
	}
	if got.CompletedAt == nil {
		t.Error("completed task should carry completion time")
	}
}

func TestTriggerDownloadBatchFailure(t *testing.T) {
	npm := &stubPipeline{eco: "npm", downloadErr: &pipeline.PipelineError{
		Tool: "npm", Output: "network down", Err: errors.New("exit status 1"),
	}}
	pypi := &stubPipeline{eco: "pypi", progress: tasks.Progress{Total: 2, Completed: 2}}
	o, store, _ := newTestOrchestrator(t, npm, pypi, &stubArchiver{}, 5)

	created, _ := store.Create([]string{"package.json", "requirements.txt"}, tasks.DefaultOptions())
	if _, err := o.TriggerDownload(created.ID); err != nil {
		t.Fatalf("TriggerDownload: %v", err)
	}
	waitDone(t, o)

	got, _ := store.Get(created.ID)
	if got.Status != tasks.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
}

func TestPackagingFailureMarksFailed(t *testing.T) {
	npm := &stubPipeline{eco: "npm", progress: tasks.Progress{Total: 1, Completed: 1}}
	pypi := &stubPipeline{eco: "pypi"}
	o, store, _ := newTestOrchestrator(t, npm, pypi, &stubArchiver{err: errors.New("disk full")}, 5)

	created, _ := store.Create([]string{"package.json"}, tasks.DefaultOptions())
	if _, err := o.TriggerDownload(created.ID); err != nil {
		t.Fatalf("TriggerDownload: %v", err)
	}
	waitDone(t, o)

	got, _ := store.Get(created.ID)
	if got.Status != tasks.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
}

func TestBusyTaskRejectsSecondTrigger(t *testing.T) {
	block := make(chan struct{})
	npm := &stubPipeline{eco: "npm", block: block, resolution: &pipeline.Resolution{}}
	pypi := &stubPipeline{eco: "pypi"}
	o, store, _ := newTestOrchestrator(t, npm, pypi, &stubArchiver{}, 5)

	created, _ := store.Create([]string{"package.json"}, tasks.DefaultOptions())
	if _, err := o.TriggerParse(created.ID); err != nil {
		t.Fatalf("TriggerParse: %v", err)
	}

	if _, err := o.TriggerParse(created.ID); !errors.Is(err, ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}
	if got := o.InFlight(); got != 1 {
		t.Errorf("in flight = %d, want 1", got)
	}

	close(block)
	waitDone(t, o)

	if got := o.InFlight(); got != 0 {
		t.Errorf("in flight after completion = %d, want 0", got)
	}
}

func TestAdmissionLimit(t *testing.T) {
	block := make(chan struct{})
	npm := &stubPipeline{eco: "npm", block: block, resolution: &pipeline.Resolution{}}
	pypi := &stubPipeline{eco: "pypi"}
	o, store, _ := newTestOrchestrator(t, npm, pypi, &stubArchiver{}, 1)

	first, _ := store.Create([]string{"package.json"}, tasks.DefaultOptions())
	second, _ := store.Create([]string{"package.json"}, tasks.DefaultOptions())

	if _, err := o.TriggerParse(first.ID); err != nil {
		t.Fatalf("TriggerParse: %v", err)
	}
	if _, err := o.TriggerParse(second.ID); !errors.Is(err, ErrCapacity) {
		t.Errorf("err = %v, want ErrCapacity", err)
	}

	close(block)
	waitDone(t, o)

	// Capacity frees up once the first trigger finishes.
	if _, err := o.TriggerParse(second.ID); err != nil {
		t.Errorf("retry after capacity freed: %v", err)
	}
	waitDone(t, o)
}

func TestDeleteDuringTriggerDetaches(t *testing.T) {
	block := make(chan struct{})
	npm := &stubPipeline{eco: "npm", block: block, resolution: &pipeline.Resolution{}}
	pypi := &stubPipeline{eco: "pypi"}
	o, store, _ := newTestOrchestrator(t, npm, pypi, &stubArchiver{}, 5)

	created, _ := store.Create([]string{"package.json"}, tasks.DefaultOptions())
	if _, err := o.TriggerParse(created.ID); err != nil {
		t.Fatalf("TriggerParse: %v", err)
	}

	if err := store.Delete(created.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	// The detached trigger finishes quietly without resurrecting the task.
	close(block)
	waitDone(t, o)

	if _, err := store.Get(created.ID); !errors.Is(err, tasks.ErrNotFound) {
		t.Errorf("deleted task came back: %v", err)
	}
}
