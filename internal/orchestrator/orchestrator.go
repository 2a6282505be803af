// Package orchestrator drives tasks through their lifecycle: it validates
// trigger transitions, runs the acquisition pipelines in the background, and
// commits every state change through the task store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/pkgferry/pkgferry/internal/events"
	"github.com/pkgferry/pkgferry/internal/pipeline"
	"github.com/pkgferry/pkgferry/internal/tasks"
)

// ErrBusy reports a trigger on a task that already has one in flight.
var ErrBusy = errors.New("task already has a trigger in flight")

// ErrCapacity reports that the in-flight trigger limit is reached.
var ErrCapacity = errors.New("server at capacity")

// Archiver packs a task's artifact directories into an archive.
type Archiver interface {
	Pack(taskID, npmDir, pypiDir, archivePath string) (int64, error)
}

// Orchestrator owns all status transitions. Pipelines and the packager never
// touch the store; they report results and the orchestrator commits them.
type Orchestrator struct {
	store   tasks.Store
	hub     *events.Hub
	npm     pipeline.Pipeline
	pypi    pipeline.Pipeline
	pack    Archiver
	sem     *semaphore.Weighted
	timeout time.Duration

	mu   sync.Mutex
	busy map[string]bool

	wg sync.WaitGroup
}

// New creates an orchestrator. maxInFlight bounds concurrent triggers across
// all tasks; timeout bounds each background trigger run.
func New(store tasks.Store, hub *events.Hub, npm, pypi pipeline.Pipeline, pack Archiver, maxInFlight int64, timeout time.Duration) *Orchestrator {
	if maxInFlight <= 0 {
		maxInFlight = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Orchestrator{
		store:   store,
		hub:     hub,
		npm:     npm,
		pypi:    pypi,
		pack:    pack,
		sem:     semaphore.NewWeighted(maxInFlight),
		timeout: timeout,
		busy:    make(map[string]bool),
	}
}

// InFlight returns the number of tasks with a trigger currently running.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.busy)
}

// Wait blocks until all background triggers finish or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reserve marks the task busy so concurrent triggers on the same task are
// rejected before any state is touched.
func (o *Orchestrator) reserve(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.busy[id] {
		return ErrBusy
	}
	o.busy[id] = true
	return nil
}

func (o *Orchestrator) unreserve(id string) {
	o.mu.Lock()
	delete(o.busy, id)
	o.mu.Unlock()
}

func (o *Orchestrator) release(id string) {
	o.unreserve(id)
	o.sem.Release(1)
}

// admit validates the trigger transition and claims a concurrency slot.
// On success the caller owns the reservation and the slot.
func (o *Orchestrator) admit(id string, target tasks.Status, trigger string) (*tasks.Task, error) {
	if err := o.reserve(id); err != nil {
		return nil, err
	}

	task, err := o.store.Get(id)
	if err != nil {
		o.unreserve(id)
		return nil, err
	}
	if !tasks.CanTransition(task.Status, target) {
		o.unreserve(id)
		return nil, &tasks.InvalidTransitionError{TaskID: id, From: task.Status, Trigger: trigger}
	}
	if !o.sem.TryAcquire(1) {
		o.unreserve(id)
		return nil, ErrCapacity
	}
	return task, nil
}

// TriggerParse validates the transition, moves the task to parsing, and runs
// dependency resolution in the background.
func (o *Orchestrator) TriggerParse(id string) (*tasks.Task, error) {
	if _, err := o.admit(id, tasks.StatusParsing, "parse"); err != nil {
		return nil, err
	}

	task, err := o.store.Update(id, func(t *tasks.Task) {
		t.Status = tasks.StatusParsing
	})
	if err != nil {
		o.release(id)
		return nil, err
	}

	o.wg.Add(1)
	go o.runParse(id, task.Options)
	return task, nil
}

func (o *Orchestrator) runParse(id string, opts tasks.Options) {
	defer o.wg.Done()
	defer o.release(id)

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	manifestDir := o.store.UploadDir(id)

	var (
		tree *tasks.DependencyNode
		pkgs []tasks.PackageInfo
	)

	if opts.Npm {
		res, err := o.npm.Resolve(ctx, pipeline.Request{
			TaskID:         id,
			ManifestDir:    manifestDir,
			RuntimeVersion: opts.NodeVersion,
		})
		if err != nil {
			o.failTask(id, events.PhaseParsing, err)
			return
		}
		if res != nil {
			tree = res.Tree
		}
	}

	if opts.Pypi {
		res, err := o.pypi.Resolve(ctx, pipeline.Request{
			TaskID:         id,
			ManifestDir:    manifestDir,
			RuntimeVersion: opts.PythonVersion,
		})
		if err != nil {
			o.failTask(id, events.PhaseParsing, err)
			return
		}
		if res != nil {
			pkgs = res.Packages
		}
	}

	_, err := o.store.Update(id, func(t *tasks.Task) {
		t.Status = tasks.StatusParsed
		t.NpmDependencies = tree
		t.PypiDependencies = pkgs
	})
	if errors.Is(err, tasks.ErrNotFound) {
		slog.Debug("task deleted during parse", "task_id", id)
		return
	}
	if err != nil {
		o.failTask(id, events.PhaseParsing, err)
		return
	}

	o.hub.Publish(id, events.TypeComplete, events.Event{
		Phase:   events.PhaseParsing,
		Message: "Parsing complete",
	})
}

// TriggerDownload validates the transition, moves the task to downloading,
// and runs download plus packaging in the background. Legal from both
// created (skipping parse) and parsed.
func (o *Orchestrator) TriggerDownload(id string) (*tasks.Task, error) {
	if _, err := o.admit(id, tasks.StatusDownloading, "download"); err != nil {
		return nil, err
	}

	task, err := o.store.Update(id, func(t *tasks.Task) {
		t.Status = tasks.StatusDownloading
		t.NpmProgress = tasks.Progress{}
		t.PypiProgress = tasks.Progress{}
	})
	if err != nil {
		o.release(id)
		return nil, err
	}

	o.wg.Add(1)
	go o.runDownload(id, task.Options)
	return task, nil
}

func (o *Orchestrator) runDownload(id string, opts tasks.Options) {
	defer o.wg.Done()
	defer o.release(id)

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	manifestDir := o.store.UploadDir(id)

	var (
		npmProg  tasks.Progress
		pypiProg tasks.Progress
	)

	g, gctx := errgroup.WithContext(ctx)

	if opts.Npm {
		g.Go(func() error {
			var err error
			npmProg, err = o.npm.Download(gctx, pipeline.Request{
				TaskID:         id,
				ManifestDir:    manifestDir,
				OutputDir:      o.store.NpmDir(id),
				RuntimeVersion: opts.NodeVersion,
			})
			return err
		})
	}

	if opts.Pypi {
		g.Go(func() error {
			var err error
			pypiProg, err = o.pypi.Download(gctx, pipeline.Request{
				TaskID:         id,
				ManifestDir:    manifestDir,
				OutputDir:      o.store.PypiDir(id),
				RuntimeVersion: opts.PythonVersion,
				Platforms:      opts.Platforms,
			})
			return err
		})
	}

	downloadErr := g.Wait()

	// Commit whatever progress the pipelines made before deciding the outcome.
	_, err := o.store.Update(id, func(t *tasks.Task) {
		t.NpmProgress = npmProg
		t.PypiProgress = pypiProg
	})
	if errors.Is(err, tasks.ErrNotFound) {
		slog.Debug("task deleted during download", "task_id", id)
		return
	}

	if downloadErr != nil {
		o.failTask(id, events.PhaseDownloading, downloadErr)
		return
	}

	_, err = o.store.Update(id, func(t *tasks.Task) {
		t.Status = tasks.StatusPacking
	})
	if errors.Is(err, tasks.ErrNotFound) {
		slog.Debug("task deleted before packing", "task_id", id)
		return
	}
	if err != nil {
		o.failTask(id, events.PhasePacking, err)
		return
	}

	archivePath := o.store.ArchivePath(id)
	size, err := o.pack.Pack(id, o.store.NpmDir(id), o.store.PypiDir(id), archivePath)
	if err != nil {
		o.failTask(id, events.PhasePacking, err)
		return
	}

	o.completeTask(id, archivePath, size, npmProg, pypiProg)
}

func (o *Orchestrator) completeTask(id, archivePath string, size int64, npmProg, pypiProg tasks.Progress) {
	now := time.Now()
	_, err := o.store.Update(id, func(t *tasks.Task) {
		t.Status = tasks.StatusCompleted
		t.ArchivePath = archivePath
		t.ArchiveSize = size
		t.CompletedAt = &now
	})
	if errors.Is(err, tasks.ErrNotFound) {
		slog.Debug("task deleted before completion", "task_id", id)
		return
	}
	if err != nil {
		o.failTask(id, events.PhasePacking, err)
		return
	}

	slog.Info("task completed", "task_id", id, "archive_size", size,
		"npm_failed", npmProg.Failed, "pypi_failed", pypiProg.Failed)
	o.hub.Publish(id, events.TypeComplete, events.Event{
		Message: fmt.Sprintf("Task completed: npm %d/%d, python %d/%d",
			npmProg.Completed, npmProg.Total, pypiProg.Completed, pypiProg.Total),
	})
}

// failTask marks the task failed and publishes the terminal error event.
// A task deleted mid-flight is left alone.
func (o *Orchestrator) failTask(id string, phase events.Phase, cause error) {
	slog.Error("task failed", "task_id", id, "phase", phase, "error", cause)

	now := time.Now()
	_, err := o.store.Update(id, func(t *tasks.Task) {
		if t.Status.Terminal() {
			return
		}
		t.Status = tasks.StatusFailed
		t.Error = cause.Error()
		t.CompletedAt = &now
	})
	if errors.Is(err, tasks.ErrNotFound) {
		slog.Debug("task deleted during failure handling", "task_id", id)
		return
	}
	if err != nil {
		slog.Error("failed to persist task failure", "task_id", id, "error", err)
	}

	o.hub.Publish(id, events.TypeError, events.Event{
		Phase:   phase,
		Message: cause.Error(),
	})
}
