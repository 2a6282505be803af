// Package pipeline implements the per-ecosystem acquisition pipelines:
// dependency resolution via external package-manager tools and artifact
// download into task-scoped directories.
package pipeline

import (
	"context"
	"fmt"

	"github.com/pkgferry/pkgferry/internal/tasks"
)

// Request carries the task-scoped view a pipeline operates on. Pipelines
// never touch the task record itself; they return immutable results that
// the orchestrator commits through the store.
type Request struct {
	TaskID         string
	ManifestDir    string
	OutputDir      string         // download only
	RuntimeVersion string         // ecosystem runtime selector, e.g. "20" or "3.13"
	Platforms      []string       // pypi download only
	Prior          tasks.Progress // progress carried into a download trigger
}

// Resolution is the outcome of a resolve step. Exactly one of the fields is
// populated depending on the ecosystem. A nil Resolution with a nil error
// means the ecosystem's manifest is absent and the task does not apply.
type Resolution struct {
	Tree     *tasks.DependencyNode // npm dependency tree
	Packages []tasks.PackageInfo   // pypi package list
}

// Pipeline is the capability set both ecosystems implement.
type Pipeline interface {
	Ecosystem() string
	Resolve(ctx context.Context, req Request) (*Resolution, error)
	Download(ctx context.Context, req Request) (tasks.Progress, error)
}

// ResolutionError reports a failed external resolver invocation.
type ResolutionError struct {
	Tool   string
	Output string // tool diagnostic output
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("%s resolution failed: %v: %s", e.Tool, e.Err, e.Output)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// PipelineError reports a catastrophic batch download/install failure.
// Per-package failures are recorded in Progress instead and never raise this.
type PipelineError struct {
	Tool   string
	Output string
	Err    error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s download failed: %v: %s", e.Tool, e.Err, e.Output)
}

func (e *PipelineError) Unwrap() error { return e.Err }
