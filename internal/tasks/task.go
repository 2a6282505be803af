// Package tasks provides the task aggregate, its lifecycle state machine,
// and persistent storage for package download tasks.
package tasks

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusCreated     Status = "created"
	StatusParsing     Status = "parsing"
	StatusParsed      Status = "parsed"
	StatusDownloading Status = "downloading"
	StatusPacking     Status = "packing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Terminal reports whether no further transitions may leave this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// transitions holds the legal forward edges of the lifecycle.
// StatusFailed is reachable from any non-terminal state and is not listed.
var transitions = map[Status][]Status{
	StatusCreated:     {StatusParsing, StatusDownloading},
	StatusParsing:     {StatusParsed},
	StatusParsed:      {StatusDownloading},
	StatusDownloading: {StatusPacking},
	StatusPacking:     {StatusCompleted},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Options is the resolved configuration snapshot for a task.
// Immutable after creation.
type Options struct {
	Npm           bool     `json:"npm"`
	Pypi          bool     `json:"pypi"`
	NodeVersion   string   `json:"node_version"`
	PythonVersion string   `json:"python_version"`
	Platforms     []string `json:"platforms"`
}

// DefaultOptions returns the options applied when a client supplies none.
func DefaultOptions() Options {
	return Options{
		Npm:           true,
		Pypi:          true,
		NodeVersion:   "20",
		PythonVersion: "3.13",
		Platforms:     []string{"win_amd64", "manylinux2014_x86_64"},
	}
}

// DependencyNode is one node of the resolved npm dependency tree.
type DependencyNode struct {
	Name     string           `json:"name"`
	Version  string           `json:"version"`
	Children []DependencyNode `json:"children"`
}

// Count returns the number of nodes in the tree rooted at n, including n.
func (n *DependencyNode) Count() int {
	if n == nil {
		return 0
	}
	count := 1
	for i := range n.Children {
		count += n.Children[i].Count()
	}
	return count
}

// PackageInfo describes one resolved PyPI requirement.
// Version is "latest" when the requirement pins no version.
type PackageInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Size    int64  `json:"size,omitempty"`
}

// Progress tracks per-ecosystem download counters.
// Counters only ever increase within a trigger; Completed+Failed <= Total.
type Progress struct {
	Total          int      `json:"total"`
	Completed      int      `json:"completed"`
	Failed         int      `json:"failed"`
	FailedPackages []string `json:"failed_packages"`
}

// Task is the central aggregate: one end-to-end download request tracked
// through the lifecycle state machine.
type Task struct {
	ID               string          `json:"task_id"`
	Status           Status          `json:"status"`
	Files            []string        `json:"files"`
	Options          Options         `json:"options"`
	NpmDependencies  *DependencyNode `json:"npm_dependencies,omitempty"`
	PypiDependencies []PackageInfo   `json:"pypi_dependencies,omitempty"`
	NpmProgress      Progress        `json:"npm_progress"`
	PypiProgress     Progress        `json:"pypi_progress"`
	ArchivePath      string          `json:"archive_path,omitempty"`
	ArchiveSize      int64           `json:"archive_size,omitempty"`
	Error            string          `json:"error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand out while the store retains the original.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Files = append([]string(nil), t.Files...)
	c.Options.Platforms = append([]string(nil), t.Options.Platforms...)
	c.NpmDependencies = cloneTree(t.NpmDependencies)
	c.PypiDependencies = append([]PackageInfo(nil), t.PypiDependencies...)
	c.NpmProgress.FailedPackages = append([]string(nil), t.NpmProgress.FailedPackages...)
	c.PypiProgress.FailedPackages = append([]string(nil), t.PypiProgress.FailedPackages...)
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

func cloneTree(n *DependencyNode) *DependencyNode {
	if n == nil {
		return nil
	}
	c := DependencyNode{Name: n.Name, Version: n.Version}
	if len(n.Children) > 0 {
		c.Children = make([]DependencyNode, len(n.Children))
		for i := range n.Children {
			c.Children[i] = *cloneTree(&n.Children[i])
		}
	}
	return &c
}

// GenerateTaskID creates a unique task identifier.
func GenerateTaskID() string {
	return uuid.New().String()
}
