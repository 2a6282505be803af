package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pkgferry/pkgferry/internal/config"
	"github.com/pkgferry/pkgferry/internal/events"
	"github.com/pkgferry/pkgferry/internal/tasks"
)

// Npm acquires packages from the npm ecosystem: dependency trees via
// `npm list`, artifacts via a staged install followed by per-package
// `npm pack` so the archive contains one tarball per package.
type Npm struct {
	hub             *events.Hub
	nvmDir          string
	versionMap      map[string]string
	packConcurrency int
}

// NewNpm creates the npm pipeline.
func NewNpm(hub *events.Hub, cfg config.NodeConfig, packConcurrency int) *Npm {
	if packConcurrency <= 0 {
		packConcurrency = 4
	}
	return &Npm{
		hub:             hub,
		nvmDir:          cfg.NvmDir,
		versionMap:      cfg.VersionMap,
		packConcurrency: packConcurrency,
	}
}

// Ecosystem returns the pipeline's ecosystem name.
func (p *Npm) Ecosystem() string { return "npm" }

// nodeEnv builds the environment for npm invocations and resolves the npm
// binary inside the requested Node.js version's bin directory.
func (p *Npm) nodeEnv(version string) ([]string, string) {
	full := version
	if mapped, ok := p.versionMap[version]; ok {
		full = mapped
	}
	exact := filepath.Join(p.nvmDir, "versions", "node", "v"+full+"*", "bin")
	fallback := filepath.Join(p.nvmDir, "versions", "node", "v"+version+".*", "bin")
	env, bin := runtimeEnv("node", version, exact, fallback)
	return env, toolPath(bin, "npm")
}

// npmListNode mirrors the JSON emitted by `npm list --all --json`.
type npmListNode struct {
	Name         string                 `json:"name"`
	Version      string                 `json:"version"`
	Dependencies map[string]npmListNode `json:"dependencies"`
}

// Resolve builds the full dependency tree for the task's package.json.
// Returns (nil, nil) when no package.json was uploaded.
func (p *Npm) Resolve(ctx context.Context, req Request) (*Resolution, error) {
	p.hub.Publish(req.TaskID, events.TypeStatus, events.Event{
		Phase:   events.PhaseParsing,
		Message: "Parsing npm dependencies...",
	})

	if _, err := os.Stat(filepath.Join(req.ManifestDir, "package.json")); err != nil {
		slog.Info("no package.json found", "task_id", req.TaskID)
		return nil, nil
	}

	env, npmBin := p.nodeEnv(req.RuntimeVersion)

	// Generate the lock file first if the upload didn't include one.
	if _, err := os.Stat(filepath.Join(req.ManifestDir, "package-lock.json")); err != nil {
		slog.Info("generating package-lock.json", "task_id", req.TaskID)
		p.hub.Publish(req.TaskID, events.TypeLog, events.Event{
			Phase:   events.PhaseParsing,
			Message: "Generating package-lock.json...",
		})

		_, stderr, err := runCapture(ctx, req.ManifestDir, env, npmBin, "install", "--package-lock-only")
		if err != nil {
			return nil, &ResolutionError{Tool: "npm", Output: stderr, Err: err}
		}
	}

	p.hub.Publish(req.TaskID, events.TypeLog, events.Event{
		Phase:   events.PhaseParsing,
		Message: "Analyzing dependency tree...",
	})

	stdout, stderr, err := runCapture(ctx, req.ManifestDir, env, npmBin, "list", "--all", "--json")
	if stdout == "" {
		if err != nil {
			return nil, &ResolutionError{Tool: "npm", Output: stderr, Err: err}
		}
		return nil, nil
	}

	// npm list exits non-zero for peer dependency issues but still emits the
	// tree; trust the JSON when present.
	var root npmListNode
	if err := json.Unmarshal([]byte(stdout), &root); err != nil {
		return nil, &ResolutionError{Tool: "npm", Output: stdout, Err: fmt.Errorf("parse npm list output: %w", err)}
	}

	return &Resolution{Tree: buildDependencyTree(root)}, nil
}

// buildDependencyTree converts npm list JSON into a DependencyNode tree.
// Children are ordered by name for deterministic output.
func buildDependencyTree(node npmListNode) *tasks.DependencyNode {
	name := node.Name
	if name == "" {
		name = "root"
	}
	version := node.Version
	if version == "" {
		version = "0.0.0"
	}

	out := &tasks.DependencyNode{Name: name, Version: version}

	depNames := make([]string, 0, len(node.Dependencies))
	for depName := range node.Dependencies {
		depNames = append(depNames, depName)
	}
	sort.Strings(depNames)

	for _, depName := range depNames {
		dep := node.Dependencies[depName]
		depVersion := dep.Version
		if depVersion == "" {
			depVersion = "unknown"
		}
		child := tasks.DependencyNode{Name: depName, Version: depVersion}
		if len(dep.Dependencies) > 0 {
			sub := buildDependencyTree(npmListNode{
				Name:         depName,
				Version:      depVersion,
				Dependencies: dep.Dependencies,
			})
			child.Children = sub.Children
		}
		out.Children = append(out.Children, child)
	}

	return out
}

// Download materializes every dependency into a staging install and packs
// each package individually into req.OutputDir. A single package's pack
// failure is recorded in the progress record; only a failed batch install
// aborts the pipeline.
func (p *Npm) Download(ctx context.Context, req Request) (tasks.Progress, error) {
	progress := req.Prior

	p.hub.Publish(req.TaskID, events.TypeStatus, events.Event{
		Phase:   events.PhaseDownloading,
		Message: "Downloading npm packages...",
	})

	if _, err := os.Stat(filepath.Join(req.ManifestDir, "package.json")); err != nil {
		slog.Info("no package.json found", "task_id", req.TaskID)
		return progress, nil
	}

	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return progress, &PipelineError{Tool: "npm", Err: err}
	}

	env, npmBin := p.nodeEnv(req.RuntimeVersion)

	// Stage a full install next to the output dir, then pack from it.
	staging := filepath.Join(filepath.Dir(req.OutputDir), "temp-npm-install")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return progress, &PipelineError{Tool: "npm", Err: err}
	}
	defer os.RemoveAll(staging)

	if err := copyFile(filepath.Join(req.ManifestDir, "package.json"), filepath.Join(staging, "package.json")); err != nil {
		return progress, &PipelineError{Tool: "npm", Err: err}
	}
	lockSrc := filepath.Join(req.ManifestDir, "package-lock.json")
	if _, err := os.Stat(lockSrc); err == nil {
		if err := copyFile(lockSrc, filepath.Join(staging, "package-lock.json")); err != nil {
			return progress, &PipelineError{Tool: "npm", Err: err}
		}
	}

	slog.Info("installing npm packages", "task_id", req.TaskID)
	p.hub.Publish(req.TaskID, events.TypeLog, events.Event{
		Phase:   events.PhaseDownloading,
		Message: "Installing npm packages...",
	})

	stderr, err := runStreaming(ctx, staging, env, func(line string) {
		p.hub.Publish(req.TaskID, events.TypeLog, events.Event{
			Phase:   events.PhaseDownloading,
			Message: line,
		})
	}, npmBin, "install", "--production")
	if err != nil {
		return progress, &PipelineError{Tool: "npm", Output: stderr, Err: err}
	}

	packages := enumeratePackages(filepath.Join(staging, "node_modules"))
	progress.Total = len(packages)

	p.hub.Publish(req.TaskID, events.TypeProgress, events.Event{
		Phase:   events.PhaseDownloading,
		Current: 0,
		Total:   progress.Total,
		Message: fmt.Sprintf("Packing %d packages...", progress.Total),
	})

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.packConcurrency)

	for _, pkg := range packages {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}

			_, _, err := runCapture(gctx, req.OutputDir, env, npmBin, "pack", pkg.dir)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				progress.Failed++
				progress.FailedPackages = append(progress.FailedPackages, pkg.name)
				slog.Warn("failed to pack package", "task_id", req.TaskID, "package", pkg.name)
				return nil
			}

			progress.Completed++
			p.hub.Publish(req.TaskID, events.TypeProgress, events.Event{
				Phase:       events.PhaseDownloading,
				Current:     progress.Completed,
				Total:       progress.Total,
				PackageName: pkg.name,
				Message:     "Packed " + pkg.name,
			})
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return progress, &PipelineError{Tool: "npm", Err: err}
	}

	p.hub.Publish(req.TaskID, events.TypeStatus, events.Event{
		Phase:   events.PhaseDownloading,
		Message: fmt.Sprintf("npm download complete: %d/%d packages", progress.Completed, progress.Total),
	})

	return progress, nil
}

type stagedPackage struct {
	name string
	dir  string
}

// enumeratePackages lists installed packages under node_modules, descending
// into @scope directories so scoped packages are packed individually.
func enumeratePackages(nodeModules string) []stagedPackage {
	entries, err := os.ReadDir(nodeModules)
	if err != nil {
		return nil
	}

	var pkgs []stagedPackage
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == ".bin" {
			continue
		}
		if entry.Name()[0] == '@' {
			scoped, err := os.ReadDir(filepath.Join(nodeModules, entry.Name()))
			if err != nil {
				continue
			}
			for _, sub := range scoped {
				if sub.IsDir() {
					pkgs = append(pkgs, stagedPackage{
						name: entry.Name() + "/" + sub.Name(),
						dir:  filepath.Join(nodeModules, entry.Name(), sub.Name()),
					})
				}
			}
			continue
		}
		pkgs = append(pkgs, stagedPackage{
			name: entry.Name(),
			dir:  filepath.Join(nodeModules, entry.Name()),
		})
	}
	return pkgs
}

// copyFile copies src to dst, creating or truncating dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
