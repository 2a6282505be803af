package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/pkgferry/pkgferry/internal/config"
	"github.com/pkgferry/pkgferry/internal/events"
	"github.com/pkgferry/pkgferry/internal/tasks"
)

// Pypi acquires packages from the Python ecosystem: requirement lists parsed
// directly from requirements files, wheels fetched via `pip download` for
// every configured target platform.
type Pypi struct {
	hub        *events.Hub
	pyenvRoot  string
	versionMap map[string]string
	platforms  []string
}

// NewPypi creates the pypi pipeline.
func NewPypi(hub *events.Hub, cfg config.PythonConfig) *Pypi {
	return &Pypi{
		hub:        hub,
		pyenvRoot:  cfg.PyenvRoot,
		versionMap: cfg.VersionMap,
		platforms:  cfg.Platforms,
	}
}

// Ecosystem returns the pipeline's ecosystem name.
func (p *Pypi) Ecosystem() string { return "pypi" }

// pythonEnv builds the environment for pip invocations and resolves the
// python binary inside the requested version's bin directory.
func (p *Pypi) pythonEnv(version string) ([]string, string) {
	full := version
	if mapped, ok := p.versionMap[version]; ok {
		full = mapped
	}
	exact := filepath.Join(p.pyenvRoot, "versions", full+"*", "bin")
	fallback := filepath.Join(p.pyenvRoot, "versions", version+".*", "bin")
	env, bin := runtimeEnv("python", version, exact, fallback)
	return env, toolPath(bin, "python")
}

// requirementRe matches one requirement specifier: a package name, an
// optional comparison operator, and an optional version.
var requirementRe = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._\[\],-]*)\s*(==|>=|<=|!=|~=|>|<)?\s*([^;#\s]+)?`)

// parseRequirement parses a single requirements file line. Pinned versions
// ("==") are stripped to the bare version; other operators stay attached so
// the constraint remains visible. Unversioned entries report "latest".
func parseRequirement(line string) (tasks.PackageInfo, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
		return tasks.PackageInfo{}, false
	}

	m := requirementRe.FindStringSubmatch(line)
	if m == nil || m[1] == "" {
		return tasks.PackageInfo{}, false
	}

	version := "latest"
	switch {
	case m[2] == "==" && m[3] != "":
		version = m[3]
	case m[2] != "" && m[3] != "":
		version = m[2] + m[3]
	}

	return tasks.PackageInfo{Name: m[1], Version: version}, true
}

// requirementFiles lists the task's requirements*.txt uploads.
func requirementFiles(manifestDir string) []string {
	matches, err := filepath.Glob(filepath.Join(manifestDir, "requirements*.txt"))
	if err != nil {
		return nil
	}
	sort.Strings(matches)
	return matches
}

// parseRequirementsFile extracts package entries from one requirements file.
func parseRequirementsFile(path string) ([]tasks.PackageInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var pkgs []tasks.PackageInfo
	for _, line := range strings.Split(string(data), "\n") {
		if pkg, ok := parseRequirement(line); ok {
			pkgs = append(pkgs, pkg)
		}
	}
	return pkgs, nil
}

// Resolve parses the task's requirements files into a flat package list.
// Returns (nil, nil) when no requirements file was uploaded.
func (p *Pypi) Resolve(ctx context.Context, req Request) (*Resolution, error) {
	p.hub.Publish(req.TaskID, events.TypeStatus, events.Event{
		Phase:   events.PhaseParsing,
		Message: "Parsing Python dependencies...",
	})

	files := requirementFiles(req.ManifestDir)
	if len(files) == 0 {
		slog.Info("no requirements file found", "task_id", req.TaskID)
		return nil, nil
	}

	var pkgs []tasks.PackageInfo
	for _, f := range files {
		parsed, err := parseRequirementsFile(f)
		if err != nil {
			return nil, &ResolutionError{Tool: "pip", Err: err}
		}
		pkgs = append(pkgs, parsed...)
	}

	p.hub.Publish(req.TaskID, events.TypeLog, events.Event{
		Phase:   events.PhaseParsing,
		Message: fmt.Sprintf("Found %d Python packages", len(pkgs)),
	})

	return &Resolution{Packages: pkgs}, nil
}

// Download fetches binary wheels for every requirement on every configured
// target platform. Packages pip cannot find are recorded as failures; any
// other pip failure aborts the pipeline.
func (p *Pypi) Download(ctx context.Context, req Request) (tasks.Progress, error) {
	progress := req.Prior

	p.hub.Publish(req.TaskID, events.TypeStatus, events.Event{
		Phase:   events.PhaseDownloading,
		Message: "Downloading Python packages...",
	})

	files := requirementFiles(req.ManifestDir)
	if len(files) == 0 {
		slog.Info("no requirements file found", "task_id", req.TaskID)
		return progress, nil
	}

	platforms := req.Platforms
	if len(platforms) == 0 {
		platforms = p.platforms
	}

	lines := 0
	for _, f := range files {
		parsed, err := parseRequirementsFile(f)
		if err != nil {
			return progress, &PipelineError{Tool: "pip", Err: err}
		}
		lines += len(parsed)
	}
	progress.Total = lines * len(platforms)

	env, pythonBin := p.pythonEnv(req.RuntimeVersion)
	verShort := strings.ReplaceAll(req.RuntimeVersion, ".", "")

	for _, platform := range platforms {
		destDir := filepath.Join(req.OutputDir, platform)
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			return progress, &PipelineError{Tool: "pip", Err: err}
		}

		p.hub.Publish(req.TaskID, events.TypeLog, events.Event{
			Phase:   events.PhaseDownloading,
			Message: "Downloading wheels for " + platform + "...",
		})

		for _, reqFile := range files {
			args := []string{
				"-m", "pip", "download",
				"-r", reqFile,
				"-d", destDir,
				"--only-binary=:all:",
				"--platform", platform,
				"--python-version", verShort,
				"--implementation", "cp",
				"--abi", "cp" + verShort,
			}

			stderr, err := runStreaming(ctx, req.ManifestDir, env, func(line string) {
				p.observeLine(req.TaskID, line, &progress)
			}, pythonBin, args...)
			if err != nil {
				missing := extractMissingPackages(stderr)
				if len(missing) == 0 {
					return progress, &PipelineError{Tool: "pip", Output: stderr, Err: err}
				}
				for _, name := range missing {
					recordMissing(&progress, name)
					slog.Warn("package not available", "task_id", req.TaskID,
						"package", name, "platform", platform)
				}
			}
		}
	}

	p.hub.Publish(req.TaskID, events.TypeStatus, events.Event{
		Phase:   events.PhaseDownloading,
		Message: fmt.Sprintf("Python download complete: %d/%d packages", progress.Completed, progress.Total),
	})

	return progress, nil
}

// observeLine translates pip's stdout into progress and log events. Counts
// are advisory: pip also fetches transitive dependencies, so completions are
// capped at the declared total.
func (p *Pypi) observeLine(taskID, line string, progress *tasks.Progress) {
	switch {
	case strings.HasPrefix(line, "Collecting "):
		name := strings.Fields(strings.TrimPrefix(line, "Collecting "))[0]
		p.hub.Publish(taskID, events.TypeLog, events.Event{
			Phase:       events.PhaseDownloading,
			PackageName: name,
			Message:     line,
		})
	case strings.HasPrefix(line, "Downloading "):
		p.hub.Publish(taskID, events.TypeLog, events.Event{
			Phase:   events.PhaseDownloading,
			Message: line,
		})
	case strings.HasPrefix(line, "Saved "):
		if progress.Completed+progress.Failed < progress.Total {
			progress.Completed++
		}
		p.hub.Publish(taskID, events.TypeProgress, events.Event{
			Phase:       events.PhaseDownloading,
			Current:     progress.Completed,
			Total:       progress.Total,
			PackageName: filepath.Base(strings.TrimPrefix(line, "Saved ")),
			Message:     line,
		})
	case strings.HasPrefix(line, "Successfully downloaded "):
		p.hub.Publish(taskID, events.TypeLog, events.Event{
			Phase:   events.PhaseDownloading,
			Message: line,
		})
	}
}

// recordMissing adds one unresolvable requirement to the progress record.
// Names are deduplicated across platforms and requirements files. Saved lines
// may have counted transitive wheels toward the total, so a completion is
// reclassified whenever the counters would otherwise exceed it.
func recordMissing(progress *tasks.Progress, name string) {
	if !slices.Contains(progress.FailedPackages, name) {
		progress.FailedPackages = append(progress.FailedPackages, name)
	}
	if progress.Completed+progress.Failed >= progress.Total {
		if progress.Completed == 0 {
			return
		}
		progress.Completed--
	}
	progress.Failed++
}

var missingPackageRe = regexp.MustCompile(`Could not find a version that satisfies the requirement ([A-Za-z0-9._\[\],-]+)`)

// extractMissingPackages pulls unresolvable package names out of pip's
// stderr, deduplicated in order of first appearance.
func extractMissingPackages(stderr string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range missingPackageRe.FindAllStringSubmatch(stderr, -1) {
		name := m[1]
		// Strip any extras or version constraint glued to the name.
		if i := strings.IndexAny(name, "[=<>!~"); i > 0 {
			name = name[:i]
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}
