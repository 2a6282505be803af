package pipeline

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// runtimeEnv builds the process environment for an external tool and returns
// the located runtime bin directory, or "" when discovery fell back to the
// ambient default. Discovery never fails outright: an exact match is
// preferred, then the latest installed patch under the requested version,
// then the ambient default runtime.
//
// exactPattern should match the fully mapped version (e.g.
// ~/.nvm/versions/node/v20.11.1*/bin), fallbackPattern the requested
// major/minor with any patch (e.g. ~/.nvm/versions/node/v20.*/bin).
func runtimeEnv(label, version, exactPattern, fallbackPattern string) ([]string, string) {
	env := os.Environ()

	if bin := globFirst(exactPattern); bin != "" {
		slog.Info("using "+label+" runtime", "path", bin)
		return prependPath(env, bin), bin
	}

	if bin := globLast(fallbackPattern); bin != "" {
		slog.Info("using "+label+" runtime", "path", bin)
		return prependPath(env, bin), bin
	}

	slog.Warn(label+" runtime not found, using system default", "version", version)
	return env, ""
}

// toolPath resolves a tool inside the discovered bin directory. exec looks
// the command up on the parent's PATH, not the child env's, so the discovered
// runtime must be addressed by absolute path. A bare name falls through to
// the ambient PATH.
func toolPath(binDir, name string) string {
	if binDir == "" {
		return name
	}
	return filepath.Join(binDir, name)
}

// globFirst returns the first match of pattern, or "".
func globFirst(pattern string) string {
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil || len(matches) == 0 {
		return ""
	}
	sort.Strings(matches)
	return matches[0]
}

// globLast returns the last match of pattern (latest patch), or "".
func globLast(pattern string) string {
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil || len(matches) == 0 {
		return ""
	}
	sort.Strings(matches)
	return matches[len(matches)-1]
}

// prependPath returns env with dir prepended to the PATH entry.
func prependPath(env []string, dir string) []string {
	out := make([]string, 0, len(env)+1)
	found := false
	for _, kv := range env {
		if len(kv) >= 5 && kv[:5] == "PATH=" {
			out = append(out, "PATH="+dir+string(os.PathListSeparator)+kv[5:])
			found = true
			continue
		}
		out = append(out, kv)
	}
	if !found {
		out = append(out, "PATH="+dir)
	}
	return out
}
