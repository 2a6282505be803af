// Package manifest classifies and validates uploaded dependency manifests.
package manifest

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

var npmFiles = map[string]bool{
	"package.json":      true,
	"package-lock.json": true,
}

var pythonFiles = map[string]bool{
	"requirements.txt":      true,
	"requirements-dev.txt":  true,
	"requirements-test.txt": true,
	"Pipfile":               true,
	"Pipfile.lock":          true,
	"pyproject.toml":        true,
	"setup.py":              true,
	"setup.cfg":             true,
}

var allowedExtensions = map[string]bool{
	".json": true,
	".txt":  true,
	".toml": true,
	".cfg":  true,
	".lock": true,
	".py":   true,
}

// IsNpmFile reports whether filename is an npm dependency manifest.
func IsNpmFile(filename string) bool { return npmFiles[filename] }

// IsPythonFile reports whether filename is a Python dependency manifest.
func IsPythonFile(filename string) bool { return pythonFiles[filename] }

// FileType returns "npm", "python", or "" for an unrecognized file.
func FileType(filename string) string {
	switch {
	case IsNpmFile(filename):
		return "npm"
	case IsPythonFile(filename):
		return "python"
	default:
		return ""
	}
}

// AllowedExtension reports whether the file's extension may be uploaded at all.
func AllowedExtension(filename string) bool {
	return allowedExtensions[strings.ToLower(filepath.Ext(filename))]
}

// Categorized groups uploaded filenames by ecosystem.
type Categorized struct {
	Npm     []string `json:"npm"`
	Python  []string `json:"python"`
	Unknown []string `json:"unknown"`
}

// Categorize splits filenames into npm, python, and unknown sets.
func Categorize(files []string) Categorized {
	var c Categorized
	for _, f := range files {
		switch FileType(f) {
		case "npm":
			c.Npm = append(c.Npm, f)
		case "python":
			c.Python = append(c.Python, f)
		default:
			c.Unknown = append(c.Unknown, f)
		}
	}
	return c
}

// ValidateNpmFile checks that an npm manifest on disk is structurally usable.
func ValidateNpmFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}

	switch filepath.Base(path) {
	case "package.json":
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(data, &doc); err != nil {
			slog.Error("invalid JSON in manifest", "path", path)
			return false
		}
		_, hasDeps := doc["dependencies"]
		_, hasDevDeps := doc["devDependencies"]
		return hasDeps || hasDevDeps
	case "package-lock.json":
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(data, &doc); err != nil {
			slog.Error("invalid JSON in manifest", "path", path)
			return false
		}
		_, hasPackages := doc["packages"]
		_, hasDeps := doc["dependencies"]
		return hasPackages || hasDeps
	}

	return true
}

// ValidatePythonFile checks that a Python manifest on disk is structurally usable.
func ValidatePythonFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	content := string(data)
	base := filepath.Base(path)

	switch {
	case strings.HasPrefix(base, "requirements"):
		// At least one non-comment line.
		for _, line := range strings.Split(content, "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "#") {
				return true
			}
		}
		return false
	case base == "Pipfile":
		return strings.Contains(content, "[packages]") || strings.Contains(content, "[dev-packages]")
	case base == "pyproject.toml":
		return strings.Contains(content, "[project]") || strings.Contains(content, "[tool.poetry")
	}

	return true
}
