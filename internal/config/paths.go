package config

import (
	"os"
	"path/filepath"
)

// PkgferryPath returns the root directory for pkgferry data.
// It uses $PKGFERRY_PATH if set, otherwise defaults to ~/.pkgferry.
func PkgferryPath() string {
	if v := os.Getenv("PKGFERRY_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".pkgferry")
	}
	return filepath.Join(home, ".pkgferry")
}

// ConfigPath returns the path to the pkgferry config file.
func ConfigPath() string {
	return filepath.Join(PkgferryPath(), "config.jsonc")
}

// DotenvPath returns the path to the pkgferry .env file.
func DotenvPath() string {
	return filepath.Join(PkgferryPath(), ".env")
}
