package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a config file, expands ${{ .Env.VAR }} templates, unmarshals it
// into Config, and applies defaults. JSONC is assumed unless the file has a
// .yaml/.yml extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := []byte(expandEnvTemplates(string(data)))

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	default:
		std, err := hujson.Standardize(expanded)
		if err != nil {
			return nil, fmt.Errorf("standardize config: %w", err)
		}
		if err := json.Unmarshal(std, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	ApplyDefaults(&cfg)
	return &cfg, nil
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// Default builds a Config with every field defaulted.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills in zero-value fields with sensible defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 8640
	}
	if cfg.Storage.TasksDir == "" {
		cfg.Storage.TasksDir = filepath.Join(PkgferryPath(), "tasks")
	}
	if cfg.Storage.EventLogDB == "" {
		cfg.Storage.EventLogDB = filepath.Join(cfg.Storage.TasksDir, "events.db")
	}
	if cfg.Storage.ExpireHours == 0 {
		cfg.Storage.ExpireHours = 24
	}
	if cfg.Storage.CleanupSpec == "" {
		cfg.Storage.CleanupSpec = "@hourly"
	}
	if cfg.Limits.MaxUploadBytes == 0 {
		cfg.Limits.MaxUploadBytes = 1 << 20
	}
	if cfg.Limits.MaxInFlight == 0 {
		cfg.Limits.MaxInFlight = 5
	}
	if cfg.Limits.PackConcurrency == 0 {
		cfg.Limits.PackConcurrency = 4
	}
	if cfg.Limits.TriggerTimeout == 0 {
		cfg.Limits.TriggerTimeout = Duration(30 * time.Minute)
	}
	if cfg.Node.NvmDir == "" {
		if v := os.Getenv("NVM_DIR"); v != "" {
			cfg.Node.NvmDir = v
		} else {
			home, _ := os.UserHomeDir()
			cfg.Node.NvmDir = filepath.Join(home, ".nvm")
		}
	}
	if len(cfg.Node.VersionMap) == 0 {
		cfg.Node.VersionMap = map[string]string{
			"18": "18.20.4",
			"20": "20.11.1",
			"22": "22.11.0",
		}
	}
	if cfg.Python.PyenvRoot == "" {
		if v := os.Getenv("PYENV_ROOT"); v != "" {
			cfg.Python.PyenvRoot = v
		} else {
			home, _ := os.UserHomeDir()
			cfg.Python.PyenvRoot = filepath.Join(home, ".pyenv")
		}
	}
	if len(cfg.Python.VersionMap) == 0 {
		cfg.Python.VersionMap = map[string]string{
			"3.11": "3.11.9",
			"3.12": "3.12.3",
			"3.13": "3.13.0",
		}
	}
	if len(cfg.Python.Platforms) == 0 {
		cfg.Python.Platforms = []string{"win_amd64", "manylinux2014_x86_64"}
	}
	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 256
	}
}
