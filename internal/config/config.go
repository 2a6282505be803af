// Package config holds the pkgferry configuration model and loader.
package config

import "time"

// Config is the root configuration for pkgferry.
type Config struct {
	Gateway GatewayConfig `json:"gateway" yaml:"gateway"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
	Limits  LimitsConfig  `json:"limits" yaml:"limits"`
	Node    NodeConfig    `json:"node" yaml:"node"`
	Python  PythonConfig  `json:"python" yaml:"python"`
	Events  EventsConfig  `json:"events" yaml:"events"`
}

// GatewayConfig holds the gateway server settings.
type GatewayConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// StorageConfig holds task storage locations.
type StorageConfig struct {
	TasksDir    string `json:"tasks_dir" yaml:"tasks_dir"`       // per-task directories live here
	EventLogDB  string `json:"event_log_db" yaml:"event_log_db"` // sqlite event history ("" = <tasks_dir>/events.db)
	ExpireHours int    `json:"expire_hours" yaml:"expire_hours"` // tasks older than this are swept
	CleanupSpec string `json:"cleanup_spec" yaml:"cleanup_spec"` // cron expression for the sweep
}

// LimitsConfig bounds uploads and in-flight work.
type LimitsConfig struct {
	MaxUploadBytes  int64    `json:"max_upload_bytes" yaml:"max_upload_bytes"`
	MaxInFlight     int64    `json:"max_in_flight" yaml:"max_in_flight"` // concurrent parse/download triggers
	PackConcurrency int      `json:"pack_concurrency" yaml:"pack_concurrency"`
	TriggerTimeout  Duration `json:"trigger_timeout" yaml:"trigger_timeout"`
}

// NodeConfig configures Node.js runtime discovery for the npm pipeline.
type NodeConfig struct {
	NvmDir     string            `json:"nvm_dir" yaml:"nvm_dir"`         // default: $NVM_DIR or ~/.nvm
	VersionMap map[string]string `json:"version_map" yaml:"version_map"` // "20" -> "20.11.1"
}

// PythonConfig configures Python runtime discovery for the pypi pipeline.
type PythonConfig struct {
	PyenvRoot  string            `json:"pyenv_root" yaml:"pyenv_root"` // default: $PYENV_ROOT or ~/.pyenv
	VersionMap map[string]string `json:"version_map" yaml:"version_map"`
	Platforms  []string          `json:"platforms" yaml:"platforms"` // default wheel platforms
}

// EventsConfig holds event hub settings.
type EventsConfig struct {
	BufferSize int `json:"buffer_size" yaml:"buffer_size"` // per-listener channel depth
}

// Duration wraps time.Duration for JSON/YAML unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
