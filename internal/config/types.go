package config

import (
	"bytes"
	"encoding/json"
)

// Config is the on-disk daemon configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m") unless
// noted otherwise. Intervals additionally accept "HH:MM" and "@every <dur>".
type Config struct {
	Logging LoggingConfig           `json:"logging"`
	Control ControlConfig           `json:"control,omitempty"`
	Storage *StorageConfig          `json:"storage,omitempty"`
	Systemd SystemdConfig           `json:"systemd,omitempty"`
	Workers map[string]WorkerConfig `json:"workers"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ControlConfig controls the HTTP control server (status, trigger, history, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6061").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type ControlConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6061"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	// TriggerRatePerSec bounds POST /workers/{name}/trigger across all workers.
	// Default 2, burst equals the rate.
	TriggerRatePerSec int `json:"trigger_rate_per_sec,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// StorageConfig controls run-history persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./workerd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	HistorySize int    `json:"history_size,omitempty"` // per worker; default 500
}

// SystemdConfig controls sd_notify integration. Both flags are no-ops when
// the process is not started by systemd.
type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}

// WorkerConfig describes one periodic job.
type WorkerConfig struct {
	Kind    string `json:"kind"`
	Enabled *bool  `json:"enabled,omitempty"` // default true

	Interval     string `json:"interval"`
	InitialDelay string `json:"initial_delay,omitempty"`
	// Jitter is the fraction of the interval each period may drift by.
	// nil means the worker default (0.2); 0 disables jitter.
	Jitter  *float64 `json:"jitter,omitempty"`
	Timeout string   `json:"timeout,omitempty"` // per-run context timeout; default none

	Options json.RawMessage `json:"options,omitempty"`
}

// IsEnabled applies the default (enabled) when the flag is omitted.
func (w WorkerConfig) IsEnabled() bool { return w.Enabled == nil || *w.Enabled }

// UnmarshalJSON disallows unknown fields so typos in a worker block are
// caught on load and on hot reload.
func (w *WorkerConfig) UnmarshalJSON(b []byte) error {
	type plain WorkerConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var p plain
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*w = WorkerConfig(p)
	return nil
}
