package config

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	logx "workerd/pkg/logx"
)

// SummarizeChange returns the changed top-level sections, log fields that
// describe the new values (the control token is never included), and the
// names of workers whose definition changed, appeared or disappeared.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oc, nc := oldCfg.Control, newCfg.Control
	if oc != nc {
		changed = append(changed, "control")
		attrs = append(attrs,
			logx.Bool("control.enabled", nc.Enabled),
			logx.String("control.addr", strings.TrimSpace(nc.Addr)),
			logx.Bool("control.token_set", strings.TrimSpace(nc.Token) != ""),
			logx.Bool("control.pprof", nc.Pprof),
		)
	}

	// nil means disabled
	var oldS, newS StorageConfig
	if oldCfg.Storage != nil {
		oldS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		newS = *newCfg.Storage
	}
	if oldS != newS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		attrs = append(attrs,
			logx.Bool("systemd.notify", newCfg.Systemd.Notify),
			logx.Bool("systemd.watchdog", newCfg.Systemd.Watchdog),
		)
	}

	workers := DiffWorkers(oldCfg.Workers, newCfg.Workers)
	if len(workers) > 0 {
		changed = append(changed, "workers")
		attrs = append(attrs,
			logx.Int("workers.changed_count", len(workers)),
			logx.Int("workers.enabled_count", countEnabled(newCfg.Workers)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, workers
}

func countEnabled(m map[string]WorkerConfig) int {
	n := 0
	for _, w := range m {
		if w.IsEnabled() {
			n++
		}
	}
	return n
}

// DiffWorkers lists (sorted) the worker names whose entries differ.
func DiffWorkers(oldM, newM map[string]WorkerConfig) []string {
	set := make(map[string]struct{}, len(oldM)+len(newM))
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, inOld := oldM[name]
		n, inNew := newM[name]
		if inOld != inNew || !sameWorker(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func sameWorker(a, b WorkerConfig) bool {
	if a.Kind != b.Kind || a.IsEnabled() != b.IsEnabled() ||
		a.Interval != b.Interval || a.InitialDelay != b.InitialDelay || a.Timeout != b.Timeout {
		return false
	}
	if !reflect.DeepEqual(a.Jitter, b.Jitter) {
		return false
	}
	return bytes.Equal(canonicalJSON(a.Options), canonicalJSON(b.Options))
}

// canonicalJSON re-encodes raw so key order and whitespace don't count as a change.
func canonicalJSON(raw json.RawMessage) []byte {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return b
}
