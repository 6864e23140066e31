package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"
)

const (
	DefaultControlAddr   = "127.0.0.1:6061"
	DefaultTriggerRate   = 2
	DefaultHistorySize   = 500
	DefaultStorageDriver = "file"
)

// worker names end up in URL paths and file names
var reWorkerName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// WorkerSchedule is the parsed timing part of a WorkerConfig.
type WorkerSchedule struct {
	Interval     time.Duration
	InitialDelay time.Duration
	Jitter       *float64
	Timeout      time.Duration
}

// Schedule parses the timing fields of w. name is only used in error messages.
func (w WorkerConfig) Schedule(name string) (WorkerSchedule, error) {
	var s WorkerSchedule
	var err error
	prefix := "workers." + name
	if s.Interval, _, err = ParseInterval(w.Interval); err != nil {
		return s, fmt.Errorf("%s.interval: %w", prefix, err)
	}
	if s.InitialDelay, err = ParseDurationField(prefix+".initial_delay", w.InitialDelay); err != nil {
		return s, err
	}
	if s.Timeout, err = ParseDurationField(prefix+".timeout", w.Timeout); err != nil {
		return s, err
	}
	if w.Jitter != nil {
		j := *w.Jitter
		if j < 0 || j >= 1 {
			return s, fmt.Errorf("%s.jitter: must be in [0, 1)", prefix)
		}
		s.Jitter = &j
	}
	return s, nil
}

// Validate checks everything that can be checked without knowing which job
// kinds exist. Job options are validated by the job registry.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	if err := validateControl(cfg.Control); err != nil {
		errs = append(errs, err)
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "file", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
		if s.HistorySize < 0 {
			errs = append(errs, errors.New("storage.history_size: must be >= 0"))
		}
	}

	for name, w := range cfg.Workers {
		if !reWorkerName.MatchString(name) {
			errs = append(errs, fmt.Errorf("workers: invalid name %q", name))
			continue
		}
		if strings.TrimSpace(w.Kind) == "" {
			errs = append(errs, fmt.Errorf("workers.%s.kind: required", name))
		}
		if _, err := w.Schedule(name); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func validateControl(c ControlConfig) error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	addr := c.EffectiveAddr()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		errs = append(errs, fmt.Errorf("control.addr: %w", err))
	} else if !IsLoopbackHost(host) && strings.TrimSpace(c.Token) == "" && !c.AllowInsecure {
		errs = append(errs, fmt.Errorf("control.addr: %q is not loopback; set control.token or control.allow_insecure", addr))
	}
	if c.TriggerRatePerSec < 0 {
		errs = append(errs, errors.New("control.trigger_rate_per_sec: must be >= 0"))
	}
	for field, raw := range map[string]string{
		"control.read_timeout":  c.ReadTimeout,
		"control.write_timeout": c.WriteTimeout,
		"control.idle_timeout":  c.IdleTimeout,
	} {
		if _, err := ParseDurationField(field, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c ControlConfig) EffectiveAddr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultControlAddr
}

func (c ControlConfig) EffectiveTriggerRate() int {
	if c.TriggerRatePerSec > 0 {
		return c.TriggerRatePerSec
	}
	return DefaultTriggerRate
}

func (s StorageConfig) EffectiveHistorySize() int {
	if s.HistorySize > 0 {
		return s.HistorySize
	}
	return DefaultHistorySize
}

// IsLoopbackHost reports whether host (no port) only accepts local
// connections. An empty host or 0.0.0.0 listens on every interface.
func IsLoopbackHost(host string) bool {
	h := strings.Trim(strings.TrimSpace(host), "[]")
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
