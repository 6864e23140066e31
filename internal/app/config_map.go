package app

import (
	"strings"
	"time"

	"workerd/internal/config"
	"workerd/internal/control"
	"workerd/internal/storage"
	logx "workerd/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorage returns ok=false when storage is disabled.
func mapStorage(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "none" {
		return storage.Config{}, false, nil
	}
	if driver == "" {
		driver = config.DefaultStorageDriver
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = "./workerd.db"
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        path,
		BusyTimeout: busy,
		HistorySize: sc.EffectiveHistorySize(),
	}, true, nil
}

func mapControl(cfg *config.Config) (control.Config, error) {
	c := cfg.Control
	rt, err := config.ParseDurationOrDefault("control.read_timeout", c.ReadTimeout, 10*time.Second)
	if err != nil {
		return control.Config{}, err
	}
	wt, err := config.ParseDurationOrDefault("control.write_timeout", c.WriteTimeout, 30*time.Second)
	if err != nil {
		return control.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("control.idle_timeout", c.IdleTimeout, 60*time.Second)
	if err != nil {
		return control.Config{}, err
	}
	return control.Config{
		Enabled:       c.Enabled,
		Addr:          c.EffectiveAddr(),
		Token:         strings.TrimSpace(c.Token),
		AllowInsecure: c.AllowInsecure,
		Pprof:         c.Pprof,
		TriggerRate:   c.EffectiveTriggerRate(),
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, nil
}
