package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"workerd/internal/config"
	"workerd/internal/control"
	"workerd/internal/eventbus"
	"workerd/internal/jobs"
	rtsup "workerd/internal/runtime/supervisor"
	"workerd/internal/storage"
	logx "workerd/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	reg     *jobs.Registry
	workers *workerSet
	control *control.Server

	notify jobs.Notifier
	sup    *rtsup.Supervisor
	// jobsCancel interrupts in-flight jobs at the start of Stop.
	jobsCancel context.CancelFunc
}

type Option func(*App)

// WithRegistry replaces the built-in job kinds.
func WithRegistry(r *jobs.Registry) Option { return func(a *App) { a.reg = r } }

// WithNotifier replaces daemon.SdNotify for the watchdog worker.
func WithNotifier(n jobs.Notifier) Option { return func(a *App) { a.notify = n } }

// New loads the config and opens everything Start needs. Nothing runs yet.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	a := &App{cfgm: cfgm, bus: eventbus.New()}
	for _, o := range opts {
		o(a)
	}
	if a.reg == nil {
		a.reg = jobs.DefaultRegistry()
	}

	logSvc, log := logx.New(mapLogging(cfg))
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))

	sc, enabled, err := mapStorage(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	a.workers = newWorkerSet(a.reg, a.store, a.bus, log.With(logx.String("comp", "jobs")))
	if err := a.workers.validate(cfg); err != nil {
		a.closeResources()
		return nil, err
	}

	cc, err := mapControl(cfg)
	if err != nil {
		a.closeResources()
		return nil, err
	}
	a.control = control.New(cc, a.workers, log)
	return a, nil
}

// Check loads and validates the config at path, building every job without
// running it.
func Check(cfgPath string) error {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return err
	}
	if _, err := mapControl(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorage(cfg); err != nil {
		return err
	}
	ws := newWorkerSet(jobs.DefaultRegistry(), nil, eventbus.Nop(), logx.Nop())
	return ws.validate(cfg)
}

func (a *App) Config() *config.Config { return a.cfgm.Get() }

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Bus() eventbus.Bus { return a.bus }

// ControlAddr is the bound control address, or "" when it isn't listening.
func (a *App) ControlAddr() string { return a.control.Addr() }

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	jobsCtx, cancel := context.WithCancel(a.sup.Context())
	a.jobsCancel = cancel
	a.workers.setBaseContext(jobsCtx)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapControl(cfg); err != nil {
			return err
		}
		return a.workers.validate(cfg)
	})

	cfg := a.cfgm.Get()
	if err := a.workers.Reconcile(cfg); err != nil {
		return err
	}
	if cfg.Systemd.Watchdog {
		if err := a.startWatchdog(); err != nil {
			return err
		}
	}
	a.control.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if !a.log.Enabled(logx.LevelTrace) {
					continue
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.String("worker", e.Worker), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := cfg
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts; only the newest config matters
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Any("workers", a.workers.Names()))
	return nil
}

func (a *App) startWatchdog() error {
	interval, ok, err := jobs.WatchdogInterval()
	if err != nil {
		return fmt.Errorf("systemd watchdog: %w", err)
	}
	if !ok {
		a.log.Debug("systemd watchdog not enabled for this unit")
		return nil
	}
	return a.workers.addBuiltin(jobs.WatchdogWorkerName, "watchdog", interval, jobs.NewWatchdog(a.notify))
}

// applyConfig brings the running daemon in line with a reloaded config.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, changedWorkers := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogging(next))

	for _, s := range sections {
		switch s {
		case "storage", "systemd":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	if cc, err := mapControl(next); err != nil {
		a.log.Warn("invalid control config; keeping previous", logx.Err(err))
	} else if err := a.control.Reconfigure(ctx, cc); err != nil {
		a.log.Warn("control server reconfigure failed", logx.Err(err))
	}

	if len(changedWorkers) > 0 {
		if err := a.workers.Reconcile(next); errors.Is(err, errClosed) {
			a.log.Debug("reload ignored: shutting down")
			return
		} else if err != nil {
			a.log.Warn("worker reconcile incomplete", logx.Err(err))
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
	fields := append([]logx.Field{
		logx.String("changed", strings.Join(sections, ",")),
		logx.Any("workers_changed", changedWorkers),
	}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts everything down in order, giving each step a bounded share of
// ctx. A step that overruns is left running and the next step begins.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := a.step(ctx, name, max, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("control", 3*time.Second, a.control.Stop)
	// end the reload loop before the workers go; the set refuses restarts anyway
	a.sup.Cancel()
	a.jobsCancel()
	step("workers", 10*time.Second, func(context.Context) error { return a.workers.StopAll() })
	step("supervisor", 3*time.Second, a.sup.Stop)
	step("storage", 2*time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})

	a.log.Info("stopped", logx.String("reason", string(reason)))
	_ = a.logs.Close()
	return errors.Join(errs...)
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return context.DeadlineExceeded
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
		return stepCtx.Err()
	}
}

func (a *App) closeResources() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
