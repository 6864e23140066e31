package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"workerd/internal/config"
	"workerd/internal/control"
	"workerd/internal/eventbus"
	"workerd/internal/jobs"
	"workerd/internal/storage"
	logx "workerd/pkg/logx"
	"workerd/pkg/worker"
)

// errClosed is returned once StopAll has run; the set never starts workers
// again.
var errClosed = errors.New("worker set closed")

// managed is one running worker and the config entry it was built from.
type managed struct {
	name   string
	cfg    config.WorkerConfig
	delay  time.Duration
	runner *jobs.Runner
	w      *worker.Worker
	// builtin workers are not owned by the config file
	builtin bool
}

// workerSet owns every worker of the daemon. It implements control.Workers.
type workerSet struct {
	reg   *jobs.Registry
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger

	mu      sync.Mutex
	items   map[string]*managed
	baseCtx context.Context
	closed  bool
}

var _ control.Workers = (*workerSet)(nil)

func newWorkerSet(reg *jobs.Registry, store storage.Store, bus eventbus.Bus, log logx.Logger) *workerSet {
	return &workerSet{
		reg:     reg,
		store:   store,
		bus:     bus,
		log:     log,
		items:   map[string]*managed{},
		baseCtx: context.Background(),
	}
}

// setBaseContext parents the job contexts of workers built from now on.
func (s *workerSet) setBaseContext(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
}

// build turns a config entry into a stopped worker.
func (s *workerSet) build(name string, wc config.WorkerConfig) (*managed, error) {
	sched, err := wc.Schedule(name)
	if err != nil {
		return nil, err
	}
	fn, err := s.reg.Build(wc.Kind, name, wc.Options, jobs.Deps{Log: s.log})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	base := s.baseCtx
	s.mu.Unlock()
	runner := jobs.NewRunner(jobs.RunnerConfig{
		Name:        name,
		Kind:        wc.Kind,
		Func:        fn,
		Timeout:     sched.Timeout,
		BaseContext: base,
		Store:       s.store,
		Bus:         s.bus,
		Log:         s.log,
	})
	return s.wrap(name, wc, sched.Interval, sched.InitialDelay, sched.Jitter, runner)
}

func (s *workerSet) wrap(name string, wc config.WorkerConfig, interval, delay time.Duration, jitter *float64, runner *jobs.Runner) (*managed, error) {
	opts := []worker.Option{
		worker.WithName(name),
		worker.WithLogger(s.log.With(logx.String("worker", name))),
	}
	if jitter != nil {
		opts = append(opts, worker.WithJitter(*jitter))
	}
	w, err := worker.New(interval, runner, opts...)
	if err != nil {
		return nil, fmt.Errorf("workers.%s: %w", name, err)
	}
	return &managed{name: name, cfg: wc, delay: delay, runner: runner, w: w}, nil
}

// validate builds every enabled worker without starting it.
func (s *workerSet) validate(cfg *config.Config) error {
	for name, wc := range cfg.Workers {
		if name == jobs.WatchdogWorkerName {
			return fmt.Errorf("workers.%s: name is reserved", name)
		}
		if !wc.IsEnabled() {
			continue
		}
		if _, err := s.build(name, wc); err != nil {
			return err
		}
	}
	return nil
}

func (s *workerSet) start(m *managed) error {
	if err := m.w.Start(m.delay); err != nil {
		return err
	}
	s.log.Info("worker started",
		logx.String("worker", m.name),
		logx.String("kind", m.runner.Kind()),
		logx.Duration("interval", m.w.Interval()),
		logx.Duration("initial_delay", m.delay),
	)
	s.bus.Publish(eventbus.Event{Type: eventbus.WorkerStarted, Worker: m.name})
	return nil
}

// addBuiltin starts a worker that config reloads never touch.
func (s *workerSet) addBuiltin(name, kind string, interval time.Duration, fn jobs.Func) error {
	zero := 0.0
	runner := jobs.NewRunner(jobs.RunnerConfig{Name: name, Kind: kind, Func: fn, Store: s.store, Bus: s.bus, Log: s.log})
	m, err := s.wrap(name, config.WorkerConfig{Kind: kind}, interval, 0, &zero, runner)
	if err != nil {
		return err
	}
	m.builtin = true
	if s.isClosed() {
		return errClosed
	}
	if err := s.start(m); err != nil {
		return err
	}
	return s.adopt(m)
}

func (s *workerSet) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// adopt records a started worker. If StopAll ran in the meantime the worker
// is stopped again instead.
func (s *workerSet) adopt(m *managed) error {
	s.mu.Lock()
	if !s.closed {
		s.items[m.name] = m
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	if err := s.stopAll([]*managed{m}); err != nil {
		return errors.Join(errClosed, err)
	}
	return errClosed
}

// Reconcile makes the running set match cfg. Workers that disappeared, got
// disabled or changed are stopped; changed and new ones are then started.
// A worker that fails to build is logged and skipped. After StopAll it
// returns errClosed and changes nothing.
func (s *workerSet) Reconcile(cfg *config.Config) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errClosed
	}
	var victims []*managed
	for name, m := range s.items {
		if m.builtin {
			continue
		}
		wc, ok := cfg.Workers[name]
		if !ok || !wc.IsEnabled() || len(config.DiffWorkers(
			map[string]config.WorkerConfig{name: m.cfg},
			map[string]config.WorkerConfig{name: wc},
		)) > 0 {
			victims = append(victims, m)
			delete(s.items, name)
		}
	}
	s.mu.Unlock()

	err := s.stopAll(victims)

	names := make([]string, 0, len(cfg.Workers))
	for name := range cfg.Workers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		wc := cfg.Workers[name]
		if !wc.IsEnabled() {
			continue
		}
		s.mu.Lock()
		_, exists := s.items[name]
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return errors.Join(err, errClosed)
		}
		if exists {
			continue
		}
		m, berr := s.build(name, wc)
		if berr != nil {
			s.log.Error("worker not started", logx.String("worker", name), logx.Err(berr))
			continue
		}
		if serr := s.start(m); serr != nil {
			s.log.Error("worker not started", logx.String("worker", name), logx.Err(serr))
			continue
		}
		if aerr := s.adopt(m); aerr != nil {
			return errors.Join(err, aerr)
		}
	}
	return err
}

// StopAll stops every worker, builtin ones included, concurrently. The set
// is closed afterwards: Reconcile and addBuiltin no longer start anything.
func (s *workerSet) StopAll() error {
	s.mu.Lock()
	s.closed = true
	all := make([]*managed, 0, len(s.items))
	for name, m := range s.items {
		all = append(all, m)
		delete(s.items, name)
	}
	s.mu.Unlock()
	return s.stopAll(all)
}

func (s *workerSet) stopAll(ms []*managed) error {
	var g errgroup.Group
	for _, m := range ms {
		m := m
		g.Go(func() error {
			start := time.Now()
			if err := m.w.Stop(); err != nil {
				return fmt.Errorf("stop %s: %w", m.name, err)
			}
			s.log.Info("worker stopped", logx.String("worker", m.name), logx.Duration("took", time.Since(start)))
			s.bus.Publish(eventbus.Event{Type: eventbus.WorkerStopped, Worker: m.name})
			return nil
		})
	}
	return g.Wait()
}

func (s *workerSet) get(name string) (*managed, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[name]
	return m, ok
}

func (s *workerSet) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.items))
	for name := range s.items {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *workerSet) Snapshot() []control.WorkerInfo {
	s.mu.Lock()
	out := make([]control.WorkerInfo, 0, len(s.items))
	for _, m := range s.items {
		out = append(out, control.WorkerInfo{
			Name:     m.name,
			Kind:     m.runner.Kind(),
			Running:  m.w.IsRunning(),
			Interval: m.w.Interval().String(),
			Stats:    m.runner.Stats(),
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *workerSet) Trigger(name string) error {
	m, ok := s.get(name)
	if !ok {
		return control.ErrUnknownWorker
	}
	if err := m.w.DoWorkNow(); err != nil {
		return err
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.WorkerTriggered, Worker: name})
	return nil
}

func (s *workerSet) History(ctx context.Context, name string, limit int) ([]storage.RunRecord, error) {
	if _, ok := s.get(name); !ok {
		return nil, control.ErrUnknownWorker
	}
	if s.store == nil {
		return nil, control.ErrHistoryDisabled
	}
	return s.store.RecentRuns(ctx, name, limit)
}
