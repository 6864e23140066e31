package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"workerd/internal/eventbus"
	"workerd/internal/storage"
	logx "workerd/pkg/logx"
	"workerd/pkg/worker"
)

const storeTimeout = 2 * time.Second

// Stats is a snapshot of a Runner's counters.
type Stats struct {
	Calls        uint64        `json:"calls"`
	Failures     uint64        `json:"failures"`
	LastRunID    string        `json:"last_run_id,omitempty"`
	LastRunAt    time.Time     `json:"last_run_at,omitzero"`
	LastDuration time.Duration `json:"last_duration_ns,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
}

// RunnerConfig wires a Runner. Only Name and Func are required.
type RunnerConfig struct {
	Name    string
	Kind    string
	Func    Func
	Timeout time.Duration // per call; 0 means none

	// BaseContext parents every call's context; cancel it to interrupt
	// in-flight jobs on shutdown. Defaults to context.Background().
	BaseContext context.Context

	Store storage.Store // optional
	Bus   eventbus.Bus  // optional
	Log   logx.Logger
}

// Runner adapts a Func to worker.Delegate.
type Runner struct {
	cfg RunnerConfig
	log logx.Logger

	mu    sync.Mutex
	stats Stats
}

var _ worker.Delegate = (*Runner)(nil)

func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Bus == nil {
		cfg.Bus = eventbus.Nop()
	}
	log := cfg.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		cfg: cfg,
		log: log.With(logx.String("worker", cfg.Name), logx.String("kind", cfg.Kind)),
	}
}

func (r *Runner) Name() string { return r.cfg.Name }
func (r *Runner) Kind() string { return r.cfg.Kind }

func (r *Runner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// DoWork runs the job once and records the outcome. Calls forced through
// w.DoWorkNow are recorded as manual.
func (r *Runner) DoWork(w *worker.Worker) {
	trigger := storage.TriggerSchedule
	if w != nil && w.Forced() {
		trigger = storage.TriggerManual
	}
	id := uuid.NewString()
	start := time.Now()

	detail, err := r.invoke()
	took := time.Since(start)

	rec := storage.RunRecord{
		ID:        id,
		Worker:    r.cfg.Name,
		Kind:      r.cfg.Kind,
		Trigger:   trigger,
		StartedAt: start,
		Duration:  took,
		OK:        err == nil,
		Detail:    detail,
	}
	if err != nil {
		rec.Error = err.Error()
	}

	r.mu.Lock()
	r.stats.Calls++
	if err != nil {
		r.stats.Failures++
	}
	r.stats.LastRunID = id
	r.stats.LastRunAt = start
	r.stats.LastDuration = took
	r.stats.LastError = rec.Error
	r.mu.Unlock()

	evType := eventbus.JobFinished
	if err != nil {
		evType = eventbus.JobFailed
		r.log.Warn("job failed",
			logx.String("run_id", id),
			logx.String("trigger", string(trigger)),
			logx.Duration("took", took),
			logx.Err(err),
		)
	} else {
		r.log.Debug("job finished",
			logx.String("run_id", id),
			logx.String("trigger", string(trigger)),
			logx.Duration("took", took),
			logx.String("detail", detail),
		)
	}
	r.cfg.Bus.Publish(eventbus.Event{
		Type:   evType,
		Worker: r.cfg.Name,
		Time:   start,
		Data: eventbus.JobResult{
			RunID:    id,
			Kind:     r.cfg.Kind,
			Duration: took,
			Detail:   detail,
			Err:      rec.Error,
		},
	})

	if r.cfg.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if serr := r.cfg.Store.AppendRun(ctx, rec); serr != nil {
			r.log.Warn("run record not stored", logx.String("run_id", id), logx.Err(serr))
		}
		cancel()
	}
}

// invoke calls the job with its timeout; a panic becomes an error so one
// bad job can't take the daemon down.
func (r *Runner) invoke() (detail string, err error) {
	ctx := r.cfg.BaseContext
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("job panicked", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			detail, err = "", fmt.Errorf("panic: %v", p)
		}
	}()
	return r.cfg.Func(ctx)
}
