package worker

import (
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"workerd/pkg/logx"
	"workerd/pkg/semaphore"
)

// Delegate performs one unit of work each time the Worker fires.
//
// DoWork runs on the Worker's own goroutine. It must not call Start, Stop or
// DoWorkNow on the same Worker, and it must not panic: a panic escaping
// DoWork is logged and then re-raised, which terminates the process.
// Delegates that can fail should handle (and, if needed, retry) their errors
// internally.
type Delegate interface {
	DoWork(w *Worker)
}

// DelegateFunc adapts a plain function to Delegate.
type DelegateFunc func(w *Worker)

func (f DelegateFunc) DoWork(w *Worker) { f(w) }

// Worker calls a Delegate periodically on a dedicated goroutine.
//
// A Worker may be started and stopped any number of times. It must be
// stopped before it is discarded. Workers must not be copied after first
// use; pass *Worker around.
type Worker struct {
	_ noCopy

	interval time.Duration
	jitter   float64
	delegate Delegate
	name     string
	log      logx.Logger

	// mu serializes Start/Stop transitions. It is never held while the
	// delegate runs.
	mu   sync.Mutex
	done chan struct{} // non-nil while a loop goroutine exists

	running       atomic.Bool
	stopRequested atomic.Bool
	// forced is set for the duration of a call caused by DoWorkNow.
	forced atomic.Bool
	sem           *semaphore.Semaphore

	// rng is only touched by the loop goroutine.
	rng *rand.Rand
}

type Option func(*Worker)

// WithName tags log lines with the worker name.
func WithName(name string) Option { return func(w *Worker) { w.name = name } }

func WithLogger(log logx.Logger) Option { return func(w *Worker) { w.log = log } }

// WithJitter sets the fraction j in [0, 1) used to randomize each period
// within [interval*(1-j), interval*(1+j)]. Zero disables jitter.
func WithJitter(j float64) Option { return func(w *Worker) { w.jitter = j } }

// WithRand replaces the jitter source (tests).
func WithRand(r *rand.Rand) Option { return func(w *Worker) { w.rng = r } }

// New returns an idle Worker that calls delegate every interval once started.
func New(interval time.Duration, delegate Delegate, opts ...Option) (*Worker, error) {
	if interval <= 0 {
		return nil, ErrInvalidInterval
	}
	if delegate == nil {
		return nil, ErrNilDelegate
	}
	w := &Worker{
		interval: interval,
		jitter:   DefaultJitter,
		delegate: delegate,
		sem:      semaphore.MustNew(0),
	}
	for _, o := range opts {
		o(w)
	}
	if w.jitter < 0 || w.jitter >= 1 {
		return nil, ErrInvalidJitter
	}
	if w.log.IsZero() {
		w.log = logx.Nop()
	}
	if w.name != "" {
		w.log = w.log.With(logx.String("worker", w.name))
	}
	if w.rng == nil {
		w.rng = newRand(w.name)
	}
	return w, nil
}

func (w *Worker) Name() string            { return w.name }
func (w *Worker) Interval() time.Duration { return w.interval }

// IsRunning reports whether the worker is between Start and Stop. The value
// is a snapshot and may be stale by the time the caller acts on it.
func (w *Worker) IsRunning() bool { return w.running.Load() }

// Forced reports whether the delegate call in progress was requested with
// DoWorkNow rather than by the schedule. It is only meaningful from inside
// Delegate.DoWork.
func (w *Worker) Forced() bool { return w.forced.Load() }

// Start launches the background goroutine. If initialDelay is zero the
// delegate is called right away; otherwise the first call happens after
// initialDelay, or earlier if DoWorkNow is called.
func (w *Worker) Start(initialDelay time.Duration) error {
	if initialDelay < 0 {
		return ErrInvalidDelay
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		w.log.Warn("start called on running worker")
		return ErrRunning
	}

	// Forced triggers that raced with the previous Stop must not leak into
	// this cycle.
	for w.sem.TryWait() {
	}
	w.stopRequested.Store(false)
	done := make(chan struct{})
	w.done = done
	w.running.Store(true)

	go func() {
		defer close(done)
		w.loop(initialDelay)
	}()

	w.log.Debug("worker started", logx.Duration("interval", w.interval), logx.Duration("initial_delay", initialDelay))
	return nil
}

// Stop asks the loop to exit and blocks until it has. A delegate call in
// progress is allowed to finish; no call begins after Stop returns.
func (w *Worker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done == nil {
		w.log.Warn("stop called on idle worker")
		return ErrNotRunning
	}

	w.stopRequested.Store(true)
	w.sem.Signal()
	<-w.done
	w.done = nil
	w.running.Store(false)

	w.log.Debug("worker stopped")
	return nil
}

// DoWorkNow interrupts the current wait so the delegate runs once more,
// promptly. It does not move the regular schedule.
func (w *Worker) DoWorkNow() error {
	if !w.running.Load() {
		w.log.Warn("do-work-now called on idle worker")
		return ErrNotRunning
	}
	w.sem.Signal()
	return nil
}

func (w *Worker) loop(initialDelay time.Duration) {
	if initialDelay > 0 {
		// Either a natural timeout or a forced trigger results in exactly one
		// call here; the forced call stands in for the first scheduled one.
		signaled := w.sem.TimedWait(initialDelay)
		if w.stopRequested.Load() {
			return
		}
		w.call(signaled)
	} else if w.stopRequested.Load() {
		return
	} else {
		w.call(false)
	}

	for {
		deadline := time.Now().Add(w.nextPeriod())
		for {
			signaled := w.sem.TimedWait(time.Until(deadline))
			if w.stopRequested.Load() {
				return
			}
			w.call(signaled)
			if !signaled {
				break
			}
			// Forced call: keep waiting for the same deadline.
		}
	}
}

func (w *Worker) call(forced bool) {
	w.forced.Store(forced)
	defer w.forced.Store(false)
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("delegate panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			panic(r)
		}
	}()
	w.delegate.DoWork(w)
}

func (w *Worker) nextPeriod() time.Duration {
	return jittered(w.interval, w.jitter, w.rng)
}

// noCopy makes go vet's copylocks check flag copies of a Worker.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
