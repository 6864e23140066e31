// Package semaphore provides a counting semaphore with blocking, bounded and
// context-aware waits.
//
// Unlike a buffered-channel semaphore, the count is unbounded: Signal never
// blocks, no matter how many signals are pending. This makes it usable as a
// wakeup primitive (signal from anywhere, wait with a deadline) rather than
// only as a concurrency limiter.
package semaphore

import (
	"context"
	"errors"
	"math"
	"time"

	xsem "golang.org/x/sync/semaphore"
)

var ErrNegativeCount = errors.New("semaphore: initial count must be >= 0")

// capacity is the weighted semaphore size. The semaphore count is tracked as
// the weighted semaphore's free capacity, so Signal is Release(1) and Wait is
// Acquire(1).
const capacity = math.MaxInt64

// Semaphore is a counting semaphore. The zero value is not usable; use New.
type Semaphore struct {
	_ noCopy

	w *xsem.Weighted
}

// New creates a semaphore holding initial.
func New(initial int) (*Semaphore, error) {
	if initial < 0 {
		return nil, ErrNegativeCount
	}
	w := xsem.NewWeighted(capacity)
	// Reserve everything except the initial count. Nothing else holds w yet,
	// so this never blocks.
	if !w.TryAcquire(capacity - int64(initial)) {
		return nil, errors.New("semaphore: failed to reserve capacity")
	}
	return &Semaphore{w: w}, nil
}

// MustNew is like New but panics on error.
func MustNew(initial int) *Semaphore {
	s, err := New(initial)
	if err != nil {
		panic(err)
	}
	return s
}

// Wait blocks until the count is positive, then decrements it.
func (s *Semaphore) Wait() {
	// Background never cancels, so Acquire cannot fail.
	_ = s.w.Acquire(context.Background(), 1)
}

// WaitContext is like Wait but gives up when ctx is done. The count is only
// decremented when the returned error is nil.
func (s *Semaphore) WaitContext(ctx context.Context) error {
	return s.w.Acquire(ctx, 1)
}

// TimedWait waits up to d for the count to become positive. It reports
// whether it was signaled (and decremented) rather than timed out.
//
// A non-positive d does not block.
func (s *Semaphore) TimedWait(d time.Duration) bool {
	if d <= 0 {
		return s.TryWait()
	}
	if s.TryWait() {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return s.w.Acquire(ctx, 1) == nil
}

// TryWait decrements the count if it is positive, without blocking.
func (s *Semaphore) TryWait() bool {
	return s.w.TryAcquire(1)
}

// Signal increments the count and wakes at most one waiter. It never blocks
// and does not allocate, so it is safe to call from any goroutine.
func (s *Semaphore) Signal() {
	s.w.Release(1)
}

// noCopy trips `go vet -copylocks` when a Semaphore is copied by value.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
