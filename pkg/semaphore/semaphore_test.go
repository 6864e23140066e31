package semaphore

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsNegativeCount(t *testing.T) {
	t.Parallel()
	_, err := New(-1)
	require.ErrorIs(t, err, ErrNegativeCount)
	assert.Panics(t, func() { MustNew(-1) })
}

func TestInitialCountIsAvailable(t *testing.T) {
	t.Parallel()
	s := MustNew(2)
	assert.True(t, s.TryWait())
	assert.True(t, s.TryWait())
	assert.False(t, s.TryWait())
}

func TestSignalThenWaitNeverBlocks(t *testing.T) {
	t.Parallel()
	for _, n := range []int{1, 2, 10, 1000} {
		s := MustNew(0)
		for i := 0; i < n; i++ {
			s.Signal()
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < n; i++ {
				s.Wait()
			}
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("waits blocked after %d signals", n)
		}
		assert.False(t, s.TryWait(), "count should be zero after %d waits", n)
	}
}

func TestWaitBlocksUntilSignal(t *testing.T) {
	t.Parallel()
	s := MustNew(0)
	var returned atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Wait()
		returned.Store(true)
	}()

	time.Sleep(50 * time.Millisecond)
	require.False(t, returned.Load(), "Wait returned without a signal")

	s.Signal()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after Signal")
	}
	assert.True(t, returned.Load())
}

func TestTimedWaitTimeoutDoesNotDecrement(t *testing.T) {
	t.Parallel()
	s := MustNew(0)

	start := time.Now()
	assert.False(t, s.TimedWait(30*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)

	// A signal after the timeout must still be observable exactly once.
	s.Signal()
	assert.True(t, s.TryWait())
	assert.False(t, s.TryWait())
}

func TestTimedWaitSignaled(t *testing.T) {
	t.Parallel()
	s := MustNew(0)
	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Signal()
	}()
	start := time.Now()
	assert.True(t, s.TimedWait(10*time.Second))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, s.TryWait())
}

func TestTimedWaitNonPositiveDuration(t *testing.T) {
	t.Parallel()
	s := MustNew(0)
	assert.False(t, s.TimedWait(0))
	assert.False(t, s.TimedWait(-time.Second))
	s.Signal()
	assert.True(t, s.TimedWait(0))
}

func TestWaitContextCanceled(t *testing.T) {
	t.Parallel()
	s := MustNew(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.WaitContext(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	s.Signal()
	require.NoError(t, s.WaitContext(context.Background()))
	assert.False(t, s.TryWait())
}

func TestSignalReleasesOneWaiter(t *testing.T) {
	t.Parallel()
	s := MustNew(0)
	var woke atomic.Int32
	for i := 0; i < 3; i++ {
		go func() {
			if s.TimedWait(2 * time.Second) {
				woke.Add(1)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	s.Signal()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), woke.Load())
}
