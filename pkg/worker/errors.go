package worker

import "errors"

var (
	ErrInvalidInterval = errors.New("worker: interval must be > 0")
	ErrInvalidDelay    = errors.New("worker: initial delay must be >= 0")
	ErrInvalidJitter   = errors.New("worker: jitter must be in [0, 1)")
	ErrNilDelegate     = errors.New("worker: delegate is nil")
	ErrRunning         = errors.New("worker: already running")
	ErrNotRunning      = errors.New("worker: not running")
)
