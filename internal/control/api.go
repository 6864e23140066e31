package control

import (
	"context"
	"errors"
	"time"

	"workerd/internal/jobs"
	"workerd/internal/storage"
)

var (
	ErrUnknownWorker   = errors.New("unknown worker")
	ErrHistoryDisabled = errors.New("run history disabled")
)

// WorkerInfo is one row of GET /workers.
type WorkerInfo struct {
	Name     string     `json:"name"`
	Kind     string     `json:"kind"`
	Running  bool       `json:"running"`
	Interval string     `json:"interval"`
	Stats    jobs.Stats `json:"stats"`
}

// Workers is what the server needs from the daemon.
//
// Trigger returns ErrUnknownWorker or worker.ErrNotRunning; History returns
// ErrUnknownWorker or ErrHistoryDisabled.
type Workers interface {
	Snapshot() []WorkerInfo
	Trigger(name string) error
	History(ctx context.Context, name string, limit int) ([]storage.RunRecord, error)
}

// Config controls the HTTP control server.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool
	TriggerRate   int // triggers per second across all workers; burst equals the rate

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}
