package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file, no external dependencies
//   - "sqlite": SQLite database file (pure Go driver)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// HistorySize is how many runs are retained per worker. 0 means 500.
	HistorySize int
}

func (c Config) historySize() int {
	if c.HistorySize > 0 {
		return c.HistorySize
	}
	return 500
}

// Trigger says why a run happened.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// RunRecord is one completed delegate call.
type RunRecord struct {
	ID        string        `json:"id"`
	Worker    string        `json:"worker"`
	Kind      string        `json:"kind"`
	Trigger   Trigger       `json:"trigger"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	OK        bool          `json:"ok"`
	Detail    string        `json:"detail,omitempty"`
	Error     string        `json:"error,omitempty"`
}
