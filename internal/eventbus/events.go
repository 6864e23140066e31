package eventbus

import "time"

// Event types published by workerd.
const (
	WorkerStarted   = "worker.started"
	WorkerStopped   = "worker.stopped"
	WorkerTriggered = "worker.triggered"
	JobFinished     = "job.finished"
	JobFailed       = "job.failed"
	ConfigReloaded  = "config.reloaded"
)

// JobResult is the Data of JobFinished and JobFailed events.
type JobResult struct {
	RunID    string
	Kind     string
	Duration time.Duration
	Detail   string
	Err      string
}
