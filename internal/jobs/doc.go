// Package jobs turns configured job kinds into worker delegates.
//
// A job is a Func. A Runner wraps it as a worker.Delegate and records every
// call: run ID, duration, outcome, stats, a storage.RunRecord and a bus
// event. Job errors and panics end the run as a failure and never reach the
// worker loop.
package jobs
