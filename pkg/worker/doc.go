// Package worker runs a Delegate periodically on a background goroutine.
//
// The loop sleeps on a counting semaphore, so the sleep itself is the
// interruption point:
//   - a natural timeout means "scheduled call is due"
//   - a signal with the stop flag set means "exit"
//   - any other signal means "call now" (DoWorkNow)
//
// Scheduling rules:
//   - Start(0) calls the delegate immediately; Start(d) waits d first. A
//     DoWorkNow during that first wait replaces the first scheduled call.
//   - Every later period is the interval with ±20% jitter (see WithJitter),
//     so many workers sharing an interval don't fire in lock-step.
//   - DoWorkNow during a period adds one call and leaves the period's
//     deadline where it was.
//
// Stop joins the goroutine: once it returns no delegate call is running and
// none will start until the next Start.
package worker
