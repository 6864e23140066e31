package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// WatchdogWorkerName is the reserved name of the built-in watchdog worker.
const WatchdogWorkerName = "systemd-watchdog"

// Notifier sends a state string to the service manager. It matches
// daemon.SdNotify.
type Notifier func(unsetEnvironment bool, state string) (bool, error)

// WatchdogInterval reports how often WATCHDOG=1 must be sent: half the unit's
// WatchdogSec. ok is false when the watchdog is not enabled for this process.
func WatchdogInterval() (d time.Duration, ok bool, err error) {
	timeout, err := daemon.SdWatchdogEnabled(false)
	if err != nil || timeout <= 0 {
		return 0, false, err
	}
	return timeout / 2, true, nil
}

// NewWatchdog pings the systemd watchdog. A nil notify uses daemon.SdNotify.
func NewWatchdog(notify Notifier) Func {
	if notify == nil {
		notify = daemon.SdNotify
	}
	return func(context.Context) (string, error) {
		sent, err := notify(false, daemon.SdNotifyWatchdog)
		if err != nil {
			return "", err
		}
		if !sent {
			return "", errors.New("NOTIFY_SOCKET not set")
		}
		return "WATCHDOG=1", nil
	}
}
