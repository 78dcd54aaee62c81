// Package systemd reports service state to the systemd notify socket. Every
// call is a no-op when the process is not running under a notify-type unit.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

func Ready() error     { return notify(daemon.SdNotifyReady) }
func Stopping() error  { return notify(daemon.SdNotifyStopping) }
func Reloading() error { return notify(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func Status(msg string) error { return notify("STATUS=" + msg) }

func notify(state string) error {
	_, err := daemon.SdNotify(false, state)
	return err
}

// WatchdogInterval returns the ping interval (half the unit's WatchdogSec), or
// 0 when the watchdog is not enabled for this process.
func WatchdogInterval() time.Duration {
	iv, err := daemon.SdWatchdogEnabled(false)
	if err != nil || iv <= 0 {
		return 0
	}
	return iv / 2
}

// Watchdog pings the watchdog every interval until ctx ends or healthy
// reports false. A zero interval returns immediately.
func Watchdog(ctx context.Context, interval time.Duration, healthy func() bool) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy != nil && !healthy() {
				return
			}
			_ = notify(daemon.SdNotifyWatchdog)
		}
	}
}
