package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"reviewwatch/pkg/logx"
)

// notifyReady tells systemd the daemon is up and starts the watchdog pinger
// when WatchdogSec is set. Outside systemd both are no-ops.
func (a *App) notifyReady() {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if !ok {
		return
	}
	a.log.Debug("sd_notify ready sent")

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					a.log.Warn("sd_notify watchdog failed", logx.Err(err))
				}
			}
		}
	})
}

func (a *App) notifyStopping() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}
