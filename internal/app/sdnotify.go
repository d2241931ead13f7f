package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "lightsout/pkg/logx"
)

// Outside systemd (no NOTIFY_SOCKET) these calls are no-ops.

func notifyReady(log logx.Logger) {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify READY failed", logx.Err(err))
	} else if ok {
		log.Debug("sd_notify READY sent")
	}
}

func notifyStopping(log logx.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		log.Debug("sd_notify STOPPING failed", logx.Err(err))
	}
}

// watchdogLoop pings the systemd watchdog at half the configured interval.
func watchdogLoop(log logx.Logger) func(ctx context.Context) {
	return func(ctx context.Context) {
		interval, err := daemon.SdWatchdogEnabled(false)
		if err != nil {
			log.Warn("systemd watchdog config invalid", logx.Err(err))
			return
		}
		if interval <= 0 {
			return
		}
		tick := interval / 2
		if tick <= 0 {
			tick = interval
		}
		log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
		t := time.NewTicker(tick)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					log.Debug("sd_notify WATCHDOG failed", logx.Err(err))
				}
			}
		}
	}
}
