package app

import (
	"context"
	"strings"

	"lightsout/internal/config"
	"lightsout/internal/shutdown"
	logx "lightsout/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts, keep the newest
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			if next == nil {
				continue
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

// applyConfig applies what can change at runtime: logging, owners and the
// schedule. Everything else is reported as needing a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(logConfig(next))
	if a.router != nil {
		a.router.SetOwners(next.Telegram.OwnerUserIDs)
	}

	if config.ScheduleChanged(prev, next) {
		if next.Schedule == nil {
			a.log.Info("schedule block removed; keeping the current rule")
		} else if r, err := next.Schedule.Rule(); err != nil {
			a.log.Warn("invalid schedule in reloaded config; keeping previous", logx.Err(err))
		} else if err := a.svc.ApplyRule(shutdown.WithActor(ctx, "config"), r); err != nil {
			a.log.Error("applying reloaded schedule failed", logx.Err(err))
		}
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
