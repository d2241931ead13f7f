package config

import (
	"reflect"
	"strings"

	logx "lightsout/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// returns log attrs describing the new values. Secrets are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.snooze", newCfg.Scheduler.Snooze),
			logx.Int("scheduler.max_snoozes", newCfg.Scheduler.MaxSnoozes),
		)
	}
	if ScheduleChanged(oldCfg, newCfg) {
		changed = append(changed, "schedule")
		if s := newCfg.Schedule; s != nil {
			attrs = append(attrs,
				logx.Bool("schedule.enabled", s.Enabled),
				logx.String("schedule.at", s.At),
				logx.String("schedule.days", strings.Join(s.Days, ",")),
			)
		}
	}
	if !reflect.DeepEqual(oldCfg.Enforce, newCfg.Enforce) {
		changed = append(changed, "enforce")
		attrs = append(attrs, logx.String("enforce.tiers", strings.Join(newCfg.Enforce.TierNames(), ",")))
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Enabled != nt.Enabled || ot.Token != nt.Token || ot.ChatID != nt.ChatID || ot.ThreadID != nt.ThreadID ||
		ot.PollTimeout != nt.PollTimeout || ot.RatePerSec != nt.RatePerSec || !reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", nt.Enabled),
			logx.Bool("telegram.token_set", strings.TrimSpace(nt.Token) != ""),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics) {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", newCfg.Metrics.Address()),
			logx.Bool("metrics.token_set", newCfg.Metrics.Token != ""),
		)
	}
	return changed, attrs
}

// ScheduleChanged reports whether the schedule block differs.
func ScheduleChanged(oldCfg, newCfg *Config) bool {
	var o, n *ScheduleConfig
	if oldCfg != nil {
		o = oldCfg.Schedule
	}
	if newCfg != nil {
		n = newCfg.Schedule
	}
	return !reflect.DeepEqual(o, n)
}

// RestartRequired lists changed sections that only take effect after a
// restart of the daemon.
func RestartRequired(changed []string) []string {
	var out []string
	for _, c := range changed {
		switch c {
		case "storage", "telegram", "metrics", "enforce":
			out = append(out, c)
		}
	}
	return out
}
