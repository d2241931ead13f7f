package app

import (
	"context"
	"fmt"
	"strings"

	"lightsout/internal/config"
	"lightsout/internal/enforce"
	"lightsout/internal/notifier"
	"lightsout/internal/shutdown"
	kit "lightsout/internal/transport"
	logx "lightsout/pkg/logx"
)

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Forward: logx.ForwardConfig{
			// forwarding needs a chat to forward to
			Enabled:    cfg.Logging.Telegram.Enabled && cfg.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func schedulerConfig(cfg *config.Config) (shutdown.Config, error) {
	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return shutdown.Config{}, err
	}
	snooze, err := cfg.Scheduler.SnoozeDuration()
	if err != nil {
		return shutdown.Config{}, err
	}
	out := shutdown.Config{Location: loc, Snooze: snooze, MaxSnoozes: cfg.Scheduler.MaxSnoozes}
	if cfg.Schedule != nil {
		r, err := cfg.Schedule.Rule()
		if err != nil {
			return shutdown.Config{}, err
		}
		out.Seed = &r
	}
	return out, nil
}

func chatConfig(cfg *config.Config) notifier.ChatConfig {
	return notifier.ChatConfig{
		Target:     kit.ChatTarget{ChatID: cfg.Telegram.Target(), ThreadID: cfg.Telegram.ThreadID},
		RatePerSec: cfg.Telegram.RatePerSec,
		RetryMax:   3,
	}
}

// blockingText is what the owner gets when blocking mode starts. The code
// is the only way out besides stopping the daemon.
func blockingText(b enforce.Blocking) string {
	var sb strings.Builder
	sb.WriteString(b.Text())
	fmt.Fprintf(&sb, "\n\nEmergency exit: /exit %s", b.Code)
	return sb.String()
}

func announceBlocking(an notifier.Announcer, log logx.Logger) func(ctx context.Context, b enforce.Blocking) {
	return func(ctx context.Context, b enforce.Blocking) {
		if err := an.Announce(ctx, blockingText(b)); err != nil {
			log.Warn("blocking announcement failed", logx.Err(err))
		}
	}
}
