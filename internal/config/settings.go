package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"lightsout/internal/enforce"
	"lightsout/internal/rule"
	"lightsout/internal/storage"
)

// Defaults applied when a field is omitted.
const (
	DefaultSnooze      = 10 * time.Minute
	DefaultResync      = 30 * time.Second
	DefaultTierTimeout = 5 * time.Second
	DefaultRelock      = 15 * time.Second
	DefaultPollTimeout = 10 * time.Second
	DefaultMetricsAddr = "127.0.0.1:9477"
)

// Rule converts the schedule block. Omitted fields take rule.Default values.
func (s ScheduleConfig) Rule() (rule.Rule, error) {
	r := rule.Default()
	r.Enabled = s.Enabled
	if strings.TrimSpace(s.At) != "" {
		m, err := rule.ParseClock(s.At)
		if err != nil {
			return rule.Rule{}, fmt.Errorf("schedule.at: %w", err)
		}
		r.TimeOfDay = m
	}
	if s.Days != nil {
		days, err := rule.ParseWeekdays(s.Days)
		if err != nil {
			return rule.Rule{}, fmt.Errorf("schedule.days: %w", err)
		}
		r.Weekdays = days
	}
	if s.WarningMinutes != nil {
		r.WarningLead = *s.WarningMinutes
	}
	if s.AllowCancel != nil {
		r.AllowCancel = *s.AllowCancel
	}
	if m := strings.TrimSpace(s.Message); m != "" {
		r.Message = m
	}
	if err := r.Validate(); err != nil {
		return rule.Rule{}, fmt.Errorf("schedule: %w", err)
	}
	return r, nil
}

// Location resolves the scheduler timezone.
func (s SchedulerConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

func (s SchedulerConfig) SnoozeDuration() (time.Duration, error) {
	return ParseDurationOrDefault("scheduler.snooze", s.Snooze, DefaultSnooze)
}

func (s SchedulerConfig) Resync() (time.Duration, error) {
	return ParseDurationOrDefault("scheduler.resync_interval", s.ResyncInterval, DefaultResync)
}

func (e EnforceConfig) TierNames() []string {
	if len(e.Tiers) == 0 {
		return append([]string(nil), enforce.DefaultTiers...)
	}
	out := make([]string, 0, len(e.Tiers))
	for _, t := range e.Tiers {
		out = append(out, strings.ToLower(strings.TrimSpace(t)))
	}
	return out
}

func (e EnforceConfig) Timeout() (time.Duration, error) {
	return ParseDurationOrDefault("enforce.tier_timeout", e.TierTimeout, DefaultTierTimeout)
}

func (e EnforceConfig) Relock() (time.Duration, error) {
	return ParseDurationOrDefault("enforce.relock_interval", e.RelockInterval, DefaultRelock)
}

func (s StorageConfig) Open() (storage.Config, error) {
	bt, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: strings.TrimSpace(s.Driver), Path: strings.TrimSpace(s.Path), BusyTimeout: bt}, nil
}

// Target returns the chat warnings go to.
func (t TelegramConfig) Target() int64 {
	if t.ChatID != 0 {
		return t.ChatID
	}
	if len(t.OwnerUserIDs) > 0 {
		return t.OwnerUserIDs[0]
	}
	return 0
}

func (t TelegramConfig) Poll() (time.Duration, error) {
	return ParseDurationOrDefault("telegram.poll_timeout", t.PollTimeout, DefaultPollTimeout)
}

func (m MetricsConfig) Address() string {
	if a := strings.TrimSpace(m.Addr); a != "" {
		return a
	}
	return DefaultMetricsAddr
}

// Validate checks everything that can be checked without side effects.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Schedule != nil {
		_, err := cfg.Schedule.Rule()
		add(err)
	}
	_, err := cfg.Scheduler.Location()
	add(err)
	_, err = cfg.Scheduler.SnoozeDuration()
	add(err)
	_, err = cfg.Scheduler.Resync()
	add(err)
	if cfg.Scheduler.MaxSnoozes < 0 {
		add(errors.New("scheduler.max_snoozes must be >= 0"))
	}

	_, err = cfg.Enforce.Timeout()
	add(err)
	_, err = cfg.Enforce.Relock()
	add(err)
	seen := map[string]bool{}
	for _, n := range cfg.Enforce.TierNames() {
		switch n {
		case enforce.TierSystemd, enforce.TierCommand, enforce.TierLogind:
		default:
			add(fmt.Errorf("enforce.tiers: unknown tier %q", n))
		}
		if seen[n] {
			add(fmt.Errorf("enforce.tiers: duplicate tier %q", n))
		}
		seen[n] = true
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory", "none":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(fmt.Errorf("storage.path is required for driver %q", cfg.Storage.Driver))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	_, err = cfg.Storage.Open()
	add(err)

	if cfg.Telegram.Enabled {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			add(errors.New("telegram.token is required when telegram is enabled"))
		}
		if len(cfg.Telegram.OwnerUserIDs) == 0 {
			add(errors.New("telegram.owner_user_ids must list at least one user"))
		}
		if cfg.Telegram.RatePerSec < 0 {
			add(errors.New("telegram.rate_per_sec must be >= 0"))
		}
	}
	_, err = cfg.Telegram.Poll()
	add(err)

	return errors.Join(errs...)
}
