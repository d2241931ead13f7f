package config

// Config is the daemon configuration file (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "15m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	// Schedule seeds the rule on first start and is re-applied whenever the
	// file changes it.
	Schedule *ScheduleConfig `json:"schedule,omitempty"`
	Enforce  EnforceConfig   `json:"enforce"`
	Telegram TelegramConfig  `json:"telegram"`
	Metrics  MetricsConfig   `json:"metrics"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards warn+ log lines to the Telegram chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "/var/lib/lightsout/state.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

type SchedulerConfig struct {
	// Timezone is an IANA name; empty means the host's local zone.
	Timezone string `json:"timezone,omitempty"`
	// Snooze defaults to 10m.
	Snooze string `json:"snooze,omitempty"`
	// MaxSnoozes defaults to 1.
	MaxSnoozes int `json:"max_snoozes,omitempty"`
	// ResyncInterval is how often timers are checked against the wall
	// clock (host suspend). Defaults to 30s.
	ResyncInterval string `json:"resync_interval,omitempty"`
}

// ScheduleConfig is the human form of a rule.
//
//	schedule:
//	  enabled: true
//	  at: "22:00"
//	  days: [mon, tue, wed, thu, fri]
//	  warning_minutes: 10
type ScheduleConfig struct {
	Enabled        bool     `json:"enabled"`
	At             string   `json:"at"`
	Days           []string `json:"days"`
	WarningMinutes *int     `json:"warning_minutes,omitempty"`
	AllowCancel    *bool    `json:"allow_cancel,omitempty"`
	Message        string   `json:"message,omitempty"`
}

type EnforceConfig struct {
	// Tiers in order; defaults to systemd, command, logind.
	Tiers            []string `json:"tiers,omitempty"`
	TierTimeout      string   `json:"tier_timeout,omitempty"`
	Command          []string `json:"command,omitempty"`
	TrustCommandExit bool     `json:"trust_command_exit,omitempty"`
	RelockInterval   string   `json:"relock_interval,omitempty"`
}

type TelegramConfig struct {
	Enabled      bool    `json:"enabled"`
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// ChatID receives warnings; defaults to the first owner (private chat).
	ChatID   int64 `json:"chat_id,omitempty"`
	ThreadID int   `json:"thread_id,omitempty"`
	// PollTimeout defaults to 10s.
	PollTimeout string `json:"poll_timeout,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint. Prefer a loopback Addr.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default 127.0.0.1:9477
	Path    string `json:"path,omitempty"` // default /metrics
	// Pprof mounts net/http/pprof under /debug/pprof/ on the same server.
	Pprof bool   `json:"pprof,omitempty"`
	Token string `json:"token,omitempty"` // optional bearer token (do not log)
}
