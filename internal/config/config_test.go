package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lightsout/internal/rule"
)

const sampleYAML = `
logging:
  level: info
  console: true
storage:
  driver: sqlite
  path: /tmp/lightsout.db
scheduler:
  timezone: UTC
  snooze: 5m
  max_snoozes: 2
schedule:
  enabled: true
  at: "21:30"
  days: [mon, wed, fri]
  warning_minutes: 15
  allow_cancel: false
  message: Bed time
enforce:
  tiers: [command, logind]
  tier_timeout: 3s
  command: [systemctl, poweroff]
telegram:
  enabled: true
  token: "123:abc"
  owner_user_ids: [42]
metrics:
  enabled: true
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("lightsout.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	r, err := cfg.Schedule.Rule()
	if err != nil {
		t.Fatalf("Rule: %v", err)
	}
	want := rule.Rule{
		Enabled:     true,
		TimeOfDay:   21*60 + 30,
		Weekdays:    rule.NewWeekdays(time.Monday, time.Wednesday, time.Friday),
		WarningLead: 15,
		AllowCancel: false,
		Message:     "Bed time",
	}
	if r != want {
		t.Fatalf("Rule = %+v, want %+v", r, want)
	}
	if d, _ := cfg.Scheduler.SnoozeDuration(); d != 5*time.Minute {
		t.Fatalf("snooze = %v", d)
	}
	if got := cfg.Telegram.Target(); got != 42 {
		t.Fatalf("Target = %d", got)
	}
	if cfg.Metrics.Address() != DefaultMetricsAddr {
		t.Fatalf("metrics addr = %q", cfg.Metrics.Address())
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, file, data string
	}{
		{"unknown field", "c.json", `{"logging":{"level":"info"},"plugins":{}}`},
		{"trailing data", "c.json", `{} {}`},
		{"bad yaml", "c.yml", "logging: [unclosed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tc.file, []byte(tc.data)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	lead := -1
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"empty is fine", Config{}, ""},
		{"bad timezone", Config{Scheduler: SchedulerConfig{Timezone: "Mars/Olympus"}}, "scheduler.timezone"},
		{"bad snooze", Config{Scheduler: SchedulerConfig{Snooze: "soon"}}, "scheduler.snooze"},
		{"unknown tier", Config{Enforce: EnforceConfig{Tiers: []string{"systemd", "magic"}}}, "unknown tier"},
		{"duplicate tier", Config{Enforce: EnforceConfig{Tiers: []string{"logind", "logind"}}}, "duplicate tier"},
		{"sqlite without path", Config{Storage: StorageConfig{Driver: "sqlite"}}, "storage.path"},
		{"unknown driver", Config{Storage: StorageConfig{Driver: "redis"}}, "storage.driver"},
		{"telegram without token", Config{Telegram: TelegramConfig{Enabled: true, OwnerUserIDs: []int64{1}}}, "telegram.token"},
		{"enabled without days", Config{Schedule: &ScheduleConfig{Enabled: true, Days: []string{}}}, "weekday"},
		{"negative lead", Config{Schedule: &ScheduleConfig{WarningMinutes: &lead}}, "warning lead"},
		{"bad clock", Config{Schedule: &ScheduleConfig{At: "25:00"}}, "schedule.at"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tc.cfg)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("Validate = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestScheduleRuleErrorsWrapInvalid(t *testing.T) {
	t.Parallel()
	_, err := ScheduleConfig{Days: []string{"someday"}}.Rule()
	if !errors.Is(err, rule.ErrInvalid) {
		t.Fatalf("err = %v", err)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Schedule: &ScheduleConfig{At: "22:00"}, Telegram: TelegramConfig{Token: "a"}}
	newCfg := &Config{Schedule: &ScheduleConfig{At: "21:00"}, Telegram: TelegramConfig{Token: "b"}}
	changed, attrs := SummarizeChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "schedule,telegram" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
	if got := RestartRequired(changed); len(got) != 1 || got[0] != "telegram" {
		t.Fatalf("RestartRequired = %v", got)
	}
	if ScheduleChanged(oldCfg, oldCfg) {
		t.Fatal("identical schedule reported as changed")
	}
}

func TestManagerReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "lightsout.json")
	write := func(s string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(s), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write(`{"schedule":{"enabled":false,"at":"22:00"}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)
	ctx := context.Background()

	if ok, err := m.Reload(ctx); ok || err != nil {
		t.Fatalf("unchanged reload = %v, %v", ok, err)
	}
	write(`{"schedule":{"enabled":true,"at":"23:00"}}`)
	if ok, err := m.Reload(ctx); !ok || err != nil {
		t.Fatalf("changed reload = %v, %v", ok, err)
	}
	select {
	case cfg := <-sub:
		if cfg.Schedule.At != "23:00" {
			t.Fatalf("published %+v", cfg.Schedule)
		}
	default:
		t.Fatal("nothing published")
	}

	write(`{"schedule":{"enabled":true,"at":"99:00"}}`)
	if ok, err := m.Reload(ctx); ok || err == nil {
		t.Fatalf("invalid reload = %v, %v", ok, err)
	}
	if m.Get().Schedule.At != "23:00" {
		t.Fatal("invalid config was committed")
	}
}
