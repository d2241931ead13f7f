package enforce

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"lightsout/pkg/power"
)

// Tier names accepted by BuildTiers.
const (
	TierSystemd = "systemd"
	TierCommand = "command"
	TierLogind  = "logind"
)

// DefaultTiers is the chain order, most privileged first.
var DefaultTiers = []string{TierSystemd, TierCommand, TierLogind}

var ErrUnconfirmed = errors.New("enforce: command exited 0 but poweroff cannot be confirmed")

// PowerManager is the OS surface the tiers drive. *power.Manager satisfies it.
type PowerManager interface {
	StartPowerOff(ctx context.Context) (int, error)
	CanPowerOff(ctx context.Context) (string, error)
	PowerOff(ctx context.Context, interactive bool) error
	LockSessions(ctx context.Context) error
}

// TierOptions configures the built-in tiers.
type TierOptions struct {
	Command          []string
	TrustCommandExit bool
	// run replaces power.RunCommand in tests.
	run func(ctx context.Context, argv []string) error
}

// BuildTiers constructs the named tiers in order.
func BuildTiers(names []string, pm PowerManager, opt TierOptions) ([]Tier, error) {
	if len(names) == 0 {
		names = DefaultTiers
	}
	out := make([]Tier, 0, len(names))
	seen := map[string]bool{}
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if seen[name] {
			return nil, fmt.Errorf("duplicate enforcement tier %q", name)
		}
		seen[name] = true
		switch name {
		case TierSystemd:
			out = append(out, SystemdTier(pm))
		case TierCommand:
			out = append(out, CommandTier(opt))
		case TierLogind:
			out = append(out, LogindTier(pm))
		default:
			return nil, fmt.Errorf("unknown enforcement tier %q", raw)
		}
	}
	return out, nil
}

// SystemdTier queues poweroff.target over D-Bus. Needs root or a polkit
// rule. Success means systemd accepted the job.
func SystemdTier(pm PowerManager) Tier {
	return TierFunc(TierSystemd, func(ctx context.Context, reason string) (bool, error) {
		if _, err := pm.StartPowerOff(ctx); err != nil {
			return false, err
		}
		return true, nil
	})
}

// CommandTier runs an unprivileged command. Its exit status does not prove
// the host is going down, so it counts as failure unless TrustCommandExit.
func CommandTier(opt TierOptions) Tier {
	argv := opt.Command
	if len(argv) == 0 {
		argv = power.DefaultCommand
	}
	argv = append([]string(nil), argv...)
	run := opt.run
	if run == nil {
		run = power.RunCommand
	}
	trust := opt.TrustCommandExit
	return TierFunc(TierCommand, func(ctx context.Context, reason string) (bool, error) {
		if err := run(ctx, argv); err != nil {
			return false, err
		}
		if !trust {
			return false, ErrUnconfirmed
		}
		return true, nil
	})
}

// LogindTier calls logind's CanPowerOff and PowerOff by method name.
func LogindTier(pm PowerManager) Tier {
	return TierFunc(TierLogind, func(ctx context.Context, reason string) (bool, error) {
		answer, err := pm.CanPowerOff(ctx)
		if err != nil {
			return false, err
		}
		if answer != "yes" {
			return false, fmt.Errorf("logind CanPowerOff=%q", answer)
		}
		if err := pm.PowerOff(ctx, false); err != nil {
			return false, err
		}
		return true, nil
	})
}
