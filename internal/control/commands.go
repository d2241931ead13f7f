package control

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"lightsout/internal/enforce"
	"lightsout/internal/occurrence"
	"lightsout/internal/rule"
	"lightsout/internal/shutdown"
	"lightsout/internal/storage"
)

// Scheduler is the part of *shutdown.Service the commands drive.
type Scheduler interface {
	Snapshot() shutdown.Snapshot
	NextShutdown() (time.Time, bool)
	Preview(n int) ([]time.Time, error)
	CancelPending(ctx context.Context) (string, error)
	SnoozePending(ctx context.Context) (string, error)
	ApplyRule(ctx context.Context, r rule.Rule) error
	TestShutdown(ctx context.Context) (enforce.Outcome, error)
}

// Blocker is the blocking-mode half of *enforce.Executor.
type Blocker interface {
	Blocking() bool
	Dismiss(code string) error
}

type AuditLog interface {
	RecentAudit(ctx context.Context, n int) ([]storage.AuditEntry, error)
}

type Deps struct {
	Scheduler Scheduler
	Blocker   Blocker
	Audit     AuditLog
	Location  *time.Location
	// Snooze is reported in the /snooze reply.
	Snooze time.Duration
}

const historyDefault = 10

// Commands builds the daemon's command set. help lists whatever the router
// ends up holding.
func Commands(d Deps, r *Router) []Command {
	loc := d.Location
	if loc == nil {
		loc = time.Local
	}
	cmds := []Command{
		{Name: "status", Description: "Schedule and pending shutdowns", Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, statusText(d, loc))
		}},
		{Name: "next", Description: "Upcoming shutdown times", Usage: "/next [n]", Handle: func(ctx context.Context, req *Request) error {
			n := 3
			if len(req.Args) > 0 {
				v, err := strconv.Atoi(req.Args[0])
				if err != nil || v <= 0 || v > 20 {
					return req.Reply(ctx, "usage: /next [1-20]")
				}
				n = v
			}
			return req.Reply(ctx, nextText(d, loc, n))
		}},
		{Name: "cancel", Description: "Cancel the pending shutdown", Handle: func(ctx context.Context, req *Request) error {
			id, err := d.Scheduler.CancelPending(shutdown.WithActor(ctx, req.Actor()))
			if err != nil {
				return req.Reply(ctx, userError(err))
			}
			return req.Reply(ctx, "Shutdown "+id+" cancelled.")
		}},
		{Name: "snooze", Description: "Postpone the pending shutdown", Handle: func(ctx context.Context, req *Request) error {
			if _, err := d.Scheduler.SnoozePending(shutdown.WithActor(ctx, req.Actor())); err != nil {
				return req.Reply(ctx, userError(err))
			}
			if next, ok := d.Scheduler.NextShutdown(); ok {
				return req.Reply(ctx, "Shutdown snoozed until "+next.In(loc).Format("15:04")+".")
			}
			return req.Reply(ctx, "Shutdown snoozed.")
		}},
		{Name: "enable", Description: "Turn the schedule on", Handle: func(ctx context.Context, req *Request) error {
			return setEnabled(ctx, d, req, true)
		}},
		{Name: "disable", Description: "Turn the schedule off", Handle: func(ctx context.Context, req *Request) error {
			return setEnabled(ctx, d, req, false)
		}},
		{Name: "exit", Description: "Leave blocking mode with the emergency code", Usage: "/exit <code>", Handle: func(ctx context.Context, req *Request) error {
			if d.Blocker == nil || !d.Blocker.Blocking() {
				return req.Reply(ctx, "Blocking mode is not active.")
			}
			if len(req.Args) != 1 {
				return req.Reply(ctx, "usage: /exit <code>")
			}
			if err := d.Blocker.Dismiss(req.Args[0]); err != nil {
				if errors.Is(err, enforce.ErrWrongCode) {
					return req.Reply(ctx, "Wrong code.")
				}
				return err
			}
			return req.Reply(ctx, "Blocking mode ended.")
		}},
		{Name: "test", Description: "Run the shutdown chain now", Timeout: 2 * time.Minute, Handle: func(ctx context.Context, req *Request) error {
			out, err := d.Scheduler.TestShutdown(shutdown.WithActor(ctx, req.Actor()))
			if err != nil {
				return err
			}
			return req.Reply(ctx, outcomeText(out))
		}},
		{Name: "history", Description: "Recent actions", Usage: "/history [n]", Handle: func(ctx context.Context, req *Request) error {
			if d.Audit == nil {
				return req.Reply(ctx, "No history available.")
			}
			n := historyDefault
			if len(req.Args) > 0 {
				if v, err := strconv.Atoi(req.Args[0]); err == nil && v > 0 && v <= 50 {
					n = v
				}
			}
			entries, err := d.Audit.RecentAudit(ctx, n)
			if err != nil {
				return err
			}
			return req.Reply(ctx, historyText(entries, loc))
		}},
	}
	cmds = append(cmds, Command{Name: "help", Aliases: []string{"start"}, Description: "List commands", Handle: func(ctx context.Context, req *Request) error {
		return req.Reply(ctx, helpText(r.Commands()))
	}})
	return cmds
}

func setEnabled(ctx context.Context, d Deps, req *Request, on bool) error {
	cur := d.Scheduler.Snapshot().Rule
	word := "disabled"
	if on {
		word = "enabled"
	}
	if cur.Enabled == on {
		return req.Reply(ctx, "Schedule already "+word+".")
	}
	next := cur
	next.Enabled = on
	if err := d.Scheduler.ApplyRule(shutdown.WithActor(ctx, req.Actor()), next); err != nil {
		if errors.Is(err, rule.ErrInvalid) {
			return req.Reply(ctx, "Cannot enable: "+err.Error())
		}
		return err
	}
	return req.Reply(ctx, "Schedule "+word+".")
}

func userError(err error) string {
	switch {
	case errors.Is(err, shutdown.ErrNoPending):
		return "Nothing pending right now."
	case errors.Is(err, shutdown.ErrCancelNotAllowed):
		return "This schedule does not allow cancelling."
	case errors.Is(err, shutdown.ErrNotApplicable):
		return "Not possible any more."
	case errors.Is(err, shutdown.ErrNotRunning):
		return "Scheduler is not running."
	default:
		return "Error: " + err.Error()
	}
}

func statusText(d Deps, loc *time.Location) string {
	snap := d.Scheduler.Snapshot()
	r := snap.Rule
	var b strings.Builder
	if r.Enabled {
		fmt.Fprintf(&b, "Schedule: on, %s on %s\n", r.Clock(), r.Weekdays)
	} else {
		b.WriteString("Schedule: off\n")
	}
	if r.WarningLead > 0 {
		fmt.Fprintf(&b, "Warning: %d min before", r.WarningLead)
	} else {
		b.WriteString("Warning: none")
	}
	if r.AllowCancel {
		b.WriteString(", cancel allowed\n")
	} else {
		b.WriteString(", cancel not allowed\n")
	}
	pending := 0
	for _, o := range snap.Occurrences {
		if o.State.Terminal() {
			continue
		}
		if pending == 0 {
			b.WriteString("\nPending:\n")
		}
		pending++
		fmt.Fprintf(&b, "- %s %s (%s)", rule.ShortName(o.Weekday), shutdown.Due(o).In(loc).Format("Mon 02 Jan 15:04"), o.State)
		if o.State == occurrence.Snoozed {
			fmt.Fprintf(&b, " x%d", o.Snoozes)
		}
		b.WriteByte('\n')
	}
	if pending == 0 && r.Enabled {
		b.WriteString("\nNothing pending.\n")
	}
	if d.Blocker != nil && d.Blocker.Blocking() {
		b.WriteString("\nBlocking mode is active. Use /exit <code>.\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func nextText(d Deps, loc *time.Location, n int) string {
	times, err := d.Scheduler.Preview(n)
	if err != nil {
		return "Error: " + err.Error()
	}
	if len(times) == 0 {
		return "No shutdowns scheduled."
	}
	var b strings.Builder
	b.WriteString("Next shutdowns:\n")
	if next, ok := d.Scheduler.NextShutdown(); ok && !next.Equal(times[0]) {
		fmt.Fprintf(&b, "- %s (pending)\n", next.In(loc).Format("Mon 02 Jan 15:04"))
	}
	for _, t := range times {
		fmt.Fprintf(&b, "- %s\n", t.In(loc).Format("Mon 02 Jan 15:04"))
	}
	return strings.TrimRight(b.String(), "\n")
}

func outcomeText(o enforce.Outcome) string {
	var b strings.Builder
	if o.Blocking() {
		b.WriteString("All tiers failed, blocking mode used.")
		if o.BlockingErr != nil {
			fmt.Fprintf(&b, " Blocking failed too: %v.", o.BlockingErr)
		}
	} else {
		fmt.Fprintf(&b, "Shutdown via %s in %s.", o.Tier, o.Took.Round(time.Millisecond))
	}
	for _, a := range o.Attempts {
		if a.OK {
			fmt.Fprintf(&b, "\n- %s: ok", a.Tier)
			continue
		}
		fmt.Fprintf(&b, "\n- %s: %v", a.Tier, a.Err)
	}
	return b.String()
}

func historyText(entries []storage.AuditEntry, loc *time.Location) string {
	if len(entries) == 0 {
		return "No history yet."
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s %s", e.At.In(loc).Format("02 Jan 15:04"), e.Action)
		if e.Occurrence != "" {
			b.WriteString(" " + e.Occurrence)
		}
		if e.Tier != "" {
			b.WriteString(" via " + e.Tier)
		}
		b.WriteString(" by " + e.Actor)
		if !e.OK {
			b.WriteString(" FAILED")
			if e.Error != "" {
				b.WriteString(": " + e.Error)
			}
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func helpText(cmds []Command) string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range cmds {
		use := c.Usage
		if use == "" {
			use = "/" + c.Name
		}
		fmt.Fprintf(&b, "%s - %s\n", use, c.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}
