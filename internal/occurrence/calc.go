// Package occurrence turns a weekly rule into concrete, dated shutdown
// occurrences and defines the per-occurrence lifecycle.
//
// Everything here is pure: no clocks, no I/O. Callers pass "now" and the
// location explicitly.
package occurrence

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"time"

	"lightsout/internal/rule"
)

// Next returns the next instant strictly after now that falls on weekday at
// the rule's time of day, in loc.
//
// If today is weekday and the slot has passed (including "it is that minute
// right now") the result is the same wall-clock time one calendar week later.
// The week step is done on the date (day+7), so DST shifts keep the wall time.
func Next(r rule.Rule, weekday time.Weekday, now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	ahead := (int(weekday) - int(local.Weekday()) + 7) % 7
	hh, mm := r.TimeOfDay/60, r.TimeOfDay%60

	y, m, d := local.Date()
	at := time.Date(y, m, d+ahead, hh, mm, 0, 0, loc)
	if ahead == 0 && !at.After(local.Truncate(time.Minute)) {
		at = time.Date(y, m, d+7, hh, mm, 0, 0, loc)
	}
	return at
}

// WarningAt returns shutdownAt minus the lead time, or the zero time when the
// warning is disabled (lead 0) or would fall at or before now.
func WarningAt(r rule.Rule, shutdownAt, now time.Time) time.Time {
	if r.WarningLead <= 0 {
		return time.Time{}
	}
	w := shutdownAt.Add(-r.Lead())
	if !w.After(now) {
		return time.Time{}
	}
	return w
}

// ID derives the occurrence id from weekday and rule version. The same rule
// always yields the same id for a weekday, which makes re-arming idempotent.
func ID(weekday time.Weekday, version uint64) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strconv.Itoa(int(weekday))))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strconv.FormatUint(version, 16)))
	return fmt.Sprintf("%s-%016x", rule.ShortName(weekday), h.Sum64())
}

// New builds the Scheduled occurrence for weekday as seen from now.
func New(r rule.Rule, weekday time.Weekday, now time.Time, loc *time.Location) Occurrence {
	at := Next(r, weekday, now, loc)
	return Occurrence{
		ID:          ID(weekday, r.Version()),
		Weekday:     weekday,
		ShutdownAt:  at,
		WarningAt:   WarningAt(r, at, now),
		State:       Scheduled,
		AllowCancel: r.AllowCancel,
	}
}

// Plan returns one occurrence per enabled weekday, soonest first. Disabled
// rules plan nothing.
func Plan(r rule.Rule, now time.Time, loc *time.Location) []Occurrence {
	if !r.Enabled {
		return nil
	}
	days := r.Weekdays.List()
	out := make([]Occurrence, 0, len(days))
	for _, d := range days {
		out = append(out, New(r, d, now, loc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShutdownAt.Before(out[j].ShutdownAt) })
	return out
}

// Earliest returns the soonest shutdown instant of an enabled rule.
func Earliest(r rule.Rule, now time.Time, loc *time.Location) (time.Time, bool) {
	p := Plan(r, now, loc)
	if len(p) == 0 {
		return time.Time{}, false
	}
	return p[0].ShutdownAt, true
}
