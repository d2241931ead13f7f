// Package rule defines the weekly shutdown recurrence rule and its wire format.
package rule

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultMessage is shown when a rule carries no message of its own.
const DefaultMessage = "Time to disconnect and focus on what matters most!"

// MinutesPerDay bounds TimeOfDay (exclusive).
const MinutesPerDay = 24 * 60

var ErrInvalid = errors.New("invalid rule")

// Rule describes when shutdowns happen. Treat it as an immutable value:
// methods never mutate the receiver and Weekdays is copied on construction.
type Rule struct {
	Enabled     bool
	TimeOfDay   int // minutes since local midnight, 0..1439
	Weekdays    Weekdays
	WarningLead int // minutes before the shutdown instant; 0 disables the warning
	AllowCancel bool
	Message     string
}

// Default mirrors the out-of-the-box schedule: disabled, 22:00 on workdays,
// ten minute warning, cancellable.
func Default() Rule {
	return Rule{
		Enabled:     false,
		TimeOfDay:   22 * 60,
		Weekdays:    NewWeekdays(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday),
		WarningLead: 10,
		AllowCancel: true,
		Message:     DefaultMessage,
	}
}

// Validate reports the first problem with r. Disabled rules may carry an
// empty weekday set.
func (r Rule) Validate() error {
	if r.TimeOfDay < 0 || r.TimeOfDay >= MinutesPerDay {
		return fmt.Errorf("%w: time of day %d out of range 0..%d", ErrInvalid, r.TimeOfDay, MinutesPerDay-1)
	}
	if r.WarningLead < 0 {
		return fmt.Errorf("%w: warning lead must be >= 0", ErrInvalid)
	}
	if r.Weekdays&^allWeekdays != 0 {
		return fmt.Errorf("%w: unknown weekday bits %b", ErrInvalid, uint8(r.Weekdays&^allWeekdays))
	}
	if r.Enabled && r.Weekdays.Empty() {
		return fmt.Errorf("%w: enabled rule needs at least one weekday", ErrInvalid)
	}
	return nil
}

// Text returns the message, falling back to DefaultMessage when empty.
func (r Rule) Text() string {
	if m := strings.TrimSpace(r.Message); m != "" {
		return m
	}
	return DefaultMessage
}

// Lead returns the warning lead as a duration.
func (r Rule) Lead() time.Duration { return time.Duration(r.WarningLead) * time.Minute }

// Clock renders TimeOfDay as HH:MM.
func (r Rule) Clock() string {
	return fmt.Sprintf("%02d:%02d", r.TimeOfDay/60, r.TimeOfDay%60)
}

// Version is a stable hash of everything that shapes an occurrence. Two
// rules with equal content have equal versions regardless of how they were built.
func (r Rule) Version() uint64 {
	h := fnv.New64a()
	var b strings.Builder
	b.WriteString(strconv.FormatBool(r.Enabled))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(r.TimeOfDay))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(int(r.Weekdays)))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(r.WarningLead))
	b.WriteByte('|')
	b.WriteString(strconv.FormatBool(r.AllowCancel))
	b.WriteByte('|')
	b.WriteString(r.Text())
	_, _ = h.Write([]byte(b.String()))
	return h.Sum64()
}

// CronSpec renders the rule as a standard 5-field cron expression
// ("m h * * dow,dow"). It is only meaningful for rules with weekdays.
func (r Rule) CronSpec() string {
	days := r.Weekdays.List()
	parts := make([]string, 0, len(days))
	for _, d := range days {
		parts = append(parts, strconv.Itoa(int(d)))
	}
	return fmt.Sprintf("%d %d * * %s", r.TimeOfDay%60, r.TimeOfDay/60, strings.Join(parts, ","))
}

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("%w: time must be HH:MM, got %q", ErrInvalid, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%w: invalid hour in %q", ErrInvalid, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 || len(parts[1]) != 2 {
		return 0, fmt.Errorf("%w: invalid minute in %q", ErrInvalid, s)
	}
	return h*60 + m, nil
}

// ---- Weekdays ----

// Weekdays is a set of time.Weekday values stored as a bitmask (bit n = Weekday(n)).
type Weekdays uint8

const allWeekdays Weekdays = 1<<7 - 1

// NewWeekdays builds a set from days; out-of-range values are ignored.
func NewWeekdays(days ...time.Weekday) Weekdays {
	var w Weekdays
	for _, d := range days {
		if d >= time.Sunday && d <= time.Saturday {
			w |= 1 << uint(d)
		}
	}
	return w
}

func (w Weekdays) Has(d time.Weekday) bool {
	if d < time.Sunday || d > time.Saturday {
		return false
	}
	return w&(1<<uint(d)) != 0
}

func (w Weekdays) Empty() bool { return w&allWeekdays == 0 }

func (w Weekdays) Len() int {
	n := 0
	for d := time.Sunday; d <= time.Saturday; d++ {
		if w.Has(d) {
			n++
		}
	}
	return n
}

// List returns the days in Sunday-first order.
func (w Weekdays) List() []time.Weekday {
	out := make([]time.Weekday, 0, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		if w.Has(d) {
			out = append(out, d)
		}
	}
	return out
}

func (w Weekdays) String() string {
	days := w.List()
	names := make([]string, 0, len(days))
	for _, d := range days {
		names = append(names, ShortName(d))
	}
	return strings.Join(names, ",")
}

// ShortName returns the lowercase three-letter name ("mon").
func ShortName(d time.Weekday) string {
	return strings.ToLower(d.String()[:3])
}

// ParseWeekday accepts "mon", "monday", "Mon" or a Go weekday number ("1").
func ParseWeekday(s string) (time.Weekday, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 || n > 6 {
			return 0, fmt.Errorf("%w: weekday %d out of range 0..6", ErrInvalid, n)
		}
		return time.Weekday(n), nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if v == full || v == full[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown weekday %q", ErrInvalid, s)
}

// ParseWeekdays parses a list of weekday names; "weekdays", "weekend" and
// "daily" expand to the obvious sets.
func ParseWeekdays(in []string) (Weekdays, error) {
	var w Weekdays
	for _, s := range in {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "weekdays", "workdays":
			w |= NewWeekdays(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday)
			continue
		case "weekend":
			w |= NewWeekdays(time.Saturday, time.Sunday)
			continue
		case "daily", "all", "*":
			w |= allWeekdays
			continue
		}
		d, err := ParseWeekday(s)
		if err != nil {
			return 0, err
		}
		w |= NewWeekdays(d)
	}
	return w, nil
}

// sortedInts is used by the codec to keep the wire format deterministic.
func sortedInts(in []int) []int {
	out := append([]int(nil), in...)
	sort.Ints(out)
	return out
}
