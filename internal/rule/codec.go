package rule

import (
	"encoding/json"
	"fmt"
	"time"
)

// wireRule is the persisted JSON shape. Days use calendar numbering
// (1 = Sunday .. 7 = Saturday) so blobs written by older clients stay readable.
type wireRule struct {
	Enabled         *bool   `json:"enabled,omitempty"`
	LegacyEnabled   *bool   `json:"isEnabled,omitempty"`
	ShutdownTime    *int    `json:"shutdownTime,omitempty"`
	DaysOfWeek      *[]int  `json:"daysOfWeek,omitempty"`
	WarningMinutes  *int    `json:"warningMinutes,omitempty"`
	AllowCancel     *bool   `json:"allowCancel,omitempty"`
	ShutdownMessage *string `json:"shutdownMessage,omitempty"`
}

type wireRuleOut struct {
	Enabled         bool   `json:"enabled"`
	ShutdownTime    int    `json:"shutdownTime"`
	DaysOfWeek      []int  `json:"daysOfWeek"`
	WarningMinutes  int    `json:"warningMinutes"`
	AllowCancel     bool   `json:"allowCancel"`
	ShutdownMessage string `json:"shutdownMessage"`
}

// CalendarDay converts a Go weekday to calendar numbering (Sunday = 1).
func CalendarDay(d time.Weekday) int { return int(d) + 1 }

// FromCalendarDay converts calendar numbering back to a Go weekday.
func FromCalendarDay(n int) (time.Weekday, bool) {
	if n < 1 || n > 7 {
		return 0, false
	}
	return time.Weekday(n - 1), true
}

func (r Rule) MarshalJSON() ([]byte, error) {
	days := make([]int, 0, 7)
	for _, d := range r.Weekdays.List() {
		days = append(days, CalendarDay(d))
	}
	return json.Marshal(wireRuleOut{
		Enabled:         r.Enabled,
		ShutdownTime:    r.TimeOfDay,
		DaysOfWeek:      sortedInts(days),
		WarningMinutes:  r.WarningLead,
		AllowCancel:     r.AllowCancel,
		ShutdownMessage: r.Message,
	})
}

// UnmarshalJSON decodes on top of Default(): absent fields keep their
// default values. Unknown day numbers are an error.
func (r *Rule) UnmarshalJSON(b []byte) error {
	var w wireRule
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	out := Default()
	switch {
	case w.Enabled != nil:
		out.Enabled = *w.Enabled
	case w.LegacyEnabled != nil:
		out.Enabled = *w.LegacyEnabled
	}
	if w.ShutdownTime != nil {
		out.TimeOfDay = *w.ShutdownTime
	}
	if w.DaysOfWeek != nil {
		var days Weekdays
		for _, n := range *w.DaysOfWeek {
			d, ok := FromCalendarDay(n)
			if !ok {
				return fmt.Errorf("%w: daysOfWeek value %d out of range 1..7", ErrInvalid, n)
			}
			days |= NewWeekdays(d)
		}
		out.Weekdays = days
	}
	if w.WarningMinutes != nil {
		out.WarningLead = *w.WarningMinutes
	}
	if w.AllowCancel != nil {
		out.AllowCancel = *w.AllowCancel
	}
	if w.ShutdownMessage != nil {
		out.Message = *w.ShutdownMessage
	}
	*r = out
	return nil
}

// Decode parses a persisted blob and validates it.
func Decode(b []byte) (Rule, error) {
	var r Rule
	if err := json.Unmarshal(b, &r); err != nil {
		return Rule{}, err
	}
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// Encode is the inverse of Decode.
func Encode(r Rule) ([]byte, error) { return json.Marshal(r) }
