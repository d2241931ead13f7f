package rule

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(r *Rule)
		wantErr bool
	}{
		{name: "default", mutate: func(r *Rule) {}},
		{name: "enabled with days", mutate: func(r *Rule) { r.Enabled = true }},
		{name: "enabled without days", mutate: func(r *Rule) { r.Enabled = true; r.Weekdays = 0 }, wantErr: true},
		{name: "disabled without days", mutate: func(r *Rule) { r.Weekdays = 0 }},
		{name: "time too large", mutate: func(r *Rule) { r.TimeOfDay = MinutesPerDay }, wantErr: true},
		{name: "negative time", mutate: func(r *Rule) { r.TimeOfDay = -1 }, wantErr: true},
		{name: "negative lead", mutate: func(r *Rule) { r.WarningLead = -5 }, wantErr: true},
		{name: "last minute", mutate: func(r *Rule) { r.TimeOfDay = MinutesPerDay - 1 }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			r := Default()
			tt.mutate(&r)
			err := r.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalid) {
					t.Fatalf("Validate() = %v, want ErrInvalid", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestTextFallback(t *testing.T) {
	t.Parallel()
	r := Default()
	r.Message = "   "
	if r.Text() != DefaultMessage {
		t.Fatalf("Text() = %q, want fallback", r.Text())
	}
	r.Message = "Go to bed"
	if r.Text() != "Go to bed" {
		t.Fatalf("Text() = %q", r.Text())
	}
}

func TestVersionTracksContent(t *testing.T) {
	t.Parallel()
	a := Default()
	b := Default()
	if a.Version() != b.Version() {
		t.Fatal("equal rules must share a version")
	}
	b.TimeOfDay++
	if a.Version() == b.Version() {
		t.Fatal("different time of day must change version")
	}
	c := Default()
	c.Message = ""
	if c.Version() != a.Version() {
		t.Fatal("empty message and default message render the same text and should share a version")
	}
}

func TestWireFormat(t *testing.T) {
	t.Parallel()
	r := Rule{
		Enabled:     true,
		TimeOfDay:   22 * 60,
		Weekdays:    NewWeekdays(time.Monday, time.Sunday),
		WarningLead: 10,
		AllowCancel: true,
		Message:     "bed",
	}
	b, err := Encode(r)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := `{"enabled":true,"shutdownTime":1320,"daysOfWeek":[1,2],"warningMinutes":10,"allowCancel":true,"shutdownMessage":"bed"}`
	if string(b) != want {
		t.Fatalf("Encode = %s\nwant     %s", b, want)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != r {
		t.Fatalf("Decode = %+v, want %+v", got, r)
	}
}

func TestDecodeDefaultsAndLegacyKey(t *testing.T) {
	t.Parallel()
	got, err := Decode([]byte(`{"isEnabled":true,"shutdownTime":60}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.Enabled || got.TimeOfDay != 60 {
		t.Fatalf("unexpected rule: %+v", got)
	}
	def := Default()
	if got.Weekdays != def.Weekdays || got.WarningLead != def.WarningLead || !got.AllowCancel {
		t.Fatalf("missing fields should keep defaults: %+v", got)
	}
}

func TestDecodeRejectsInvalid(t *testing.T) {
	t.Parallel()
	for _, in := range []string{
		`{"enabled":true,"daysOfWeek":[]}`,
		`{"daysOfWeek":[0]}`,
		`{"shutdownTime":2000}`,
		`not json`,
	} {
		if _, err := Decode([]byte(in)); err == nil {
			t.Fatalf("Decode(%s) expected error", in)
		}
	}
}

func TestParseClock(t *testing.T) {
	t.Parallel()
	if m, err := ParseClock("22:05"); err != nil || m != 22*60+5 {
		t.Fatalf("ParseClock = %d, %v", m, err)
	}
	for _, bad := range []string{"24:00", "12:60", "7", "12:5", "aa:bb"} {
		if _, err := ParseClock(bad); err == nil {
			t.Fatalf("ParseClock(%q) expected error", bad)
		}
	}
}

func TestParseWeekdays(t *testing.T) {
	t.Parallel()
	w, err := ParseWeekdays([]string{"Mon", "wednesday", "6"})
	if err != nil {
		t.Fatalf("ParseWeekdays: %v", err)
	}
	if w.String() != "mon,wed,sat" {
		t.Fatalf("got %s", w)
	}
	w, err = ParseWeekdays([]string{"weekend"})
	if err != nil || w.Len() != 2 || !w.Has(time.Sunday) {
		t.Fatalf("weekend = %s, %v", w, err)
	}
	if _, err := ParseWeekdays([]string{"someday"}); err == nil {
		t.Fatal("expected error for unknown weekday")
	}
}

func TestCronSpec(t *testing.T) {
	t.Parallel()
	r := Default()
	r.TimeOfDay = 21*60 + 30
	if got := r.CronSpec(); got != "30 21 * * 1,2,3,4,5" {
		t.Fatalf("CronSpec = %q", got)
	}
}

func TestMarshalInsideStruct(t *testing.T) {
	t.Parallel()
	type envelope struct {
		Rule Rule `json:"rule"`
	}
	b, err := json.Marshal(envelope{Rule: Default()})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"daysOfWeek":[2,3,4,5,6]`) {
		t.Fatalf("unexpected json: %s", b)
	}
}
