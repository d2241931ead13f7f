package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrStopped  = errors.New("notifier stopped")
	ErrNoTarget = errors.New("notifier: no chat configured")
)

// Warning is shown ahead of a shutdown.
type Warning struct {
	Occurrence string
	Message    string
	Lead       time.Duration
	ShutdownAt time.Time
	Snooze     time.Duration
	CanCancel  bool

	// OnCancel and OnSnooze are nil when the action is unavailable.
	OnCancel func(ctx context.Context) error
	OnSnooze func(ctx context.Context) error
}

// Text renders the warning body.
func (w Warning) Text() string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(w.Message))
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "Shutdown in %s. This is your time to wrap up and prepare for a productive break.", minutes(w.Lead))
	return sb.String()
}

// SnoozeText is the confirmation shown after a snooze.
func SnoozeText(snooze time.Duration) string {
	return fmt.Sprintf("Shutdown snoozed. Shutdown in %s.", minutes(snooze))
}

func minutes(d time.Duration) string {
	m := int((d + 30*time.Second) / time.Minute)
	if m == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", m)
}

type Notifier interface {
	ShowWarning(ctx context.Context, w Warning) error
	ShowSnoozeConfirmation(ctx context.Context, occurrence string, snooze time.Duration) error
	ClearWarning(ctx context.Context, occurrence string) error
}

// Announcer sends free-form text (blocking mode, enforcement reports).
type Announcer interface {
	Announce(ctx context.Context, text string) error
}
