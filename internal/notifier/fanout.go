package notifier

import (
	"context"
	"errors"
	"time"
)

// Fanout delivers to every notifier and joins their errors.
type Fanout []Notifier

func (f Fanout) ShowWarning(ctx context.Context, w Warning) error {
	var errs []error
	for _, n := range f {
		errs = append(errs, n.ShowWarning(ctx, w))
	}
	return errors.Join(errs...)
}

func (f Fanout) ShowSnoozeConfirmation(ctx context.Context, occurrence string, snooze time.Duration) error {
	var errs []error
	for _, n := range f {
		errs = append(errs, n.ShowSnoozeConfirmation(ctx, occurrence, snooze))
	}
	return errors.Join(errs...)
}

func (f Fanout) ClearWarning(ctx context.Context, occurrence string) error {
	var errs []error
	for _, n := range f {
		errs = append(errs, n.ClearWarning(ctx, occurrence))
	}
	return errors.Join(errs...)
}

// Announce forwards to members that implement Announcer.
func (f Fanout) Announce(ctx context.Context, text string) error {
	var errs []error
	for _, n := range f {
		if a, ok := n.(Announcer); ok {
			errs = append(errs, a.Announce(ctx, text))
		}
	}
	return errors.Join(errs...)
}
