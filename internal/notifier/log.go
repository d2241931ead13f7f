package notifier

import (
	"context"
	"time"

	logx "lightsout/pkg/logx"
)

// Log records notifications in the log only.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{log: log.With(logx.String("comp", "notifier.log"))}
}

func (n *Log) ShowWarning(_ context.Context, w Warning) error {
	n.log.Warn("shutdown warning",
		logx.String("occurrence", w.Occurrence),
		logx.Time("shutdown_at", w.ShutdownAt),
		logx.Duration("lead", w.Lead),
		logx.Bool("can_cancel", w.OnCancel != nil),
		logx.Bool("can_snooze", w.OnSnooze != nil),
	)
	return nil
}

func (n *Log) ShowSnoozeConfirmation(_ context.Context, occurrence string, snooze time.Duration) error {
	n.log.Info("shutdown snoozed", logx.String("occurrence", occurrence), logx.Duration("snooze", snooze))
	return nil
}

func (n *Log) ClearWarning(_ context.Context, occurrence string) error {
	n.log.Debug("warning cleared", logx.String("occurrence", occurrence))
	return nil
}

func (n *Log) Announce(_ context.Context, text string) error {
	n.log.Info("announce", logx.String("text", text))
	return nil
}
