package shutdown

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"lightsout/internal/enforce"
	"lightsout/internal/eventbus"
	"lightsout/internal/notifier"
	"lightsout/internal/occurrence"
	"lightsout/internal/rule"
	"lightsout/internal/storage"
	logx "lightsout/pkg/logx"
)

// timerTokens lists the tokens a fresh occurrence arms.
func timerTokens(o occurrence.Occurrence) []string {
	var out []string
	if !o.WarningSkipped() {
		out = append(out, o.Token(occurrence.TimerWarning))
	}
	return append(out, o.Token(occurrence.TimerShutdown))
}

// pendingTimers lists the timers o still waits for in its current state.
func pendingTimers(o occurrence.Occurrence) []occurrence.TimerKind {
	switch o.State {
	case occurrence.Scheduled:
		if o.WarningSkipped() {
			return []occurrence.TimerKind{occurrence.TimerShutdown}
		}
		return []occurrence.TimerKind{occurrence.TimerWarning, occurrence.TimerShutdown}
	case occurrence.WarningFired:
		return []occurrence.TimerKind{occurrence.TimerShutdown}
	case occurrence.Snoozed:
		return []occurrence.TimerKind{occurrence.TimerSnooze}
	default:
		return nil
	}
}

func (s *Service) armOccurrence(o occurrence.Occurrence) {
	for _, k := range pendingTimers(o) {
		s.armToken(o, k, o.InstantFor(k))
	}
}

func (s *Service) armToken(o occurrence.Occurrence, k occurrence.TimerKind, at time.Time) {
	tok := o.Token(k)
	payload, _ := json.Marshal(fireMeta{Occurrence: o.ID, Weekday: int(o.Weekday), Kind: string(k)})
	s.mu.Lock()
	s.armed[tok] = o.Weekday
	s.mu.Unlock()
	if s.timers != nil {
		s.timers.Arm(tok, at, payload)
	}
}

func (s *Service) cancelToken(tok string) {
	s.forgetToken(tok)
	if s.timers != nil {
		s.timers.Cancel(tok)
	}
}

func (s *Service) forgetToken(tok string) {
	s.mu.Lock()
	delete(s.armed, tok)
	s.mu.Unlock()
}

func (s *Service) armedLocked() []string {
	out := make([]string, 0, len(s.armed))
	for tok := range s.armed {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

// applyEffects carries out the effects of a transition, in order.
func (s *Service) applyEffects(ctx context.Context, r rule.Rule, o occurrence.Occurrence, effects []occurrence.Effect) {
	for _, e := range effects {
		switch e.Kind {
		case occurrence.ShowWarning:
			s.showWarning(ctx, r, o)
		case occurrence.ClearWarning:
			s.clearWarning(ctx, o.ID)
		case occurrence.ShowSnoozeConfirmation:
			nctx, cancel := context.WithTimeout(ctx, notifierTimeout)
			if err := s.notifier.ShowSnoozeConfirmation(nctx, o.ID, s.cfg.Snooze); err != nil {
				s.log.Warn("snooze confirmation failed", logx.String("occurrence", o.ID), logx.Err(err))
			}
			cancel()
		case occurrence.ArmTimer:
			s.armToken(o, e.Timer, e.At)
		case occurrence.CancelTimer:
			s.cancelToken(o.Token(e.Timer))
		case occurrence.Execute:
			s.execute(ctx, o.ID, "scheduled shutdown", r.Text())
		}
	}
}

func (s *Service) showWarning(ctx context.Context, r rule.Rule, o occurrence.Occurrence) {
	lead := o.ShutdownAt.Sub(s.now())
	if lead < 0 {
		lead = 0
	}
	id := o.ID
	ref := RefOf(o)
	w := notifier.Warning{
		Occurrence: id,
		Message:    r.Text(),
		Lead:       lead,
		ShutdownAt: o.ShutdownAt,
		Snooze:     s.cfg.Snooze,
		CanCancel:  o.AllowCancel,
		OnSnooze: func(c context.Context) error {
			return s.Snooze(WithActor(c, "notifier"), ref)
		},
	}
	if o.AllowCancel {
		w.OnCancel = func(c context.Context) error {
			return s.Cancel(WithActor(c, "notifier"), ref)
		}
	}
	nctx, cancel := context.WithTimeout(ctx, notifierTimeout)
	defer cancel()
	if err := s.notifier.ShowWarning(nctx, w); err != nil {
		s.log.Warn("warning not shown", logx.String("occurrence", id), logx.Err(err))
	}
}

func (s *Service) clearWarning(ctx context.Context, id string) {
	nctx, cancel := context.WithTimeout(ctx, notifierTimeout)
	defer cancel()
	if err := s.notifier.ClearWarning(nctx, id); err != nil {
		s.log.Debug("clear warning failed", logx.String("occurrence", id), logx.Err(err))
	}
}

func (s *Service) execute(ctx context.Context, id, reason, message string) enforce.Outcome {
	if s.enforcer == nil {
		s.log.Error("no enforcer configured", logx.String("occurrence", id))
		return enforce.Outcome{Occurrence: id}
	}
	out := s.enforcer.Execute(ctx, enforce.Request{Occurrence: id, Reason: reason, Message: message})

	data := eventbus.Enforcement{Occurrence: id, RunID: out.RunID, Tier: out.Tier, Attempts: len(out.Attempts), Took: out.Took}
	entry := storage.AuditEntry{
		Occurrence: id, Action: "enforce", Tier: out.Tier, RunID: out.RunID,
		OK: !out.Blocking() || out.BlockingErr == nil, TookMS: out.Took.Milliseconds(),
	}
	if out.BlockingErr != nil {
		data.Error = out.BlockingErr.Error()
		entry.Error = data.Error
	} else if out.Blocking() {
		entry.Error = "all tiers failed"
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeEnforcement, Data: data})
	s.audit(ctx, entry)
	return out
}
