package occurrence

import (
	"time"
)

// State is the lifecycle position of one occurrence.
type State int

const (
	Scheduled State = iota
	WarningFired
	Snoozed
	Executed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Scheduled:
		return "scheduled"
	case WarningFired:
		return "warning_fired"
	case Snoozed:
		return "snoozed"
	case Executed:
		return "executed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == Executed || s == Cancelled }

// Event drives a transition.
type Event int

const (
	WarningTimerFired Event = iota
	ShutdownTimerFired
	SnoozeTimerFired
	CancelRequested
	SnoozeRequested
)

func (e Event) String() string {
	switch e {
	case WarningTimerFired:
		return "warning_timer_fired"
	case ShutdownTimerFired:
		return "shutdown_timer_fired"
	case SnoozeTimerFired:
		return "snooze_timer_fired"
	case CancelRequested:
		return "cancel_requested"
	case SnoozeRequested:
		return "snooze_requested"
	default:
		return "unknown"
	}
}

// TimerKind names one of the timers an occurrence may have armed.
type TimerKind string

const (
	TimerWarning  TimerKind = "warning"
	TimerShutdown TimerKind = "shutdown"
	TimerSnooze   TimerKind = "snooze"
)

// EventFor maps a fired timer to its event.
func EventFor(k TimerKind) (Event, bool) {
	switch k {
	case TimerWarning:
		return WarningTimerFired, true
	case TimerShutdown:
		return ShutdownTimerFired, true
	case TimerSnooze:
		return SnoozeTimerFired, true
	default:
		return 0, false
	}
}

// Occurrence is one dated instance of the weekly shutdown.
type Occurrence struct {
	ID          string
	Weekday     time.Weekday
	ShutdownAt  time.Time
	WarningAt   time.Time // zero when the warning is skipped
	SnoozeAt    time.Time // zero unless snoozed
	Snoozes     int
	State       State
	AllowCancel bool
}

// Token is the timer key for kind: "<id>:<kind>".
func (o Occurrence) Token(k TimerKind) string { return Token(o.ID, k) }

func Token(id string, k TimerKind) string { return id + ":" + string(k) }

// WarningSkipped reports whether no warning timer belongs to this occurrence.
func (o Occurrence) WarningSkipped() bool { return o.WarningAt.IsZero() }

// InstantFor returns the instant the timer of kind is expected to fire at.
func (o Occurrence) InstantFor(k TimerKind) time.Time {
	switch k {
	case TimerWarning:
		return o.WarningAt
	case TimerShutdown:
		return o.ShutdownAt
	case TimerSnooze:
		return o.SnoozeAt
	default:
		return time.Time{}
	}
}

// EffectKind enumerates the side effects a transition asks for.
type EffectKind int

const (
	ShowWarning EffectKind = iota
	ClearWarning
	ShowSnoozeConfirmation
	ArmTimer
	CancelTimer
	Execute
)

func (k EffectKind) String() string {
	switch k {
	case ShowWarning:
		return "show_warning"
	case ClearWarning:
		return "clear_warning"
	case ShowSnoozeConfirmation:
		return "show_snooze_confirmation"
	case ArmTimer:
		return "arm_timer"
	case CancelTimer:
		return "cancel_timer"
	case Execute:
		return "execute"
	default:
		return "unknown"
	}
}

// Effect is a side effect for the owner of the occurrence to carry out.
// Timer and At are set for ArmTimer/CancelTimer only.
type Effect struct {
	Kind  EffectKind
	Timer TimerKind
	At    time.Time
}

// Params carries the rule-derived knobs a transition needs.
type Params struct {
	Now        time.Time
	Snooze     time.Duration
	MaxSnoozes int // <= 0 means 1
}

// Result is the outcome of Transition. When Applied is false, Next equals
// the input and Effects is empty.
type Result struct {
	Next    Occurrence
	Effects []Effect
	Applied bool
}

// Transition applies ev to o. Events that do not match the current state
// (stale timers, duplicate deliveries, cancel without permission) are no-ops.
func Transition(o Occurrence, ev Event, p Params) Result {
	noop := Result{Next: o}
	next := o

	switch o.State {
	case Scheduled:
		switch ev {
		case WarningTimerFired:
			if o.WarningSkipped() {
				return noop
			}
			next.State = WarningFired
			return applied(next, Effect{Kind: ShowWarning})
		case ShutdownTimerFired:
			next.State = Executed
			return applied(next, Effect{Kind: ClearWarning}, Effect{Kind: Execute})
		case CancelRequested:
			// Before a warning exists there is nothing to cancel from.
			if !o.AllowCancel || !o.WarningSkipped() {
				return noop
			}
			next.State = Cancelled
			return applied(next, Effect{Kind: CancelTimer, Timer: TimerShutdown})
		}

	case WarningFired:
		switch ev {
		case CancelRequested:
			if !o.AllowCancel {
				return noop
			}
			next.State = Cancelled
			return applied(next,
				Effect{Kind: CancelTimer, Timer: TimerShutdown},
				Effect{Kind: ClearWarning},
			)
		case SnoozeRequested:
			at := p.Now.Add(p.Snooze)
			next.State = Snoozed
			next.SnoozeAt = at
			next.Snoozes++
			return applied(next,
				Effect{Kind: CancelTimer, Timer: TimerShutdown},
				Effect{Kind: ClearWarning},
				Effect{Kind: ArmTimer, Timer: TimerSnooze, At: at},
				Effect{Kind: ShowSnoozeConfirmation},
			)
		case ShutdownTimerFired:
			next.State = Executed
			return applied(next, Effect{Kind: ClearWarning}, Effect{Kind: Execute})
		}

	case Snoozed:
		switch ev {
		case SnoozeTimerFired:
			next.State = Executed
			return applied(next, Effect{Kind: Execute})
		case SnoozeRequested:
			limit := p.MaxSnoozes
			if limit <= 0 {
				limit = 1
			}
			if o.Snoozes >= limit {
				return noop
			}
			at := p.Now.Add(p.Snooze)
			next.SnoozeAt = at
			next.Snoozes++
			return applied(next,
				Effect{Kind: CancelTimer, Timer: TimerSnooze},
				Effect{Kind: ArmTimer, Timer: TimerSnooze, At: at},
				Effect{Kind: ShowSnoozeConfirmation},
			)
		}
	}
	return noop
}

func applied(next Occurrence, effects ...Effect) Result {
	return Result{Next: next, Effects: effects, Applied: true}
}
