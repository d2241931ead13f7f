// Package timerport delivers one-shot, token-keyed timers.
//
// Arm and Cancel never block and never fail. Delivery is at-least-once: a
// timer may fire late (host suspended) and a handler may observe a fire for a
// token that was re-armed in the meantime. Consumers must compare Fire.At
// against their own expectation.
package timerport

import (
	"context"
	"time"
)

// Fire is handed to the Handler when a timer elapses.
type Fire struct {
	Token   string
	At      time.Time // the instant the timer was armed for
	Payload []byte
}

// Handler receives elapsed timers. It runs on a timer goroutine and should
// hand work off quickly.
type Handler func(ctx context.Context, f Fire)

// Port is the surface schedulers use.
type Port interface {
	// Arm registers or replaces the timer for token.
	Arm(token string, at time.Time, payload []byte)
	// Cancel removes the timer for token. Unknown tokens are ignored.
	Cancel(token string)
}
