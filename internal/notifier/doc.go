// Package notifier shows shutdown warnings and snooze confirmations.
//
// A Notifier is told three things by the scheduler: show a warning for an
// occurrence (with optional Cancel and Snooze actions), confirm a snooze, and
// clear a warning that no longer applies. Implementations must not block the
// caller for long; the scheduler calls them from its per-weekday lanes.
//
// # Implementations
//
// Log writes everything to the structured logger and is always installed.
// Chat delivers to a Telegram chat through a transport.Sender, with inline
// Cancel and Snooze buttons, a token bucket limiter and bounded retries.
// Fanout combines several notifiers.
//
// # Callbacks
//
// Button presses come back as transport callbacks. Chat.HandleCallback maps
// the callback data to the registered action and runs it on its own
// goroutine, so a slow scheduler lane never stalls the update loop.
package notifier
