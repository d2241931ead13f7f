// Package shutdown owns the live weekly shutdown occurrences.
//
// The Service plans one occurrence per enabled weekday, arms its warning and
// shutdown timers on a timerport.Port, and feeds every timer fire and user
// action through occurrence.Transition. Each weekday has its own FIFO lane:
// a goroutine that performs all transitions for that weekday in order.
// Lanes for different weekdays never share an occurrence, so they run
// independently.
//
// The rule and the set of armed timer tokens are persisted before ApplyRule
// returns. On boot, OnHostRestart loads the rule and re-derives everything
// from the current time; previously armed timers are cancelled, never
// trusted.
//
// Timer delivery is at-least-once. A fire whose instant does not match the
// current occurrence is stale and is dropped with a debug log.
package shutdown
