// Package metrics records scheduler and enforcement metrics and serves them
// over HTTP for Prometheus.
package metrics

import "time"

// Sink records metrics. Methods never block and never return errors; a
// broken backend only costs the samples.
type Sink interface {
	// Scheduler
	Transition(event, from, to string)
	StaleEvent(event string)
	RuleApplied(enabled bool, armed int)
	PersistError()
	ArmedTimers(n int)
	NextShutdown(at time.Time, ok bool)

	// Enforcement
	TierAttempt(tier string, ok bool, took time.Duration)
	Enforcement(tier string, took time.Duration, failed bool)

	// Bus
	EventsDropped(n uint64)
}

// Result labels for TierAttempt.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

func result(ok bool) string {
	if ok {
		return ResultOK
	}
	return ResultFailed
}
