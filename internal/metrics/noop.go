package metrics

import "time"

// NoopSink is used when metrics are disabled.
type NoopSink struct{}

func NewNoopSink() *NoopSink { return &NoopSink{} }

func (NoopSink) Transition(event, from, to string)                       {}
func (NoopSink) StaleEvent(event string)                                 {}
func (NoopSink) RuleApplied(enabled bool, armed int)                     {}
func (NoopSink) PersistError()                                           {}
func (NoopSink) ArmedTimers(n int)                                       {}
func (NoopSink) NextShutdown(at time.Time, ok bool)                      {}
func (NoopSink) TierAttempt(tier string, ok bool, took time.Duration)    {}
func (NoopSink) Enforcement(tier string, took time.Duration, failed bool) {}
func (NoopSink) EventsDropped(n uint64)                                  {}
