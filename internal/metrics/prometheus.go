package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	logx "lightsout/pkg/logx"
)

// PrometheusSink implements Sink with client_golang collectors.
// Registration errors are logged and the collector keeps working unregistered.
type PrometheusSink struct {
	log logx.Logger

	transitions  *prometheus.CounterVec
	staleEvents  *prometheus.CounterVec
	rulesApplied *prometheus.CounterVec
	persistErrs  prometheus.Counter
	armedTimers  prometheus.Gauge
	nextShutdown prometheus.Gauge

	tierAttempts *prometheus.CounterVec
	tierDuration *prometheus.HistogramVec
	enforcements *prometheus.CounterVec
	enforceTook  prometheus.Histogram

	busDropped prometheus.Counter
}

func NewPrometheusSink(reg prometheus.Registerer, log logx.Logger) *PrometheusSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &PrometheusSink{log: log}
	s.initSchedulerMetrics(reg)
	s.initEnforceMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lightsout_occurrence_transitions_total",
		Help: "Applied occurrence state transitions.",
	}, []string{"event", "from", "to"})
	s.staleEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lightsout_occurrence_stale_events_total",
		Help: "Timer fires and requests ignored because they no longer matched an occurrence.",
	}, []string{"event"})
	s.rulesApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lightsout_rule_applied_total",
		Help: "Schedule rules applied.",
	}, []string{"enabled"})
	s.persistErrs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lightsout_persist_errors_total",
		Help: "Failed writes to the state store.",
	})
	s.armedTimers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lightsout_armed_timers",
		Help: "Timers currently armed with the wall-clock port.",
	})
	s.nextShutdown = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lightsout_next_shutdown_timestamp_seconds",
		Help: "Unix time of the next pending shutdown, 0 when none.",
	})
	s.busDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lightsout_eventbus_dropped_total",
		Help: "Events a slow subscriber did not receive.",
	})

	s.register(reg, s.transitions, "lightsout_occurrence_transitions_total")
	s.register(reg, s.staleEvents, "lightsout_occurrence_stale_events_total")
	s.register(reg, s.rulesApplied, "lightsout_rule_applied_total")
	s.register(reg, s.persistErrs, "lightsout_persist_errors_total")
	s.register(reg, s.armedTimers, "lightsout_armed_timers")
	s.register(reg, s.nextShutdown, "lightsout_next_shutdown_timestamp_seconds")
	s.register(reg, s.busDropped, "lightsout_eventbus_dropped_total")
}

func (s *PrometheusSink) initEnforceMetrics(reg prometheus.Registerer) {
	s.tierAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lightsout_enforce_tier_attempts_total",
		Help: "Enforcement tier attempts by tier and result.",
	}, []string{"tier", "result"})
	s.tierDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lightsout_enforce_tier_duration_seconds",
		Help:    "Time spent in one tier attempt.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"tier"})
	s.enforcements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lightsout_enforcements_total",
		Help: "Completed enforcements by the tier that ended them.",
	}, []string{"tier", "result"})
	s.enforceTook = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lightsout_enforce_duration_seconds",
		Help:    "Time from enforcement start to the deciding tier.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30},
	})

	s.register(reg, s.tierAttempts, "lightsout_enforce_tier_attempts_total")
	s.register(reg, s.tierDuration, "lightsout_enforce_tier_duration_seconds")
	s.register(reg, s.enforcements, "lightsout_enforcements_total")
	s.register(reg, s.enforceTook, "lightsout_enforce_duration_seconds")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.log.Warn("metrics: register failed", logx.String("metric", name), logx.Err(err))
	}
}

func (s *PrometheusSink) Transition(event, from, to string) {
	s.transitions.WithLabelValues(event, from, to).Inc()
}

func (s *PrometheusSink) StaleEvent(event string) {
	s.staleEvents.WithLabelValues(event).Inc()
}

func (s *PrometheusSink) RuleApplied(enabled bool, armed int) {
	label := "false"
	if enabled {
		label = "true"
	}
	s.rulesApplied.WithLabelValues(label).Inc()
	s.armedTimers.Set(float64(armed))
}

func (s *PrometheusSink) PersistError() { s.persistErrs.Inc() }

func (s *PrometheusSink) ArmedTimers(n int) { s.armedTimers.Set(float64(n)) }

func (s *PrometheusSink) NextShutdown(at time.Time, ok bool) {
	if !ok {
		s.nextShutdown.Set(0)
		return
	}
	s.nextShutdown.Set(float64(at.Unix()))
}

func (s *PrometheusSink) TierAttempt(tier string, ok bool, took time.Duration) {
	s.tierAttempts.WithLabelValues(tier, result(ok)).Inc()
	s.tierDuration.WithLabelValues(tier).Observe(took.Seconds())
}

func (s *PrometheusSink) Enforcement(tier string, took time.Duration, failed bool) {
	s.enforcements.WithLabelValues(tier, result(!failed)).Inc()
	s.enforceTook.Observe(took.Seconds())
}

func (s *PrometheusSink) EventsDropped(n uint64) {
	if n > 0 {
		s.busDropped.Add(float64(n))
	}
}
