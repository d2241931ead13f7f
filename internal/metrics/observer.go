package metrics

import (
	"context"
	"time"

	"lightsout/internal/eventbus"
	logx "lightsout/pkg/logx"
)

// State is polled after every event and on each tick for the gauges.
type State struct {
	Armed        int
	NextShutdown time.Time
	HasNext      bool
}

type ObserverConfig struct {
	Bus    eventbus.Bus
	Sink   Sink
	State  func() State
	Buffer int
	// Interval refreshes gauges without events; 0 means 30s.
	Interval time.Duration
}

// Observe feeds bus events into the sink until ctx ends.
func Observe(ctx context.Context, cfg ObserverConfig, log logx.Logger) {
	if cfg.Bus == nil || cfg.Sink == nil {
		return
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	buf := cfg.Buffer
	if buf <= 0 {
		buf = 64
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ch, unsub := cfg.Bus.Subscribe(buf)
	defer unsub()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastDropped uint64
	refresh := func() {
		if d := eventbus.Dropped(cfg.Bus); d > lastDropped {
			cfg.Sink.EventsDropped(d - lastDropped)
			lastDropped = d
		}
		if cfg.State == nil {
			return
		}
		st := cfg.State()
		cfg.Sink.ArmedTimers(st.Armed)
		cfg.Sink.NextShutdown(st.NextShutdown, st.HasNext)
	}
	refresh()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		case e, ok := <-ch:
			if !ok {
				return
			}
			Record(cfg.Sink, e, log)
			refresh()
		}
	}
}

// Record maps one bus event onto the sink.
func Record(sink Sink, e eventbus.Event, log logx.Logger) {
	switch e.Type {
	case eventbus.TypeTransition:
		if tr, ok := e.Data.(eventbus.Transition); ok {
			sink.Transition(tr.Event, tr.From, tr.To)
		}
	case eventbus.TypeStaleEvent:
		if tr, ok := e.Data.(eventbus.Transition); ok {
			sink.StaleEvent(tr.Event)
		}
	case eventbus.TypeRuleApplied:
		if ra, ok := e.Data.(eventbus.RuleApplied); ok {
			sink.RuleApplied(ra.Enabled, len(ra.Armed))
		}
	case eventbus.TypeEnforcement:
		if en, ok := e.Data.(eventbus.Enforcement); ok {
			sink.Enforcement(en.Tier, en.Took, en.Error != "")
		}
	case eventbus.TypePersistError:
		sink.PersistError()
	default:
		log.Debug("metrics: unhandled event", logx.String("type", e.Type))
	}
}
