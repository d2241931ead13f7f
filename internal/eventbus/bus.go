// Package eventbus is a small in-memory fanout used to decouple the
// scheduler from observers (metrics, audit, chat announcements).
//
// Publish never blocks. Subscribers get a buffered channel; a slow
// subscriber drops events rather than stalling the publisher.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the daemon.
const (
	TypeRuleApplied  = "rule.applied"
	TypeTransition   = "occurrence.transition"
	TypeStaleEvent   = "occurrence.stale"
	TypeEnforcement  = "enforce.outcome"
	TypePersistError = "persist.error"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// Transition is the Data of TypeTransition and TypeStaleEvent.
type Transition struct {
	Occurrence string `json:"occurrence"`
	Event      string `json:"event"`
	From       string `json:"from"`
	To         string `json:"to"`
	Actor      string `json:"actor"`
}

// Enforcement is the Data of TypeEnforcement.
type Enforcement struct {
	Occurrence string        `json:"occurrence"`
	RunID      string        `json:"run_id"`
	Tier       string        `json:"tier"`
	Attempts   int           `json:"attempts"`
	Took       time.Duration `json:"took"`
	Error      string        `json:"error,omitempty"`
}

// RuleApplied is the Data of TypeRuleApplied.
type RuleApplied struct {
	Enabled bool     `json:"enabled"`
	Version uint64   `json:"version"`
	Armed   []string `json:"armed"`
	Source  string   `json:"source"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop discards everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Holding the read lock across sends keeps unsubscribe from closing a
	// channel mid-send; sends are non-blocking so the hold is short.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func Dropped(b Bus) uint64 {
	if m, ok := b.(*memBus); ok {
		return m.dropped.Load()
	}
	return 0
}
