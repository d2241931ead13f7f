package timerport

import (
	"context"
	"sort"
	"sync"
	"time"

	logx "lightsout/pkg/logx"
)

const defaultResync = 30 * time.Second

type Config struct {
	// Resync is how often armed timers are checked against the wall clock.
	// Go timers follow the monotonic clock, which stops while the host is
	// suspended; the resync pass fires anything whose wall instant has passed.
	Resync time.Duration
	// Now overrides the clock (tests).
	Now func() time.Time
}

type entry struct {
	at      time.Time
	payload []byte
	ver     uint64
	timer   *time.Timer
}

// Wall is the in-process Port. Timers armed before Start are held and
// scheduled when Start runs.
type Wall struct {
	cfg     Config
	log     logx.Logger
	handler Handler

	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(cfg Config, handler Handler, log logx.Logger) *Wall {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Resync <= 0 {
		cfg.Resync = defaultResync
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Wall{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "timerport")),
		handler: handler,
		entries: map[string]*entry{},
	}
}

func (w *Wall) Arm(token string, at time.Time, payload []byte) {
	if token == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if old, ok := w.entries[token]; ok && old.timer != nil {
		_ = old.timer.Stop()
	}
	// bump version so callbacks of the replaced timer are ignored
	w.seq++
	e := &entry{at: at, payload: append([]byte(nil), payload...), ver: w.seq}
	w.entries[token] = e
	if w.ctx != nil {
		w.scheduleLocked(token, e)
	}
	w.log.Debug("timer armed", logx.String("token", token), logx.Time("at", at))
}

func (w *Wall) Cancel(token string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[token]
	if !ok {
		return
	}
	if e.timer != nil {
		_ = e.timer.Stop()
	}
	delete(w.entries, token)
	w.log.Debug("timer cancelled", logx.String("token", token))
}

// Armed lists the tokens currently held, sorted.
func (w *Wall) Armed() []string {
	w.mu.Lock()
	out := make([]string, 0, len(w.entries))
	for k := range w.entries {
		out = append(out, k)
	}
	w.mu.Unlock()
	sort.Strings(out)
	return out
}

// Start schedules held timers and runs the wall-clock resync loop until Stop.
func (w *Wall) Start(ctx context.Context) {
	w.mu.Lock()
	if w.ctx != nil {
		w.mu.Unlock()
		return
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	for token, e := range w.entries {
		w.scheduleLocked(token, e)
	}
	n := len(w.entries)
	runCtx, done := w.ctx, w.done
	w.mu.Unlock()

	go w.resyncLoop(runCtx, done)
	w.log.Info("timer port started", logx.Int("armed", n), logx.Duration("resync", w.cfg.Resync))
}

// Stop halts delivery. Held entries are dropped.
func (w *Wall) Stop(ctx context.Context) {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	for _, e := range w.entries {
		if e.timer != nil {
			_ = e.timer.Stop()
		}
	}
	w.entries = map[string]*entry{}
	w.ctx, w.cancel, w.done = nil, nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
	w.log.Info("timer port stopped")
}

// ResyncNow fires every held timer whose wall instant has passed and
// reprograms the rest.
func (w *Wall) ResyncNow() {
	now := w.cfg.Now()
	var due []Fire

	w.mu.Lock()
	ctx := w.ctx
	if ctx == nil {
		w.mu.Unlock()
		return
	}
	for token, e := range w.entries {
		if !e.at.After(now) {
			if e.timer != nil {
				_ = e.timer.Stop()
			}
			delete(w.entries, token)
			due = append(due, Fire{Token: token, At: e.at, Payload: e.payload})
			continue
		}
		w.scheduleLocked(token, e)
	}
	w.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].At.Before(due[j].At) })
	for _, f := range due {
		w.log.Info("late timer delivered on resync", logx.String("token", f.Token), logx.Time("at", f.At))
		w.deliver(ctx, f)
	}
}

func (w *Wall) resyncLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(w.cfg.Resync)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.ResyncNow()
		}
	}
}

// scheduleLocked (re)programs e's runtime timer. Call with w.mu held.
func (w *Wall) scheduleLocked(token string, e *entry) {
	if e.timer != nil {
		_ = e.timer.Stop()
	}
	delay := e.at.Sub(w.cfg.Now())
	if delay < 0 {
		delay = 0
	}
	ver := e.ver
	ctx := w.ctx
	e.timer = time.AfterFunc(delay, func() { w.fire(ctx, token, ver) })
}

func (w *Wall) fire(ctx context.Context, token string, ver uint64) {
	w.mu.Lock()
	e, ok := w.entries[token]
	if !ok || e.ver != ver {
		w.mu.Unlock()
		return
	}
	// the monotonic timer may run ahead of a stepped wall clock
	if e.at.After(w.cfg.Now()) {
		w.scheduleLocked(token, e)
		w.mu.Unlock()
		return
	}
	delete(w.entries, token)
	w.mu.Unlock()

	w.deliver(ctx, Fire{Token: token, At: e.at, Payload: e.payload})
}

func (w *Wall) deliver(ctx context.Context, f Fire) {
	if w.handler == nil || ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("timer handler panic", logx.String("token", f.Token), logx.Any("panic", r))
		}
	}()
	w.handler(ctx, f)
}
