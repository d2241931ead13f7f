// Package enforce carries out a shutdown through an ordered chain of tiers.
//
// Tiers are tried strictly in order until one reports success. Failures,
// timeouts and panics are logged and the chain moves on. When every tier
// has failed the blocking fallback is activated. Execute never returns an
// error.
package enforce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "lightsout/pkg/logx"
)

const defaultTierTimeout = 5 * time.Second

// TierBlocking names the fallback in Outcome.Tier.
const TierBlocking = "blocking"

var (
	ErrTimeout     = errors.New("enforce: tier timed out")
	ErrNotBlocking = errors.New("enforce: blocking mode is not active")
)

// Tier is one enforcement mechanism.
type Tier interface {
	Name() string
	Attempt(ctx context.Context, reason string) (bool, error)
}

// TierFunc adapts a function to Tier.
func TierFunc(name string, fn func(ctx context.Context, reason string) (bool, error)) Tier {
	return funcTier{name: name, fn: fn}
}

type funcTier struct {
	name string
	fn   func(ctx context.Context, reason string) (bool, error)
}

func (t funcTier) Name() string { return t.name }
func (t funcTier) Attempt(ctx context.Context, reason string) (bool, error) {
	return t.fn(ctx, reason)
}

// Attempt is the transient record of one tier run.
type Attempt struct {
	Tier string
	OK   bool
	Err  error
	Took time.Duration
}

// Outcome reports how an execution ended. Tier is the name of the tier
// that succeeded, or TierBlocking when the fallback was used.
type Outcome struct {
	RunID      string
	Occurrence string
	Tier       string
	Attempts   []Attempt
	// BlockingErr is set when the fallback itself could not be activated.
	BlockingErr error
	Took        time.Duration
}

func (o Outcome) Blocking() bool { return o.Tier == TierBlocking }

type Config struct {
	TierTimeout time.Duration
	// OnAttempt, when set, observes every tier attempt (metrics).
	OnAttempt func(Attempt)
}

// Request is what Execute acts on.
type Request struct {
	Occurrence string
	Reason     string
	// Message is shown by the blocking fallback.
	Message string
}

type Executor struct {
	cfg   Config
	tiers []Tier
	ui    BlockingUI
	log   logx.Logger

	mu     sync.Mutex
	active BlockingHandle
}

func New(cfg Config, tiers []Tier, ui BlockingUI, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.TierTimeout <= 0 {
		cfg.TierTimeout = defaultTierTimeout
	}
	return &Executor{
		cfg:   cfg,
		tiers: append([]Tier(nil), tiers...),
		ui:    ui,
		log:   log.With(logx.String("comp", "enforce")),
	}
}

// Tiers returns the configured tier names in order.
func (e *Executor) Tiers() []string {
	out := make([]string, 0, len(e.tiers))
	for _, t := range e.tiers {
		out = append(out, t.Name())
	}
	return out
}

func (e *Executor) Execute(ctx context.Context, req Request) Outcome {
	start := time.Now()
	out := Outcome{RunID: uuid.NewString(), Occurrence: req.Occurrence}
	log := e.log.With(logx.String("run", out.RunID), logx.String("occurrence", req.Occurrence))
	log.Info("enforcement started", logx.Int("tiers", len(e.tiers)))

	for _, t := range e.tiers {
		a := e.attempt(ctx, t, req.Reason)
		out.Attempts = append(out.Attempts, a)
		if e.cfg.OnAttempt != nil {
			e.cfg.OnAttempt(a)
		}
		if a.OK {
			out.Tier = a.Tier
			out.Took = time.Since(start)
			log.Info("enforcement tier succeeded", logx.String("tier", a.Tier), logx.Duration("took", a.Took))
			return out
		}
		log.Warn("enforcement tier failed", logx.String("tier", a.Tier), logx.Err(a.Err), logx.Duration("took", a.Took))
	}

	out.Tier = TierBlocking
	out.BlockingErr = e.activate(ctx, req.Message)
	out.Took = time.Since(start)
	if out.BlockingErr != nil {
		log.Error("blocking mode activation failed", logx.Err(out.BlockingErr))
	} else {
		log.Warn("all tiers failed; blocking mode active", logx.Int("attempts", len(out.Attempts)))
	}
	return out
}

// attempt runs one tier under the tier timeout. A tier that ignores its
// context is abandoned when the timeout elapses.
func (e *Executor) attempt(ctx context.Context, t Tier, reason string) Attempt {
	name := t.Name()
	start := time.Now()
	tctx, cancel := context.WithTimeout(ctx, e.cfg.TierTimeout)
	defer cancel()

	type result struct {
		ok  bool
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("tier %s panic: %v", name, r)}
			}
		}()
		ok, err := t.Attempt(tctx, reason)
		ch <- result{ok: ok, err: err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-tctx.Done():
		r = result{err: fmt.Errorf("%w after %s: %v", ErrTimeout, e.cfg.TierTimeout, tctx.Err())}
	}
	if !r.ok && r.err == nil {
		r.err = errors.New("tier reported failure")
	}
	if r.ok {
		r.err = nil
	}
	return Attempt{Tier: name, OK: r.ok, Err: r.err, Took: time.Since(start)}
}

func (e *Executor) activate(ctx context.Context, message string) (err error) {
	if e.ui == nil {
		return errors.New("no blocking ui configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("blocking ui panic: %v", r)
		}
	}()
	h, err := e.ui.Activate(ctx, message)
	if err != nil {
		return err
	}
	e.mu.Lock()
	prev := e.active
	e.active = h
	e.mu.Unlock()
	if prev != nil {
		prev.Release()
	}
	return nil
}

// Blocking reports whether a blocking session is in force.
func (e *Executor) Blocking() bool {
	e.mu.Lock()
	h := e.active
	e.mu.Unlock()
	if h == nil {
		return false
	}
	select {
	case <-h.Done():
		return false
	default:
		return true
	}
}

// Dismiss ends the active blocking session with the emergency-exit code.
func (e *Executor) Dismiss(code string) error {
	e.mu.Lock()
	h := e.active
	e.mu.Unlock()
	if h == nil {
		return ErrNotBlocking
	}
	if err := h.Dismiss(code); err != nil {
		return err
	}
	e.mu.Lock()
	if e.active == h {
		e.active = nil
	}
	e.mu.Unlock()
	e.log.Info("blocking mode dismissed")
	return nil
}

// Close releases an active blocking session without a code (daemon exit).
func (e *Executor) Close() {
	e.mu.Lock()
	h := e.active
	e.active = nil
	e.mu.Unlock()
	if h != nil {
		h.Release()
	}
}
