package notifier

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	kit "lightsout/internal/transport"
	logx "lightsout/pkg/logx"
)

// Callback data prefixes. The occurrence ID follows the prefix.
const (
	CallbackCancel = "lo:cancel:"
	CallbackSnooze = "lo:snooze:"
)

type ChatConfig struct {
	Target        kit.ChatTarget
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

func (c ChatConfig) withDefaults() ChatConfig {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

type shown struct {
	seq  uint64
	ref  kit.MessageRef
	text string
}

// Chat delivers notifications to one Telegram chat.
type Chat struct {
	sender  kit.Sender
	log     logx.Logger
	cfg     ChatConfig
	limiter *rate.Limiter

	mu       sync.Mutex
	actions  map[string]func(ctx context.Context) error
	warnings map[string]shown
	seq      uint64
	stopped  bool

	inflight sync.WaitGroup
}

func NewChat(cfg ChatConfig, sender kit.Sender, log logx.Logger) *Chat {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Chat{
		sender:   sender,
		log:      log.With(logx.String("comp", "notifier.chat")),
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		actions:  map[string]func(ctx context.Context) error{},
		warnings: map[string]shown{},
	}
}

func (c *Chat) ShowWarning(ctx context.Context, w Warning) error {
	if c.cfg.Target.ChatID == 0 {
		return ErrNoTarget
	}
	var row []kit.Button
	if w.OnCancel != nil {
		row = append(row, kit.Button{Text: "Cancel", Data: CallbackCancel + w.Occurrence})
	}
	if w.OnSnooze != nil {
		row = append(row, kit.Button{Text: "Snooze " + minutes(w.Snooze), Data: CallbackSnooze + w.Occurrence})
	}
	opt := &kit.SendOptions{DisablePreview: true}
	if len(row) > 0 {
		opt.Buttons = [][]kit.Button{row}
	}

	text := w.Text()
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	c.dropLocked(w.Occurrence)
	if w.OnCancel != nil {
		c.actions[CallbackCancel+w.Occurrence] = w.OnCancel
	}
	if w.OnSnooze != nil {
		c.actions[CallbackSnooze+w.Occurrence] = w.OnSnooze
	}
	c.seq++
	seq := c.seq
	c.warnings[w.Occurrence] = shown{seq: seq, text: text}
	c.mu.Unlock()

	ref, err := c.send(ctx, text, opt)
	if err != nil {
		return err
	}
	c.mu.Lock()
	// a ClearWarning during the send wins
	if s, ok := c.warnings[w.Occurrence]; ok && s.seq == seq {
		s.ref = ref
		c.warnings[w.Occurrence] = s
	}
	c.mu.Unlock()
	return nil
}

func (c *Chat) ShowSnoozeConfirmation(ctx context.Context, occurrence string, snooze time.Duration) error {
	if c.cfg.Target.ChatID == 0 {
		return ErrNoTarget
	}
	_, err := c.send(ctx, SnoozeText(snooze), &kit.SendOptions{DisablePreview: true})
	return err
}

// ClearWarning forgets the actions of occurrence and strips the buttons from
// the shown warning.
func (c *Chat) ClearWarning(ctx context.Context, occurrence string) error {
	c.mu.Lock()
	s, ok := c.warnings[occurrence]
	c.dropLocked(occurrence)
	c.mu.Unlock()
	if !ok || s.ref.MessageID == 0 {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()
	return c.sender.EditText(cctx, s.ref, s.text, &kit.SendOptions{DisablePreview: true, Buttons: [][]kit.Button{}})
}

func (c *Chat) dropLocked(occurrence string) {
	delete(c.actions, CallbackCancel+occurrence)
	delete(c.actions, CallbackSnooze+occurrence)
	delete(c.warnings, occurrence)
}

func (c *Chat) Announce(ctx context.Context, text string) error {
	if c.cfg.Target.ChatID == 0 {
		return ErrNoTarget
	}
	_, err := c.send(ctx, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// ForwardLog implements logx.Forwarder. It never retries and never logs.
func (c *Chat) ForwardLog(ctx context.Context, text string) error {
	if c.cfg.Target.ChatID == 0 {
		return ErrNoTarget
	}
	if !c.limiter.Allow() {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()
	_, err := c.sender.SendText(cctx, c.cfg.Target, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// HandleCallback runs the action registered for cb.Data. It reports false
// when the data does not belong to this notifier.
func (c *Chat) HandleCallback(ctx context.Context, cb *kit.Callback) bool {
	if cb == nil || !strings.HasPrefix(cb.Data, "lo:") {
		return false
	}
	c.mu.Lock()
	fn, ok := c.actions[cb.Data]
	if ok {
		// one press per action
		delete(c.actions, cb.Data)
	}
	stopped := c.stopped
	if !stopped && ok {
		c.inflight.Add(1)
	}
	c.mu.Unlock()

	if !ok || stopped {
		c.answer(ctx, cb.ID, "This warning is no longer active.")
		return true
	}
	c.answer(ctx, cb.ID, "OK")

	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer c.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("callback action panicked", logx.String("data", cb.Data), logx.Any("panic", r))
			}
		}()
		actx, cancel := context.WithTimeout(runCtx, 30*time.Second)
		defer cancel()
		if err := fn(actx); err != nil {
			c.log.Warn("callback action failed", logx.String("data", cb.Data), logx.Err(err))
		}
	}()
	return true
}

func (c *Chat) answer(ctx context.Context, id, text string) {
	if id == "" {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()
	if err := c.sender.AnswerCallback(cctx, id, text); err != nil {
		c.log.Debug("answer callback failed", logx.Err(err))
	}
}

// Close rejects further warnings and waits for running callback actions.
func (c *Chat) Close(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Chat) send(ctx context.Context, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	attempts := 1 + c.cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return kit.MessageRef{}, err
		}
		cctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
		ref, err := c.sender.SendText(cctx, c.cfg.Target, text, opt)
		cancel()
		if err == nil {
			return ref, nil
		}
		lastErr = err
		c.log.Debug("send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(c.cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return kit.MessageRef{}, errors.Join(lastErr, ctx.Err())
		}
	}
	return kit.MessageRef{}, lastErr
}

// retryDelay is exponential from RetryBase, capped, with up to 20% jitter.
func retryDelay(cfg ChatConfig, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	if j := int64(d) / 5; j > 0 {
		d += time.Duration(rand.Int63n(j))
	}
	return d
}
