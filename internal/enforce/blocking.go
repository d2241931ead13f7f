package enforce

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "lightsout/pkg/logx"
)

var ErrWrongCode = errors.New("enforce: wrong emergency exit code")

// Blocking-mode text.
const (
	BlockingTitle       = "Digital Detox Mode"
	BlockingBody        = "This computer is now in shutdown mode. Time to disconnect and focus on what truly matters."
	BlockingSuggestions = "Use this time to:\n\n• Read a book\n• Exercise or go for a walk\n• Have meaningful conversations\n• Practice mindfulness\n• Work on personal projects\n• Get quality sleep"
)

// BlockingUI activates the fallback mode.
type BlockingUI interface {
	Activate(ctx context.Context, message string) (BlockingHandle, error)
}

// BlockingHandle controls an active blocking session. Dismiss only succeeds
// with the emergency-exit code. Release ends the session unconditionally and
// is meant for process shutdown only.
type BlockingHandle interface {
	Dismiss(code string) error
	Release()
	Done() <-chan struct{}
}

// SessionLocker locks every interactive session on the host.
type SessionLocker interface {
	LockSessions(ctx context.Context) error
}

// Blocking describes an activated session for announcement.
type Blocking struct {
	Title   string
	Message string
	Code    string
	Relock  time.Duration
}

// Text renders b for a human.
func (b Blocking) Text() string {
	var sb strings.Builder
	sb.WriteString(b.Title)
	sb.WriteString("\n\n")
	if m := strings.TrimSpace(b.Message); m != "" {
		sb.WriteString(m)
		sb.WriteString("\n\n")
	}
	sb.WriteString(BlockingBody)
	sb.WriteString("\n\n")
	sb.WriteString(BlockingSuggestions)
	return sb.String()
}

// SessionBlocker is the Linux blocking mode: it locks all sessions through
// logind and keeps re-locking until dismissed.
type SessionBlocker struct {
	locker   SessionLocker
	announce func(ctx context.Context, b Blocking)
	relock   time.Duration
	log      logx.Logger
	newCode  func() string
}

func NewSessionBlocker(locker SessionLocker, relock time.Duration, announce func(ctx context.Context, b Blocking), log logx.Logger) *SessionBlocker {
	if log.IsZero() {
		log = logx.Nop()
	}
	if relock <= 0 {
		relock = 15 * time.Second
	}
	return &SessionBlocker{
		locker:   locker,
		announce: announce,
		relock:   relock,
		log:      log.With(logx.String("comp", "blocking")),
		newCode:  func() string { return strings.ToUpper(uuid.NewString()[:8]) },
	}
}

// Activate locks sessions immediately and keeps them locked until the
// handle is dismissed, released, or ctx ends. A failing first lock does not
// fail activation: the relock loop keeps trying.
func (b *SessionBlocker) Activate(ctx context.Context, message string) (BlockingHandle, error) {
	if b.locker == nil {
		return nil, errors.New("no session locker")
	}
	h := &sessionHandle{code: b.newCode(), done: make(chan struct{})}

	if err := b.locker.LockSessions(ctx); err != nil {
		b.log.Warn("initial session lock failed", logx.Err(err))
	}
	if b.announce != nil {
		b.announce(ctx, Blocking{Title: BlockingTitle, Message: message, Code: h.code, Relock: b.relock})
	}
	go b.relockLoop(ctx, h)
	b.log.Info("blocking mode activated", logx.Duration("relock", b.relock))
	return h, nil
}

func (b *SessionBlocker) relockLoop(ctx context.Context, h *sessionHandle) {
	t := time.NewTicker(b.relock)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.Release()
			return
		case <-h.done:
			return
		case <-t.C:
			if err := b.locker.LockSessions(ctx); err != nil {
				b.log.Debug("session relock failed", logx.Err(err))
			}
		}
	}
}

type sessionHandle struct {
	code string
	once sync.Once
	done chan struct{}
}

func (h *sessionHandle) Dismiss(code string) error {
	code = strings.ToUpper(strings.TrimSpace(code))
	if subtle.ConstantTimeCompare([]byte(code), []byte(h.code)) != 1 {
		return ErrWrongCode
	}
	h.Release()
	return nil
}

func (h *sessionHandle) Release() { h.once.Do(func() { close(h.done) }) }

func (h *sessionHandle) Done() <-chan struct{} { return h.done }
