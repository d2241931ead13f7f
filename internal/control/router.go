// Package control is the owner-only chat command surface: it parses slash
// commands, runs them through a middleware chain on a bounded worker pool,
// and hands inline-button presses to the notifier.
package control

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "lightsout/internal/runtime/supervisor"
	kit "lightsout/internal/transport"
	logx "lightsout/pkg/logx"
)

const (
	defaultTimeout = 30 * time.Second
	defaultWorkers = 2
	jobQueueCap    = 64
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	// Timeout overrides the router default.
	Timeout time.Duration
	Handle  HandlerFunc
}

// CallbackHandler consumes inline-button presses. It reports whether the
// press belonged to it.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, cb *kit.Callback) bool
}

type Request struct {
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string
	Logger  logx.Logger

	sender kit.Sender
}

// Actor names the requester for the audit trail.
func (r *Request) Actor() string { return "telegram:" + strconv.FormatInt(r.FromID, 10) }

// Reply sends text back to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	if r.sender == nil {
		return nil
	}
	_, err := r.sender.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

type Config struct {
	Owners  []int64
	Workers int
	Timeout time.Duration
}

type Router struct {
	log       logx.Logger
	sender    kit.Sender
	callbacks CallbackHandler
	timeout   time.Duration
	workers   int

	mu     sync.RWMutex
	owners []int64
	cmds   map[string]int
	list   []Command

	jobs chan func()
}

func New(cfg Config, sender kit.Sender, callbacks CallbackHandler, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	return &Router{
		log:       log.With(logx.String("comp", "control")),
		sender:    sender,
		callbacks: callbacks,
		timeout:   cfg.Timeout,
		workers:   cfg.Workers,
		owners:    append([]int64(nil), cfg.Owners...),
		cmds:      map[string]int{},
		jobs:      make(chan func(), jobQueueCap),
	}
}

// SetOwners replaces the owner list (hot reload).
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.owners {
		if o == id {
			return true
		}
	}
	return false
}

// Register replaces the command set. Earlier names win over later aliases.
func (r *Router) Register(cmds ...Command) {
	list := make([]Command, 0, len(cmds))
	idx := map[string]int{}
	for _, c := range cmds {
		c.Name = strings.ToLower(strings.TrimSpace(c.Name))
		if c.Name == "" || c.Handle == nil {
			continue
		}
		if _, taken := idx[c.Name]; taken {
			continue
		}
		idx[c.Name] = len(list)
		list = append(list, c)
	}
	for i, c := range list {
		for _, a := range c.Aliases {
			if a = strings.ToLower(strings.TrimSpace(a)); a == "" {
				continue
			}
			if _, taken := idx[a]; !taken {
				idx[a] = i
			}
		}
	}
	r.mu.Lock()
	r.cmds = idx
	r.list = list
	r.mu.Unlock()
}

// Commands returns the registered commands sorted by name.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	out := append([]Command(nil), r.list...)
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Menu is the command list for the platform autocomplete menu.
func (r *Router) Menu() []kit.BotCommand {
	cmds := r.Commands()
	out := make([]kit.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// PublishMenu pushes Menu to adapters that support it; others are skipped.
func (r *Router) PublishMenu(ctx context.Context, a any) error {
	up, ok := a.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	return up.UpdateMenuCommands(ctx, r.Menu())
}

// Dispatch routes updates until ctx ends or updates closes.
func (r *Router) Dispatch(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	for i := 0; i < r.workers; i++ {
		sup.GoRestart("worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					job()
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("command dispatcher started", logx.Int("workers", r.workers))
	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil {
			r.routeMessage(ctx, up.Message)
		}
	case kit.UpdateCallback:
		if up.Callback != nil {
			r.routeCallback(ctx, up.Callback)
		}
	}
}

func (r *Router) enqueue(fn func()) bool {
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

func (r *Router) routeMessage(ctx context.Context, msg *kit.Message) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if !r.isOwner(msg.FromID) {
		r.log.Warn("command from non-owner ignored", logx.Int64("from_id", msg.FromID), logx.Int64("chat_id", msg.ChatID))
		_, _ = r.sender.SendText(ctx, chat, "unauthorized", nil)
		return
	}

	word := commandWord(parts[0])
	r.mu.RLock()
	i, ok := r.cmds[word]
	var c Command
	if ok {
		c = r.list[i]
	}
	r.mu.RUnlock()
	if !ok {
		_, _ = r.sender.SendText(ctx, chat, "Unknown command. Try /help", nil)
		return
	}

	rid := newReqID()
	req := &Request{
		Chat:    chat,
		FromID:  msg.FromID,
		Command: c.Name,
		Args:    parts[1:],
		ReqID:   rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", c.Name),
		),
		sender: r.sender,
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	final := Chain(c.Handle, MWPanicRecover(r.log), MWRequestLog(r.log), MWTimeout(timeout))
	if !r.enqueue(func() {
		if err := final(ctx, req); err != nil {
			_ = req.Reply(ctx, "Error: "+err.Error())
		}
	}) {
		_, _ = r.sender.SendText(ctx, chat, "busy, try again", nil)
	}
}

func (r *Router) routeCallback(ctx context.Context, cb *kit.Callback) {
	if !r.isOwner(cb.FromID) {
		_ = r.sender.AnswerCallback(ctx, cb.ID, "forbidden")
		return
	}
	if r.callbacks != nil && r.callbacks.HandleCallback(ctx, cb) {
		return
	}
	_ = r.sender.AnswerCallback(ctx, cb.ID, "Unknown action.")
}
