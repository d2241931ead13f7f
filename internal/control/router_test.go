package control

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"lightsout/internal/enforce"
	"lightsout/internal/occurrence"
	"lightsout/internal/rule"
	"lightsout/internal/shutdown"
	"lightsout/internal/storage"
	kit "lightsout/internal/transport"
	logx "lightsout/pkg/logx"
)

type fakeSender struct {
	sent    chan string
	answers chan string
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(chan string, 16), answers: make(chan string, 16)}
}

func (f *fakeSender) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.sent <- text
	return kit.MessageRef{MessageID: 1}, nil
}

func (f *fakeSender) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}

func (f *fakeSender) AnswerCallback(_ context.Context, _ string, text string) error {
	f.answers <- text
	return nil
}

type fakeScheduler struct {
	mu      sync.Mutex
	rule    rule.Rule
	occ     []occurrence.Occurrence
	applied []rule.Rule
	actors  []string
	cancel  error
}

func (f *fakeScheduler) Snapshot() shutdown.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return shutdown.Snapshot{Rule: f.rule, Applied: true, Occurrences: append([]occurrence.Occurrence(nil), f.occ...)}
}

func (f *fakeScheduler) NextShutdown() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.occ {
		if !o.State.Terminal() {
			return shutdown.Due(o), true
		}
	}
	return time.Time{}, false
}

func (f *fakeScheduler) Preview(n int) ([]time.Time, error) {
	base := time.Date(2026, 10, 19, 22, 0, 0, 0, time.UTC)
	out := make([]time.Time, n)
	for i := range out {
		out[i] = base.AddDate(0, 0, 7*i)
	}
	return out, nil
}

func (f *fakeScheduler) CancelPending(ctx context.Context) (string, error) {
	if f.cancel != nil {
		return "", f.cancel
	}
	return "mon-1", nil
}

func (f *fakeScheduler) SnoozePending(ctx context.Context) (string, error) {
	return "", shutdown.ErrNoPending
}

func (f *fakeScheduler) ApplyRule(_ context.Context, r rule.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	f.rule = r
	f.applied = append(f.applied, r)
	f.mu.Unlock()
	return nil
}

func (f *fakeScheduler) TestShutdown(ctx context.Context) (enforce.Outcome, error) {
	return enforce.Outcome{Tier: "systemd", Attempts: []enforce.Attempt{{Tier: "systemd", OK: true}}}, nil
}

type fakeBlocker struct{ active bool }

func (f *fakeBlocker) Blocking() bool { return f.active }
func (f *fakeBlocker) Dismiss(code string) error {
	if code != "ok-code" {
		return enforce.ErrWrongCode
	}
	f.active = false
	return nil
}

type fakeAudit []storage.AuditEntry

func (f fakeAudit) RecentAudit(_ context.Context, n int) ([]storage.AuditEntry, error) {
	if n > len(f) {
		n = len(f)
	}
	return f[:n], nil
}

type fakeCallbacks struct{ got chan string }

func (f *fakeCallbacks) HandleCallback(_ context.Context, cb *kit.Callback) bool {
	if !strings.HasPrefix(cb.Data, "lo:") {
		return false
	}
	f.got <- cb.Data
	return true
}

const owner = int64(42)

type harness struct {
	sender *fakeSender
	sched  *fakeScheduler
	block  *fakeBlocker
	cbs    *fakeCallbacks
	router *Router
	ups    chan kit.Update
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sender: newFakeSender(),
		sched:  &fakeScheduler{rule: rule.Default()},
		block:  &fakeBlocker{},
		cbs:    &fakeCallbacks{got: make(chan string, 4)},
		ups:    make(chan kit.Update, 8),
	}
	h.router = New(Config{Owners: []int64{owner}}, h.sender, h.cbs, logx.Nop())
	audit := fakeAudit{{At: time.Date(2026, 10, 12, 22, 0, 0, 0, time.UTC), Action: "executed", Occurrence: "mon-1", Actor: "timer", OK: true}}
	h.router.Register(Commands(Deps{Scheduler: h.sched, Blocker: h.block, Audit: audit, Location: time.UTC}, h.router)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.router.Dispatch(ctx, h.ups)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) say(from int64, text string) {
	h.ups <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 1, FromID: from, Text: text}}
}

func (h *harness) reply(t *testing.T) string {
	t.Helper()
	select {
	case s := <-h.sender.sent:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
		return ""
	}
}

func TestCommands(t *testing.T) {
	t.Parallel()
	cases := []struct {
		text string
		want string
	}{
		{"/status", "Schedule: off"},
		{"/next 2", "Mon 26 Oct 22:00"},
		{"/next nope", "usage: /next"},
		{"/cancel", "Shutdown mon-1 cancelled."},
		{"/snooze", "Nothing pending right now."},
		{"/exit 123", "Blocking mode is not active."},
		{"/test", "Shutdown via systemd"},
		{"/history", "executed mon-1 by timer"},
		{"/help", "/exit <code> - Leave blocking mode"},
		{"/start@lightsoutbot", "Commands:"},
		{"/bogus", "Unknown command"},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.say(owner, tc.text)
			if got := h.reply(t); !strings.Contains(got, tc.want) {
				t.Fatalf("%s replied %q, want substring %q", tc.text, got, tc.want)
			}
		})
	}
}

func TestNonOwnerRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.say(7, "/disable")
	if got := h.reply(t); got != "unauthorized" {
		t.Fatalf("reply = %q", got)
	}
	if len(h.sched.applied) != 0 {
		t.Fatal("non-owner changed the schedule")
	}
}

func TestEnableDisable(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.say(owner, "/enable")
	if got := h.reply(t); got != "Schedule enabled." {
		t.Fatalf("reply = %q", got)
	}
	h.say(owner, "/enable")
	if got := h.reply(t); got != "Schedule already enabled." {
		t.Fatalf("reply = %q", got)
	}
	h.say(owner, "/disable")
	if got := h.reply(t); got != "Schedule disabled." {
		t.Fatalf("reply = %q", got)
	}
	h.sched.mu.Lock()
	defer h.sched.mu.Unlock()
	if len(h.sched.applied) != 2 || !h.sched.applied[0].Enabled || h.sched.applied[1].Enabled {
		t.Fatalf("applied = %+v", h.sched.applied)
	}
}

func TestCancelNotAllowedMessage(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.sched.cancel = shutdown.ErrCancelNotAllowed
	h.say(owner, "/cancel")
	if got := h.reply(t); got != "This schedule does not allow cancelling." {
		t.Fatalf("reply = %q", got)
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.block.active = true
	h.say(owner, "/exit wrong")
	if got := h.reply(t); got != "Wrong code." {
		t.Fatalf("reply = %q", got)
	}
	h.say(owner, "/exit ok-code")
	if got := h.reply(t); got != "Blocking mode ended." {
		t.Fatalf("reply = %q", got)
	}
}

func TestCallbacks(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.ups <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "c1", FromID: 7, Data: "lo:cancel:mon-1"}}
	if got := <-h.sender.answers; got != "forbidden" {
		t.Fatalf("non-owner answer = %q", got)
	}

	h.ups <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "c2", FromID: owner, Data: "lo:cancel:mon-1"}}
	select {
	case d := <-h.cbs.got:
		if d != "lo:cancel:mon-1" {
			t.Fatalf("data = %q", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback not routed")
	}

	h.ups <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "c3", FromID: owner, Data: "other"}}
	if got := <-h.sender.answers; got != "Unknown action." {
		t.Fatalf("unknown answer = %q", got)
	}
}

func TestMenu(t *testing.T) {
	t.Parallel()
	r := New(Config{}, newFakeSender(), nil, logx.Nop())
	r.Register(Commands(Deps{Scheduler: &fakeScheduler{}}, r)...)
	menu := r.Menu()
	if len(menu) != 10 {
		t.Fatalf("menu has %d entries", len(menu))
	}
	if menu[0].Command != "cancel" || menu[len(menu)-1].Command != "test" {
		t.Fatalf("menu not sorted: %+v", menu)
	}
}

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want []string
	}{
		{"/next 3", []string{"/next", "3"}},
		{`/exit "a b"`, []string{"/exit", "a b"}},
		{`/exit a\ b`, []string{"/exit", "a b"}},
		{"  ", nil},
	}
	for _, tc := range cases {
		got := tokenizeCommandLine(tc.in)
		if strings.Join(got, "|") != strings.Join(tc.want, "|") || len(got) != len(tc.want) {
			t.Fatalf("tokenize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
