package shutdown

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"lightsout/internal/enforce"
	"lightsout/internal/notifier"
	"lightsout/internal/occurrence"
	"lightsout/internal/rule"
	"lightsout/internal/storage"
	"lightsout/internal/timerport"
	logx "lightsout/pkg/logx"
)

var noLog logx.Logger

// 2026-10-12 is a Monday.
func at(day, hh, mm int) time.Time {
	return time.Date(2026, time.October, day, hh, mm, 0, 0, time.UTC)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fakePort struct {
	mu      sync.Mutex
	armed   map[string]time.Time
	arms    []string
	cancels []string
}

func newFakePort() *fakePort { return &fakePort{armed: map[string]time.Time{}} }

func (p *fakePort) Arm(token string, at time.Time, _ []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.armed[token] = at
	p.arms = append(p.arms, token)
}

func (p *fakePort) Cancel(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.armed, token)
	p.cancels = append(p.cancels, token)
}

// fired drops token the way a real port does once it delivers.
func (p *fakePort) fired(token string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.armed[token]; ok && t.Equal(at) {
		delete(p.armed, token)
	}
}

func (p *fakePort) tokens() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.armed))
	for tok := range p.armed {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

func (p *fakePort) cancelsOf(token string, from int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.cancels[from:] {
		if c == token {
			n++
		}
	}
	return n
}

func (p *fakePort) cancelCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cancels)
}

func (p *fakePort) at(token string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.armed[token]
	return t, ok
}

func (p *fakePort) count(token string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, a := range p.arms {
		if a == token {
			n++
		}
	}
	return n
}

func (p *fakePort) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.armed)
}

type fakeNotifier struct {
	mu       sync.Mutex
	warnings []notifier.Warning
	clears   []string
	snoozes  int
}

func (n *fakeNotifier) ShowWarning(_ context.Context, w notifier.Warning) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.warnings = append(n.warnings, w)
	return nil
}

func (n *fakeNotifier) ShowSnoozeConfirmation(context.Context, string, time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.snoozes++
	return nil
}

func (n *fakeNotifier) ClearWarning(_ context.Context, id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clears = append(n.clears, id)
	return nil
}

type fakeEnforcer struct {
	mu   sync.Mutex
	reqs []enforce.Request
}

func (e *fakeEnforcer) Execute(_ context.Context, req enforce.Request) enforce.Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reqs = append(e.reqs, req)
	return enforce.Outcome{RunID: "run-1", Occurrence: req.Occurrence, Tier: "systemd"}
}

func (e *fakeEnforcer) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.reqs)
}

type failingStore struct {
	storage.Store
	mu   sync.Mutex
	fail bool
}

func (f *failingStore) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *failingStore) failing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail
}

func (f *failingStore) PutBatch(ctx context.Context, kv map[string][]byte) error {
	if f.failing() {
		return errors.New("disk full")
	}
	return f.Store.PutBatch(ctx, kv)
}

func (f *failingStore) Put(ctx context.Context, key string, val []byte) error {
	if f.failing() {
		return errors.New("disk full")
	}
	return f.Store.Put(ctx, key, val)
}

type harness struct {
	svc   *Service
	clock *clock
	port  *fakePort
	notes *fakeNotifier
	enf   *fakeEnforcer
	store *failingStore
}

func newHarness(t *testing.T, now time.Time, store storage.Store) *harness {
	t.Helper()
	if store == nil {
		store = storage.NewMemory()
	}
	h := &harness{
		clock: &clock{t: now},
		port:  newFakePort(),
		notes: &fakeNotifier{},
		enf:   &fakeEnforcer{},
		store: &failingStore{Store: store},
	}
	h.svc = New(Config{Location: time.UTC, Now: h.clock.Now}, Deps{
		Store: h.store, Timers: h.port, Notifier: h.notes, Enforcer: h.enf,
	}, noLog)
	ctx, cancel := context.WithCancel(context.Background())
	h.svc.Start(ctx)
	t.Cleanup(func() {
		cancel()
		_ = h.svc.Stop(context.Background())
	})
	return h
}

func mondays(lead int, allowCancel bool) rule.Rule {
	return rule.Rule{
		Enabled:     true,
		TimeOfDay:   22 * 60,
		Weekdays:    rule.NewWeekdays(time.Monday),
		WarningLead: lead,
		AllowCancel: allowCancel,
		Message:     "Lights out",
	}
}

// fire delivers a timer and waits until the lane has processed it.
func (h *harness) fire(t *testing.T, token string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	h.port.fired(token, at)
	if err := h.svc.OnTimerFired(ctx, timerport.Fire{Token: token, At: at}); err != nil {
		t.Fatalf("OnTimerFired(%s): %v", token, err)
	}
}

func (h *harness) persistedArmed(t *testing.T) []string {
	t.Helper()
	b, err := h.store.Get(context.Background(), KeyArmed)
	if err != nil {
		t.Fatalf("Get armed: %v", err)
	}
	var out []string
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("decode armed %s: %v", b, err)
	}
	sort.Strings(out)
	return out
}

func (h *harness) only(t *testing.T) occurrence.Occurrence {
	t.Helper()
	occ := h.svc.Snapshot().Occurrences
	if len(occ) != 1 {
		t.Fatalf("occurrences = %+v", occ)
	}
	return occ[0]
}

func TestApplyRuleArmsAndPersists(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(11, 12, 0), nil)
	ctx := context.Background()
	if err := h.svc.ApplyRule(ctx, mondays(10, true)); err != nil {
		t.Fatalf("ApplyRule: %v", err)
	}
	o := h.only(t)
	if got, ok := h.port.at(o.Token(occurrence.TimerWarning)); !ok || !got.Equal(at(12, 21, 50)) {
		t.Fatalf("warning timer = %v %v", got, ok)
	}
	if got, ok := h.port.at(o.Token(occurrence.TimerShutdown)); !ok || !got.Equal(at(12, 22, 0)) {
		t.Fatalf("shutdown timer = %v %v", got, ok)
	}

	b, err := h.store.Get(ctx, KeySchedule)
	if err != nil {
		t.Fatalf("Get schedule: %v", err)
	}
	if got, err := rule.Decode(b); err != nil || got.Version() != mondays(10, true).Version() {
		t.Fatalf("persisted rule = %+v, %v", got, err)
	}
	b, err = h.store.Get(ctx, KeyArmed)
	if err != nil {
		t.Fatalf("Get armed: %v", err)
	}
	var armed []string
	if err := json.Unmarshal(b, &armed); err != nil || len(armed) != 2 {
		t.Fatalf("armed = %s, %v", b, err)
	}
	if next, ok := h.svc.NextShutdown(); !ok || !next.Equal(at(12, 22, 0)) {
		t.Fatalf("NextShutdown = %v %v", next, ok)
	}
}

func TestApplyRuleIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(11, 12, 0), nil)
	ctx := context.Background()
	r := mondays(10, true)
	if err := h.svc.ApplyRule(ctx, r); err != nil {
		t.Fatal(err)
	}
	first := h.svc.Snapshot()
	if err := h.svc.ApplyRule(ctx, r); err != nil {
		t.Fatal(err)
	}
	second := h.svc.Snapshot()
	if strings.Join(first.Armed, ",") != strings.Join(second.Armed, ",") {
		t.Fatalf("armed changed: %v -> %v", first.Armed, second.Armed)
	}
	if first.Occurrences[0] != second.Occurrences[0] {
		t.Fatalf("occurrence changed: %+v -> %+v", first.Occurrences[0], second.Occurrences[0])
	}
	if h.port.size() != 2 {
		t.Fatalf("port holds %d timers", h.port.size())
	}
}

func TestDisableCancelsEveryWeekday(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(11, 12, 0), nil)
	ctx := context.Background()
	r := mondays(10, true)
	r.Weekdays = rule.NewWeekdays(time.Monday, time.Wednesday, time.Friday)
	if err := h.svc.ApplyRule(ctx, r); err != nil {
		t.Fatal(err)
	}
	r.Enabled = false
	if err := h.svc.ApplyRule(ctx, r); err != nil {
		t.Fatal(err)
	}
	if h.port.size() != 0 {
		t.Fatalf("timers left: %v", h.port.armed)
	}
	if snap := h.svc.Snapshot(); len(snap.Occurrences) != 0 || len(snap.Armed) != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
	seen := map[string]bool{}
	for _, c := range h.port.cancels {
		seen[c[:3]] = true
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		if !seen[rule.ShortName(d)] {
			t.Fatalf("no cancel for %s in %v", rule.ShortName(d), h.port.cancels)
		}
	}
}

func TestApplyRuleRejectsInvalid(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(11, 12, 0), nil)
	ctx := context.Background()
	if err := h.svc.ApplyRule(ctx, mondays(10, true)); err != nil {
		t.Fatal(err)
	}
	bad := mondays(10, true)
	bad.Weekdays = 0
	if err := h.svc.ApplyRule(ctx, bad); !errors.Is(err, rule.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
	if snap := h.svc.Snapshot(); snap.Rule.Version() != mondays(10, true).Version() || len(snap.Occurrences) != 1 {
		t.Fatalf("schedule changed: %+v", snap)
	}
}

func TestPersistFailureLeavesScheduleUntouched(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(11, 12, 0), nil)
	ctx := context.Background()
	if err := h.svc.ApplyRule(ctx, mondays(10, true)); err != nil {
		t.Fatal(err)
	}
	before := h.svc.Snapshot()
	arms := len(h.port.arms)

	h.store.setFail(true)
	changed := mondays(5, true)
	changed.TimeOfDay = 21 * 60
	err := h.svc.ApplyRule(ctx, changed)
	if err == nil || !strings.Contains(err.Error(), "shutdown: persist:") {
		t.Fatalf("err = %v", err)
	}
	after := h.svc.Snapshot()
	if after.Rule.Version() != before.Rule.Version() || after.Occurrences[0] != before.Occurrences[0] {
		t.Fatalf("schedule changed on persist failure")
	}
	if len(h.port.arms) != arms {
		t.Fatalf("timers were re-armed")
	}
}

func TestWarningThenCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(11, 12, 0), nil)
	ctx := context.Background()
	if err := h.svc.ApplyRule(ctx, mondays(10, true)); err != nil {
		t.Fatal(err)
	}
	o := h.only(t)

	h.clock.Set(at(12, 21, 50))
	h.fire(t, o.Token(occurrence.TimerWarning), o.WarningAt)
	if got := h.only(t).State; got != occurrence.WarningFired {
		t.Fatalf("state = %v", got)
	}
	if len(h.notes.warnings) != 1 {
		t.Fatalf("warnings = %d", len(h.notes.warnings))
	}
	w := h.notes.warnings[0]
	if w.Lead != 10*time.Minute || w.OnCancel == nil || w.OnSnooze == nil || w.Message != "Lights out" {
		t.Fatalf("warning = %+v", w)
	}

	// duplicate delivery of the same warning is a no-op
	h.fire(t, o.Token(occurrence.TimerWarning), o.WarningAt)
	if len(h.notes.warnings) != 1 {
		t.Fatalf("duplicate warning shown")
	}

	h.clock.Set(at(12, 21, 53))
	before := h.port.cancelCount()
	if err := w.OnCancel(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if n := h.port.cancelsOf(o.Token(occurrence.TimerShutdown), before); n != 1 {
		t.Fatalf("shutdown timer cancelled %d times, want 1", n)
	}
	if n := h.port.cancelCount() - before; n != 1 {
		t.Fatalf("cancel touched %d timers: %v", n, h.port.cancels[before:])
	}
	if err := h.svc.Cancel(ctx, RefOf(o)); !errors.Is(err, ErrNotApplicable) {
		t.Fatalf("second cancel = %v", err)
	}
	if h.enf.calls() != 0 {
		t.Fatal("cancelled occurrence was executed")
	}
	if len(h.notes.clears) != 1 {
		t.Fatalf("clears = %v", h.notes.clears)
	}

	next := h.only(t)
	if next.State != occurrence.Scheduled || !next.ShutdownAt.Equal(at(19, 22, 0)) {
		t.Fatalf("next week = %+v", next)
	}
	if got, _ := h.port.at(next.Token(occurrence.TimerShutdown)); !got.Equal(at(19, 22, 0)) {
		t.Fatalf("shutdown timer re-armed at %v", got)
	}

	// the old shutdown instant is now stale
	h.clock.Set(at(12, 22, 0))
	h.fire(t, o.Token(occurrence.TimerShutdown), o.ShutdownAt)
	if h.enf.calls() != 0 {
		t.Fatal("stale fire executed")
	}

	entries, err := h.store.RecentAudit(ctx, 10)
	if err != nil || len(entries) == 0 || entries[0].Action != "cancelled" || entries[0].Actor != "notifier" {
		t.Fatalf("audit = %+v, %v", entries, err)
	}
}

func TestSnoozeThenExecute(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(11, 12, 0), nil)
	ctx := context.Background()
	if err := h.svc.ApplyRule(ctx, mondays(10, false)); err != nil {
		t.Fatal(err)
	}
	o := h.only(t)
	h.clock.Set(at(12, 21, 50))
	h.fire(t, o.Token(occurrence.TimerWarning), o.WarningAt)
	if w := h.notes.warnings[0]; w.OnCancel != nil {
		t.Fatal("cancel offered although disallowed")
	}
	if err := h.svc.Cancel(ctx, RefOf(o)); !errors.Is(err, ErrCancelNotAllowed) {
		t.Fatalf("cancel = %v", err)
	}

	h.clock.Set(at(12, 21, 52))
	id, err := h.svc.SnoozePending(ctx)
	if err != nil || id != o.ID {
		t.Fatalf("SnoozePending = %q, %v", id, err)
	}
	snoozed := h.only(t)
	if snoozed.State != occurrence.Snoozed || !snoozed.SnoozeAt.Equal(at(12, 22, 2)) {
		t.Fatalf("snoozed = %+v", snoozed)
	}
	if _, ok := h.port.at(o.Token(occurrence.TimerShutdown)); ok {
		t.Fatal("shutdown timer still armed after snooze")
	}
	if err := h.svc.Snooze(ctx, RefOf(o)); !errors.Is(err, ErrNotApplicable) {
		t.Fatalf("second snooze = %v", err)
	}
	if n := h.port.count(o.Token(occurrence.TimerSnooze)); n != 1 {
		t.Fatalf("snooze timer armed %d times", n)
	}
	if next, _ := h.svc.NextShutdown(); !next.Equal(at(12, 22, 2)) {
		t.Fatalf("NextShutdown = %v", next)
	}

	h.clock.Set(at(12, 22, 2))
	h.fire(t, o.Token(occurrence.TimerSnooze), snoozed.SnoozeAt)
	h.fire(t, o.Token(occurrence.TimerSnooze), snoozed.SnoozeAt)
	if h.enf.calls() != 1 {
		t.Fatalf("executed %d times", h.enf.calls())
	}
	if req := h.enf.reqs[0]; req.Occurrence != o.ID || req.Message != "Lights out" {
		t.Fatalf("request = %+v", req)
	}
	if next := h.only(t); !next.ShutdownAt.Equal(at(19, 22, 0)) || next.State != occurrence.Scheduled {
		t.Fatalf("next week = %+v", next)
	}
}

func TestShutdownWithoutWarning(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(11, 12, 0), nil)
	ctx := context.Background()
	if err := h.svc.ApplyRule(ctx, mondays(0, true)); err != nil {
		t.Fatal(err)
	}
	o := h.only(t)
	if h.port.size() != 1 || !o.WarningSkipped() {
		t.Fatalf("expected shutdown timer only, got %v", h.port.armed)
	}
	h.clock.Set(at(12, 22, 0))
	h.fire(t, o.Token(occurrence.TimerShutdown), o.ShutdownAt)
	if h.enf.calls() != 1 {
		t.Fatalf("executed %d times", h.enf.calls())
	}
	if len(h.notes.clears) != 1 {
		t.Fatalf("clears = %v", h.notes.clears)
	}
}

func TestCancelBeforeWarningWhenSkipped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(11, 12, 0), nil)
	ctx := context.Background()
	if err := h.svc.ApplyRule(ctx, mondays(0, true)); err != nil {
		t.Fatal(err)
	}
	id, err := h.svc.CancelPending(ctx)
	if err != nil {
		t.Fatalf("CancelPending: %v", err)
	}
	next := h.only(t)
	if next.ID != id || !next.ShutdownAt.Equal(at(19, 22, 0)) {
		t.Fatalf("next = %+v", next)
	}
}

func TestUnknownTimerToken(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(11, 12, 0), nil)
	if err := h.svc.OnTimerFired(context.Background(), timerport.Fire{Token: "garbage"}); err == nil {
		t.Fatal("expected error for malformed token")
	}
	// well formed but unknown occurrence: dropped quietly
	h.fire(t, "tue-0000000000000000:shutdown", at(13, 22, 0))
	if h.enf.calls() != 0 {
		t.Fatal("unknown occurrence executed")
	}
}

func TestHostRestartRebuildsSchedule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()

	first := newHarness(t, at(11, 12, 0), store)
	if err := first.svc.ApplyRule(ctx, mondays(10, true)); err != nil {
		t.Fatal(err)
	}
	leftover := "tue-0000000000000000:shutdown"
	if err := store.Put(ctx, KeyArmed, []byte(`["`+leftover+`"]`)); err != nil {
		t.Fatal(err)
	}

	second := newHarness(t, at(12, 21, 55), store)
	if err := second.svc.OnHostRestart(ctx); err != nil {
		t.Fatalf("OnHostRestart: %v", err)
	}
	o := second.only(t)
	if !o.ShutdownAt.Equal(at(12, 22, 0)) || !o.WarningSkipped() {
		t.Fatalf("restored = %+v", o)
	}
	if _, ok := second.port.at(o.Token(occurrence.TimerShutdown)); !ok {
		t.Fatal("shutdown timer not armed after restart")
	}
	found := false
	for _, c := range second.port.cancels {
		found = found || c == leftover
	}
	if !found {
		t.Fatalf("leftover timer not cancelled: %v", second.port.cancels)
	}
}

func TestHostRestartUsesSeed(t *testing.T) {
	t.Parallel()
	seed := mondays(10, true)
	h := newHarness(t, at(11, 12, 0), nil)
	h.svc.cfg.Seed = &seed
	if err := h.svc.OnHostRestart(context.Background()); err != nil {
		t.Fatal(err)
	}
	if snap := h.svc.Snapshot(); !snap.Rule.Enabled || len(snap.Occurrences) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(11, 12, 0), nil)
	if err := h.svc.ApplyRule(context.Background(), mondays(10, true)); err != nil {
		t.Fatal(err)
	}
	got, err := h.svc.Preview(3)
	if err != nil {
		t.Fatal(err)
	}
	want := []time.Time{at(12, 22, 0), at(19, 22, 0), at(26, 22, 0)}
	if len(got) != len(want) {
		t.Fatalf("Preview = %v", got)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("Preview[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestNotRunning(t *testing.T) {
	t.Parallel()
	s := New(Config{}, Deps{}, noLog)
	if err := s.ApplyRule(context.Background(), rule.Default()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v", err)
	}
}

func TestLateCancelLeavesNextWeekAlone(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(11, 12, 0), nil)
	ctx := context.Background()
	if err := h.svc.ApplyRule(ctx, mondays(0, true)); err != nil {
		t.Fatal(err)
	}
	o := h.only(t)
	h.clock.Set(at(12, 22, 0))
	h.fire(t, o.Token(occurrence.TimerShutdown), o.ShutdownAt)

	next := h.only(t)
	if next.ID != o.ID || !next.ShutdownAt.Equal(at(19, 22, 0)) {
		t.Fatalf("rolled over to %+v", next)
	}
	if err := h.svc.Cancel(ctx, RefOf(o)); !errors.Is(err, ErrNotApplicable) {
		t.Fatalf("late cancel = %v", err)
	}
	got := h.only(t)
	if got.State != occurrence.Scheduled || !got.ShutdownAt.Equal(at(19, 22, 0)) {
		t.Fatalf("next week changed: %+v", got)
	}
	if _, ok := h.port.at(o.Token(occurrence.TimerShutdown)); !ok {
		t.Fatal("next week's shutdown timer was cancelled")
	}
}

func TestConcurrentCancelAndSnooze(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(11, 12, 0), nil)
	ctx := context.Background()
	if err := h.svc.ApplyRule(ctx, mondays(10, true)); err != nil {
		t.Fatal(err)
	}
	o := h.only(t)
	h.clock.Set(at(12, 21, 50))
	h.fire(t, o.Token(occurrence.TimerWarning), o.WarningAt)
	h.clock.Set(at(12, 21, 52))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	start := make(chan struct{})
	for i, act := range []func(context.Context, Ref) error{h.svc.Cancel, h.svc.Snooze} {
		wg.Add(1)
		go func(i int, act func(context.Context, Ref) error) {
			defer wg.Done()
			<-start
			errs[i] = act(ctx, RefOf(o))
		}(i, act)
	}
	close(start)
	wg.Wait()

	applied := 0
	for _, err := range errs {
		switch {
		case err == nil:
			applied++
		case !errors.Is(err, ErrNotApplicable):
			t.Fatalf("unexpected error %v", err)
		}
	}
	if applied != 1 {
		t.Fatalf("applied %d of cancel/snooze, errs=%v", applied, errs)
	}

	got := h.only(t)
	var want []string
	switch {
	case errs[0] == nil:
		if got.State != occurrence.Scheduled || !got.ShutdownAt.Equal(at(19, 22, 0)) {
			t.Fatalf("after cancel: %+v", got)
		}
		want = []string{o.Token(occurrence.TimerShutdown), o.Token(occurrence.TimerWarning)}
	default:
		if got.State != occurrence.Snoozed {
			t.Fatalf("after snooze: %+v", got)
		}
		want = []string{o.Token(occurrence.TimerSnooze)}
	}
	for name, set := range map[string][]string{
		"service":   h.svc.Snapshot().Armed,
		"port":      h.port.tokens(),
		"persisted": h.persistedArmed(t),
	} {
		if strings.Join(set, ",") != strings.Join(want, ",") {
			t.Fatalf("%s timers = %v, want %v", name, set, want)
		}
	}
}

func TestTimerFireReportsPersistFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(11, 12, 0), nil)
	ctx := context.Background()
	if err := h.svc.ApplyRule(ctx, mondays(0, true)); err != nil {
		t.Fatal(err)
	}
	o := h.only(t)
	h.store.setFail(true)
	h.clock.Set(at(12, 22, 0))
	err := h.svc.OnTimerFired(ctx, timerport.Fire{Token: o.Token(occurrence.TimerShutdown), At: o.ShutdownAt})
	if err == nil || !strings.Contains(err.Error(), "shutdown: persist:") {
		t.Fatalf("OnTimerFired = %v, want persist error", err)
	}
	// a due shutdown still runs
	if h.enf.calls() != 1 {
		t.Fatalf("executed %d times", h.enf.calls())
	}
}

func TestUserEventPersistFailureKeepsState(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(11, 12, 0), nil)
	ctx := context.Background()
	if err := h.svc.ApplyRule(ctx, mondays(10, true)); err != nil {
		t.Fatal(err)
	}
	o := h.only(t)
	h.clock.Set(at(12, 21, 50))
	h.fire(t, o.Token(occurrence.TimerWarning), o.WarningAt)

	h.store.setFail(true)
	before := h.port.cancelCount()
	err := h.svc.Cancel(ctx, RefOf(o))
	if err == nil || !strings.Contains(err.Error(), "shutdown: persist:") {
		t.Fatalf("Cancel = %v, want persist error", err)
	}
	if got := h.only(t).State; got != occurrence.WarningFired {
		t.Fatalf("state = %v after failed cancel", got)
	}
	if h.port.cancelCount() != before {
		t.Fatal("timers touched after failed cancel")
	}

	h.store.setFail(false)
	if err := h.svc.Cancel(ctx, RefOf(o)); err != nil {
		t.Fatalf("retry cancel: %v", err)
	}
}

func TestApplyRulePersistsKeptTimers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(11, 12, 0), nil)
	ctx := context.Background()
	r := mondays(10, true)
	if err := h.svc.ApplyRule(ctx, r); err != nil {
		t.Fatal(err)
	}
	o := h.only(t)
	h.clock.Set(at(12, 21, 50))
	h.fire(t, o.Token(occurrence.TimerWarning), o.WarningAt)
	h.clock.Set(at(12, 21, 52))
	if err := h.svc.Snooze(ctx, RefOf(o)); err != nil {
		t.Fatal(err)
	}

	if err := h.svc.ApplyRule(ctx, r); err != nil {
		t.Fatal(err)
	}
	if got := h.only(t).State; got != occurrence.Snoozed {
		t.Fatalf("state = %v, want snoozed kept", got)
	}
	want := o.Token(occurrence.TimerSnooze)
	if got := h.persistedArmed(t); len(got) != 1 || got[0] != want {
		t.Fatalf("persisted armed = %v, want [%s]", got, want)
	}
}

type stuckLocker struct{}

func (stuckLocker) LockSessions(context.Context) error { return nil }

func TestTestShutdownBlockingOutlivesRequest(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(11, 12, 0), nil)
	failing := enforce.TierFunc("systemd", func(context.Context, string) (bool, error) {
		return false, errors.New("no bus")
	})
	exec := enforce.New(enforce.Config{TierTimeout: time.Second}, []enforce.Tier{failing},
		enforce.NewSessionBlocker(stuckLocker{}, 10*time.Millisecond, nil, noLog), noLog)
	defer exec.Close()
	h.svc.enforcer = exec

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	out, err := h.svc.TestShutdown(ctx)
	cancel()
	if err != nil || !out.Blocking() {
		t.Fatalf("TestShutdown = %+v, %v", out, err)
	}
	time.Sleep(50 * time.Millisecond)
	if !exec.Blocking() {
		t.Fatal("blocking mode ended with the request context")
	}
}
