package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"lightsout/internal/enforce"
	"lightsout/internal/eventbus"
	"lightsout/internal/notifier"
	"lightsout/internal/occurrence"
	"lightsout/internal/rule"
	rtsup "lightsout/internal/runtime/supervisor"
	"lightsout/internal/storage"
	"lightsout/internal/timerport"
	logx "lightsout/pkg/logx"
)

var (
	ErrNotRunning       = errors.New("shutdown: service not running")
	ErrNoPending        = errors.New("shutdown: no pending occurrence")
	ErrNotApplicable    = errors.New("shutdown: not applicable in current state")
	ErrCancelNotAllowed = errors.New("shutdown: cancelling is disabled for this schedule")
)

const (
	defaultSnooze   = 10 * time.Minute
	defaultLaneBuf  = 32
	notifierTimeout = 20 * time.Second
)

// Enforcer carries out a shutdown. *enforce.Executor implements it.
type Enforcer interface {
	Execute(ctx context.Context, req enforce.Request) enforce.Outcome
}

type Config struct {
	Location   *time.Location
	Snooze     time.Duration
	MaxSnoozes int
	// Seed is used on boot when nothing is persisted. Zero means rule.Default().
	Seed *rule.Rule
	// Now overrides the clock (tests).
	Now func() time.Time
}

type Deps struct {
	Store    storage.Store
	Timers   timerport.Port
	Notifier notifier.Notifier
	Enforcer Enforcer
	Bus      eventbus.Bus
}

type Service struct {
	cfg      Config
	log      logx.Logger
	store    storage.Store
	timers   timerport.Port
	notifier notifier.Notifier
	enforcer Enforcer
	bus      eventbus.Bus

	// applyMu serializes ApplyRule callers.
	applyMu sync.Mutex

	mu      sync.Mutex
	rule    rule.Rule
	applied bool
	live    map[time.Weekday]*occurrence.Occurrence
	armed   map[string]time.Weekday
	lanes   [7]chan job
	sup     *rtsup.Supervisor
}

type job func(ctx context.Context)

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Snooze <= 0 {
		cfg.Snooze = defaultSnooze
	}
	if cfg.MaxSnoozes <= 0 {
		cfg.MaxSnoozes = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Store == nil {
		deps.Store = storage.NewMemory()
	}
	if deps.Notifier == nil {
		deps.Notifier = notifier.NewLog(log)
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	s := &Service{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "shutdown")),
		store:    deps.Store,
		timers:   deps.Timers,
		notifier: deps.Notifier,
		enforcer: deps.Enforcer,
		bus:      deps.Bus,
		rule:     rule.Default(),
		live:     map[time.Weekday]*occurrence.Occurrence{},
		armed:    map[string]time.Weekday{},
	}
	for i := range s.lanes {
		s.lanes[i] = make(chan job, defaultLaneBuf)
	}
	return s
}

func (s *Service) now() time.Time { return s.cfg.Now() }

// Start launches the weekday lanes.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	for d := time.Sunday; d <= time.Saturday; d++ {
		ch := s.lanes[d]
		s.sup.Go0("lane."+rule.ShortName(d), func(c context.Context) { s.runLane(c, ch) })
	}
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

func (s *Service) runLane(ctx context.Context, jobs <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-jobs:
			s.runJob(ctx, j)
		}
	}
}

// runJob contains panics so one bad transition does not stall the weekday.
func (s *Service) runJob(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("lane job panicked", logx.Any("panic", r))
		}
	}()
	j(ctx)
}

func (s *Service) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup != nil
}

// post enqueues fn on the lane of day without waiting for it to run.
func (s *Service) post(ctx context.Context, day time.Weekday, fn job) error {
	if !s.running() {
		return ErrNotRunning
	}
	select {
	case s.lanes[day] <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// do runs fn on the lane of day and waits for it.
func (s *Service) do(ctx context.Context, day time.Weekday, fn job) error {
	done := make(chan struct{})
	wrapped := func(c context.Context) {
		defer close(done)
		fn(c)
	}
	if err := s.post(ctx, day, wrapped); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---- rule application ----

// ApplyRule validates r, persists it with the planned timer set, then
// re-arms every weekday. An invalid rule or a failed write leaves the
// running schedule untouched.
func (s *Service) ApplyRule(ctx context.Context, r rule.Rule) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	if !s.running() {
		return ErrNotRunning
	}

	now := s.now()
	plan := occurrence.Plan(r, now, s.cfg.Location)
	byDay := map[time.Weekday]occurrence.Occurrence{}
	var tokens []string
	for _, o := range plan {
		byDay[o.Weekday] = o
		tokens = append(tokens, timerTokens(o)...)
	}
	sort.Strings(tokens)

	if err := s.saveRule(ctx, r, tokens); err != nil {
		s.persistFailed(KeySchedule, err)
		return fmt.Errorf("shutdown: persist: %w", err)
	}

	s.mu.Lock()
	prev := s.rule
	s.rule = r
	s.applied = true
	s.mu.Unlock()

	errs := make([]error, 0, 7)
	dones := make([]chan struct{}, 0, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		day := d
		next, ok := byDay[day]
		done := make(chan struct{})
		err := s.post(ctx, day, func(c context.Context) {
			defer close(done)
			if ok {
				s.rearm(c, day, &next)
				return
			}
			s.rearm(c, day, nil)
			s.cancelDay(day, prev)
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		dones = append(dones, done)
	}
	for _, done := range dones {
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.TypeRuleApplied, Data: eventbus.RuleApplied{
		Enabled: r.Enabled, Version: r.Version(), Armed: tokens, Source: actorFrom(ctx),
	}})
	s.audit(ctx, storage.AuditEntry{Action: "rule", OK: true})
	s.log.Info("rule applied",
		logx.Bool("enabled", r.Enabled),
		logx.String("at", r.Clock()),
		logx.String("days", r.Weekdays.String()),
		logx.Int("occurrences", len(plan)),
		logx.String("actor", actorFrom(ctx)),
	)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown: arm: %w", err)
	}
	// kept occurrences may hold other timers than the plan
	s.saveArmed(ctx)
	return nil
}

// rearm runs on the lane of day. It cancels whatever the weekday armed
// before and arms next. An identical live occurrence is kept as is.
func (s *Service) rearm(ctx context.Context, day time.Weekday, next *occurrence.Occurrence) {
	s.mu.Lock()
	cur := s.live[day]
	keep := next != nil && cur != nil && cur.ID == next.ID && !cur.State.Terminal() && due(*cur).After(s.now())
	target := next
	if keep {
		target = cur
	}
	want := map[string]bool{}
	if target != nil {
		for _, k := range pendingTimers(*target) {
			want[target.Token(k)] = true
		}
	}
	var stale []string
	for tok, d := range s.armed {
		if d == day && !want[tok] {
			stale = append(stale, tok)
		}
	}
	s.mu.Unlock()

	sort.Strings(stale)
	for _, tok := range stale {
		s.cancelToken(tok)
	}
	if keep {
		s.armOccurrence(*cur)
		return
	}
	if cur != nil && cur.State == occurrence.WarningFired {
		s.clearWarning(ctx, cur.ID)
	}

	s.mu.Lock()
	if next == nil {
		delete(s.live, day)
	} else {
		o := *next
		s.live[day] = &o
	}
	s.mu.Unlock()
	if next != nil {
		s.armOccurrence(*next)
	}
}

// cancelDay cancels every timer kind of the previous rule's occurrence on
// day, armed or not.
func (s *Service) cancelDay(day time.Weekday, prev rule.Rule) {
	id := occurrence.ID(day, prev.Version())
	for _, k := range []occurrence.TimerKind{occurrence.TimerWarning, occurrence.TimerShutdown, occurrence.TimerSnooze} {
		s.cancelToken(occurrence.Token(id, k))
	}
}

// OnHostRestart reloads the persisted rule (falling back to the seed) and
// rebuilds the schedule from the current time.
func (s *Service) OnHostRestart(ctx context.Context) error {
	ctx = WithActor(ctx, "boot")
	armed, err := s.loadArmed(ctx)
	if err != nil {
		s.log.Warn("could not load armed timers", logx.Err(err))
	}
	s.mu.Lock()
	for _, tok := range armed {
		id, _, perr := parseToken(tok)
		if perr != nil {
			continue
		}
		if d, ok := weekdayOf(id); ok {
			s.armed[tok] = d
		}
	}
	s.mu.Unlock()

	r, ok, err := s.loadRule(ctx)
	switch {
	case err != nil:
		s.log.Warn("persisted rule unreadable; using seed", logx.Err(err))
		r = s.seed()
	case !ok:
		r = s.seed()
	}
	if err := s.ApplyRule(ctx, r); err != nil {
		return err
	}
	next, has := s.NextShutdown()
	if has {
		s.log.Info("schedule restored", logx.Time("next", next))
	} else {
		s.log.Info("schedule restored; nothing armed")
	}
	return nil
}

func (s *Service) seed() rule.Rule {
	if s.cfg.Seed != nil {
		return *s.cfg.Seed
	}
	return rule.Default()
}

// ---- events ----

// OnTimerFired runs a fire on its weekday lane and waits for it. A failed
// write of the armed set is returned; the transition itself still applies.
func (s *Service) OnTimerFired(ctx context.Context, f timerport.Fire) error {
	id, day, kind, err := resolveFire(f)
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	ev, _ := occurrence.EventFor(kind)
	var herr error
	if err := s.do(ctx, day, func(c context.Context) {
		herr = s.handle(WithActor(c, "timer"), day, id, ev, kind, f.At)
	}); err != nil {
		return err
	}
	return herr
}

// Ref names one concrete occurrence. Ids repeat every week for the same
// rule; the shutdown instant does not.
type Ref struct {
	ID         string
	ShutdownAt time.Time
}

func RefOf(o occurrence.Occurrence) Ref { return Ref{ID: o.ID, ShutdownAt: o.ShutdownAt} }

// Cancel cancels the occurrence ref points at. A ref to an occurrence that
// already finished returns ErrNotApplicable.
func (s *Service) Cancel(ctx context.Context, ref Ref) error {
	return s.user(ctx, ref, occurrence.CancelRequested)
}

// Snooze postpones the occurrence ref points at by the configured snooze.
func (s *Service) Snooze(ctx context.Context, ref Ref) error {
	return s.user(ctx, ref, occurrence.SnoozeRequested)
}

// CancelPending cancels the soonest occurrence that can be cancelled now.
func (s *Service) CancelPending(ctx context.Context) (string, error) {
	ref, ok := s.pick(func(o occurrence.Occurrence) bool {
		return o.State == occurrence.WarningFired ||
			(o.State == occurrence.Scheduled && o.WarningSkipped())
	})
	if !ok {
		return "", ErrNoPending
	}
	return ref.ID, s.Cancel(ctx, ref)
}

// SnoozePending snoozes the soonest warned or snoozed occurrence.
func (s *Service) SnoozePending(ctx context.Context) (string, error) {
	ref, ok := s.pick(func(o occurrence.Occurrence) bool {
		return o.State == occurrence.WarningFired || o.State == occurrence.Snoozed
	})
	if !ok {
		return "", ErrNoPending
	}
	return ref.ID, s.Snooze(ctx, ref)
}

func (s *Service) pick(match func(occurrence.Occurrence) bool) (Ref, bool) {
	for _, o := range s.Snapshot().Occurrences {
		if match(o) {
			return RefOf(o), true
		}
	}
	return Ref{}, false
}

func (s *Service) user(ctx context.Context, ref Ref, ev occurrence.Event) error {
	day, ok := weekdayOf(ref.ID)
	if !ok {
		return ErrNoPending
	}
	var herr error
	if err := s.do(ctx, day, func(c context.Context) {
		// keep the caller's actor but not its cancellation
		herr = s.handle(WithActor(c, actorFrom(ctx)), day, ref.ID, ev, "", ref.ShutdownAt)
	}); err != nil {
		return err
	}
	return herr
}

// handle runs on the lane of day. For timer events at is the armed
// instant; for user events it is the shutdown instant the user acted on.
func (s *Service) handle(ctx context.Context, day time.Weekday, id string, ev occurrence.Event, kind occurrence.TimerKind, at time.Time) error {
	s.mu.Lock()
	r := s.rule
	var cur occurrence.Occurrence
	live := s.live[day]
	if live != nil {
		cur = *live
	}
	s.mu.Unlock()

	timer := kind != ""
	if live == nil || live.ID != id {
		if !timer {
			return ErrNoPending
		}
		o, ok := reconstruct(r, day, id, kind, at, s.cfg.Location)
		if !ok {
			s.stale(ctx, id, ev, "unknown occurrence")
			return nil
		}
		cur = o
	}
	if timer && !cur.InstantFor(kind).Equal(at) {
		s.stale(ctx, id, ev, "instant mismatch")
		return nil
	}
	// same id, later week: the occurrence the user saw is gone
	if !timer && !cur.ShutdownAt.Equal(at) {
		s.stale(ctx, id, ev, "occurrence finished")
		return ErrNotApplicable
	}

	now := s.now()
	res := occurrence.Transition(cur, ev, occurrence.Params{Now: now, Snooze: s.cfg.Snooze, MaxSnoozes: s.cfg.MaxSnoozes})
	if !res.Applied {
		if timer {
			s.stale(ctx, id, ev, "state "+cur.State.String())
			return nil
		}
		if ev == occurrence.CancelRequested && !cur.AllowCancel {
			return ErrCancelNotAllowed
		}
		return ErrNotApplicable
	}

	next := res.Next
	after := &next
	if next.State.Terminal() {
		after = nil
		if o, ok := s.nextWeek(r, next); ok {
			after = &o
		}
	}
	var perr error
	if err := s.putArmed(ctx, s.projectArmed(day, after)); err != nil {
		s.persistFailed(KeyArmed, err)
		perr = fmt.Errorf("shutdown: persist: %w", err)
		// a due shutdown is enforced even when the disk is failing
		if !timer {
			return perr
		}
	}

	if timer {
		s.forgetToken(occurrence.Token(id, kind))
	}
	s.mu.Lock()
	s.live[day] = &next
	s.mu.Unlock()

	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTransition, Data: eventbus.Transition{
		Occurrence: id, Event: ev.String(), From: cur.State.String(), To: next.State.String(), Actor: actorFrom(ctx),
	}})
	s.log.Info("transition",
		logx.String("occurrence", id),
		logx.String("event", ev.String()),
		logx.String("from", cur.State.String()),
		logx.String("to", next.State.String()),
		logx.String("actor", actorFrom(ctx)),
	)
	switch ev {
	case occurrence.CancelRequested:
		s.audit(ctx, storage.AuditEntry{Occurrence: id, Action: "cancelled", OK: true})
	case occurrence.SnoozeRequested:
		s.audit(ctx, storage.AuditEntry{Occurrence: id, Action: "snoozed", OK: true})
	}

	s.applyEffects(ctx, r, next, res.Effects)
	if next.State.Terminal() {
		s.rollover(day, after)
	}
	return perr
}

// reconstruct rebuilds the occurrence a fire was armed for when it is no
// longer in memory. It only succeeds when the current rule yields the same
// id and instant.
func reconstruct(r rule.Rule, day time.Weekday, id string, kind occurrence.TimerKind, at time.Time, loc *time.Location) (occurrence.Occurrence, bool) {
	if !r.Enabled || !r.Weekdays.Has(day) || kind == occurrence.TimerSnooze {
		return occurrence.Occurrence{}, false
	}
	o := occurrence.New(r, day, at.Add(-time.Second), loc)
	if o.ID != id || !o.InstantFor(kind).Equal(at) {
		return occurrence.Occurrence{}, false
	}
	return o, true
}

// nextWeek is the occurrence that replaces done, if the rule still covers
// its weekday.
func (s *Service) nextWeek(r rule.Rule, done occurrence.Occurrence) (occurrence.Occurrence, bool) {
	if !r.Enabled || !r.Weekdays.Has(done.Weekday) {
		return occurrence.Occurrence{}, false
	}
	base := s.now()
	if done.ShutdownAt.After(base) {
		base = done.ShutdownAt
	}
	return occurrence.New(r, done.Weekday, base, s.cfg.Location), true
}

// rollover installs next as the live occurrence of day; nil clears it.
func (s *Service) rollover(day time.Weekday, next *occurrence.Occurrence) {
	s.mu.Lock()
	if next == nil {
		delete(s.live, day)
		s.mu.Unlock()
		return
	}
	o := *next
	s.live[day] = &o
	s.mu.Unlock()
	s.armOccurrence(o)
	s.log.Debug("next week armed", logx.String("occurrence", o.ID), logx.Time("at", o.ShutdownAt))
}

// projectArmed is the armed set once day holds o (nil: nothing).
func (s *Service) projectArmed(day time.Weekday, o *occurrence.Occurrence) []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.armed)+2)
	for tok, d := range s.armed {
		if d != day {
			out = append(out, tok)
		}
	}
	s.mu.Unlock()
	if o != nil {
		for _, k := range pendingTimers(*o) {
			out = append(out, o.Token(k))
		}
	}
	sort.Strings(out)
	return out
}

func (s *Service) stale(ctx context.Context, id string, ev occurrence.Event, why string) {
	s.log.Debug("stale event dropped", logx.String("occurrence", id), logx.String("event", ev.String()), logx.String("reason", why))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeStaleEvent, Data: eventbus.Transition{
		Occurrence: id, Event: ev.String(), Actor: actorFrom(ctx),
	}})
}

func (s *Service) persistFailed(what string, err error) {
	s.log.Error("persist failed", logx.String("key", what), logx.Err(err))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypePersistError, Data: what + ": " + err.Error()})
}

// ---- queries ----

// Snapshot is a consistent copy of the schedule.
type Snapshot struct {
	Rule    rule.Rule
	Applied bool
	// Occurrences are sorted by Due.
	Occurrences []occurrence.Occurrence
	Armed       []string
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Snapshot{Rule: s.rule, Applied: s.applied, Armed: s.armedLocked()}
	for _, o := range s.live {
		out.Occurrences = append(out.Occurrences, *o)
	}
	sort.Slice(out.Occurrences, func(i, j int) bool {
		return due(out.Occurrences[i]).Before(due(out.Occurrences[j]))
	})
	return out
}

// Due is when o will be enforced if nothing intervenes.
func Due(o occurrence.Occurrence) time.Time { return due(o) }

func due(o occurrence.Occurrence) time.Time {
	if o.State == occurrence.Snoozed {
		return o.SnoozeAt
	}
	return o.ShutdownAt
}

// NextShutdown returns the soonest pending enforcement instant.
func (s *Service) NextShutdown() (time.Time, bool) {
	for _, o := range s.Snapshot().Occurrences {
		if !o.State.Terminal() {
			return due(o), true
		}
	}
	return time.Time{}, false
}

// Preview lists the next n shutdown instants of the current rule.
func (s *Service) Preview(n int) ([]time.Time, error) {
	s.mu.Lock()
	r := s.rule
	s.mu.Unlock()
	if !r.Enabled || n <= 0 {
		return nil, nil
	}
	sched, err := cron.ParseStandard(r.CronSpec())
	if err != nil {
		return nil, fmt.Errorf("shutdown: preview: %w", err)
	}
	t := s.now().In(s.cfg.Location)
	out := make([]time.Time, 0, n)
	for len(out) < n {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

// TestShutdown runs the enforcement chain now, outside any occurrence. A
// resulting blocking mode lasts until dismissed or the service stops, not
// until ctx ends.
func (s *Service) TestShutdown(ctx context.Context) (enforce.Outcome, error) {
	if s.enforcer == nil {
		return enforce.Outcome{}, errors.New("shutdown: no enforcer configured")
	}
	s.mu.Lock()
	msg := s.rule.Text()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return enforce.Outcome{}, ErrNotRunning
	}
	run := WithActor(sup.Context(), actorFrom(ctx))
	return s.execute(run, "test", "test shutdown", msg), nil
}
