package timerport

import (
	"context"
	"sync"
	"testing"
	"time"

	logx "lightsout/pkg/logx"
)

var noLog logx.Logger

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func collector() (Handler, <-chan Fire) {
	ch := make(chan Fire, 16)
	return func(_ context.Context, f Fire) { ch <- f }, ch
}

func expectFire(t *testing.T, ch <-chan Fire, token string) Fire {
	t.Helper()
	select {
	case f := <-ch:
		if f.Token != token {
			t.Fatalf("fired %q, want %q", f.Token, token)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timer %q did not fire", token)
	}
	return Fire{}
}

func expectQuiet(t *testing.T, ch <-chan Fire, d time.Duration) {
	t.Helper()
	select {
	case f := <-ch:
		t.Fatalf("unexpected fire %q", f.Token)
	case <-time.After(d):
	}
}

func TestArmFiresWithPayload(t *testing.T) {
	t.Parallel()
	h, ch := collector()
	w := New(Config{Resync: time.Hour}, h, noLog)
	w.Start(context.Background())
	defer w.Stop(context.Background())

	at := time.Now().Add(20 * time.Millisecond)
	w.Arm("mon-1:shutdown", at, []byte("hello"))
	f := expectFire(t, ch, "mon-1:shutdown")
	if !f.At.Equal(at) || string(f.Payload) != "hello" {
		t.Fatalf("unexpected fire %+v", f)
	}
	if len(w.Armed()) != 0 {
		t.Fatalf("fired timer still held: %v", w.Armed())
	}
}

func TestCancelAndReplace(t *testing.T) {
	t.Parallel()
	h, ch := collector()
	w := New(Config{Resync: time.Hour}, h, noLog)
	w.Start(context.Background())
	defer w.Stop(context.Background())

	w.Arm("a", time.Now().Add(30*time.Millisecond), nil)
	w.Cancel("a")
	w.Cancel("never-armed")

	first := time.Now().Add(20 * time.Millisecond)
	second := time.Now().Add(60 * time.Millisecond)
	w.Arm("b", first, nil)
	w.Arm("b", second, nil)

	f := expectFire(t, ch, "b")
	if !f.At.Equal(second) {
		t.Fatalf("replaced timer fired for %s, want %s", f.At, second)
	}
	expectQuiet(t, ch, 100*time.Millisecond)
}

func TestArmBeforeStartIsHeld(t *testing.T) {
	t.Parallel()
	h, ch := collector()
	w := New(Config{Resync: time.Hour}, h, noLog)

	w.Arm("held", time.Now().Add(-time.Minute), nil)
	expectQuiet(t, ch, 50*time.Millisecond)
	if got := w.Armed(); len(got) != 1 || got[0] != "held" {
		t.Fatalf("Armed() = %v", got)
	}

	w.Start(context.Background())
	defer w.Stop(context.Background())
	expectFire(t, ch, "held")
}

func TestResyncDeliversAfterWallJump(t *testing.T) {
	t.Parallel()
	c := &clock{now: time.Date(2026, 10, 12, 21, 0, 0, 0, time.UTC)}
	h, ch := collector()
	w := New(Config{Resync: time.Hour, Now: c.Now}, h, noLog)
	w.Start(context.Background())
	defer w.Stop(context.Background())

	w.Arm("late", c.Now().Add(time.Hour), nil)
	w.Arm("later", c.Now().Add(3*time.Hour), nil)
	w.ResyncNow()
	expectQuiet(t, ch, 30*time.Millisecond)

	// host slept for two hours
	c.Advance(2 * time.Hour)
	w.ResyncNow()
	expectFire(t, ch, "late")
	expectQuiet(t, ch, 30*time.Millisecond)
	if got := w.Armed(); len(got) != 1 || got[0] != "later" {
		t.Fatalf("Armed() = %v", got)
	}
}

func TestStopDropsTimers(t *testing.T) {
	t.Parallel()
	h, ch := collector()
	w := New(Config{Resync: time.Hour}, h, noLog)
	w.Start(context.Background())
	w.Arm("x", time.Now().Add(30*time.Millisecond), nil)
	w.Stop(context.Background())
	expectQuiet(t, ch, 80*time.Millisecond)
}

func TestHandlerPanicIsContained(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	calls := 0
	w := New(Config{Resync: time.Hour}, func(context.Context, Fire) {
		mu.Lock()
		calls++
		mu.Unlock()
		panic("boom")
	}, noLog)
	w.Start(context.Background())
	defer w.Stop(context.Background())

	w.Arm("p1", time.Now(), nil)
	w.Arm("p2", time.Now(), nil)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := calls
		mu.Unlock()
		if n == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	t.Fatalf("handler calls = %d, want 2", calls)
}
