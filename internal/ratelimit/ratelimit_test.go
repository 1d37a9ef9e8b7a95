package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time               { return c.t }
func (c *fakeClock) advance(d time.Duration)      { c.t = c.t.Add(d) }
func newFakeClock() *fakeClock                    { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }
func newTestLimiter(clk *fakeClock, cfg Config) *Limiter {
	return newWithClock(cfg, clk.now)
}

func TestWindowLimitAndRecovery(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	l := newTestLimiter(clk, Config{Limits: map[Action]Limit{
		ActionRefresh: {Max: 3, Window: time.Minute},
	}})

	for i := 0; i < 3; i++ {
		if !l.Allow(1, ActionRefresh) {
			t.Fatalf("call %d unexpectedly throttled", i+1)
		}
		clk.advance(time.Second)
	}
	if l.Allow(1, ActionRefresh) {
		t.Fatal("4th call within window should be throttled")
	}

	// After the window elapses from the first call, one slot frees up.
	clk.advance(time.Minute)
	if !l.Allow(1, ActionRefresh) {
		t.Fatal("call after window elapsed should be allowed")
	}
}

func TestDenialDoesNotRecord(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	l := newTestLimiter(clk, Config{Limits: map[Action]Limit{
		ActionRefresh: {Max: 1, Window: time.Minute},
	}})

	if !l.Allow(1, ActionRefresh) {
		t.Fatal("first call throttled")
	}
	// Hammering while throttled must not push the recovery point out.
	for i := 0; i < 10; i++ {
		clk.advance(5 * time.Second)
		if l.Allow(1, ActionRefresh) && clk.t.Sub(time.Unix(1_700_000_000, 0)) < time.Minute {
			t.Fatal("allowed while still inside the window")
		}
	}
}

func TestActionsAndUsersIndependent(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	l := newTestLimiter(clk, Config{Limits: map[Action]Limit{
		ActionCreateMail: {Max: 1, Window: time.Hour},
		ActionRefresh:    {Max: 1, Window: time.Minute},
	}})

	if !l.Allow(1, ActionCreateMail) {
		t.Fatal("user 1 create throttled")
	}
	if !l.Allow(1, ActionRefresh) {
		t.Fatal("refresh should not share the create bucket")
	}
	if !l.Allow(2, ActionCreateMail) {
		t.Fatal("user 2 should not share user 1's bucket")
	}
	if l.Allow(1, ActionCreateMail) {
		t.Fatal("second create for user 1 should be throttled")
	}
}

func TestUnknownActionFallsBackToGeneral(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	l := newTestLimiter(clk, Config{Limits: map[Action]Limit{
		ActionGeneral: {Max: 1, Window: time.Minute},
	}})

	if !l.Allow(1, Action("mystery")) {
		t.Fatal("first call throttled")
	}
	if l.Allow(1, Action("mystery")) {
		t.Fatal("unknown action should use the general limit")
	}
}

func TestSweepDropsStaleBuckets(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	l := newTestLimiter(clk, Config{Limits: map[Action]Limit{
		ActionRefresh: {Max: 2, Window: time.Minute},
	}})

	for i := int64(0); i < 50; i++ {
		l.Allow(i, ActionRefresh)
	}
	if len(l.buckets) != 50 {
		t.Fatalf("expected 50 buckets, got %d", len(l.buckets))
	}

	// Everything ages out; the next Allow past the sweep interval collects.
	clk.advance(2 * time.Hour)
	l.Allow(999, ActionRefresh)

	l.mu.Lock()
	n := len(l.buckets)
	l.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected 1 bucket after sweep, got %d", n)
	}
}
