// Package ratelimit throttles user-initiated actions with a per-user,
// per-action sliding window. It is never consulted by the background
// poller.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

type Action string

const (
	ActionCreateMail Action = "create_mail"
	ActionRefresh    Action = "refresh"
	ActionGeneral    Action = "general"
)

// Limit is one (max, window) pair.
type Limit struct {
	Max    int
	Window time.Duration
}

type Config struct {
	Limits map[Action]Limit
}

func (c Config) withDefaults() Config {
	out := Config{Limits: make(map[Action]Limit, 3)}
	for a, l := range c.Limits {
		out.Limits[a] = l
	}
	def := func(a Action, l Limit) {
		if v, ok := out.Limits[a]; !ok || v.Max <= 0 || v.Window <= 0 {
			out.Limits[a] = l
		}
	}
	def(ActionCreateMail, Limit{Max: 3, Window: time.Hour})
	def(ActionRefresh, Limit{Max: 10, Window: time.Minute})
	def(ActionGeneral, Limit{Max: 20, Window: time.Minute})
	return out
}

const sweepInterval = 5 * time.Minute

// Limiter owns its bucket map and clock; instantiate once and pass it to
// call sites. All state is in-memory and lost on restart.
type Limiter struct {
	mu        sync.Mutex
	cfg       Config
	buckets   map[string][]time.Time
	lastSweep time.Time

	now func() time.Time
}

func New(cfg Config) *Limiter {
	return newWithClock(cfg, time.Now)
}

func newWithClock(cfg Config, now func() time.Time) *Limiter {
	return &Limiter{
		cfg:       cfg.withDefaults(),
		buckets:   map[string][]time.Time{},
		now:       now,
		lastSweep: now(),
	}
}

func (l *Limiter) Apply(cfg Config) {
	l.mu.Lock()
	l.cfg = cfg.withDefaults()
	l.mu.Unlock()
}

// Allow records and permits the action if the user is under its limit.
// A denied call records nothing, so denials never extend the throttle.
func (l *Limiter) Allow(userID int64, action Action) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.cfg.Limits[action]
	if !ok {
		lim = l.cfg.Limits[ActionGeneral]
	}

	now := l.now()
	l.sweepLocked(now)

	key := fmt.Sprintf("%d:%s", userID, action)
	cutoff := now.Add(-lim.Window)

	kept := l.buckets[key][:0]
	for _, ts := range l.buckets[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= lim.Max {
		l.buckets[key] = kept
		return false
	}
	l.buckets[key] = append(kept, now)
	return true
}

// sweepLocked drops buckets whose entries have all aged out. Runs lazily
// from Allow so no timer goroutine is needed.
func (l *Limiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < sweepInterval {
		return
	}
	l.lastSweep = now

	// A bucket is stale once its newest entry is older than the longest
	// configured window.
	maxWindow := time.Duration(0)
	for _, lim := range l.cfg.Limits {
		if lim.Window > maxWindow {
			maxWindow = lim.Window
		}
	}
	cutoff := now.Add(-maxWindow)
	for key, ts := range l.buckets {
		if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
			delete(l.buckets, key)
		}
	}
}
