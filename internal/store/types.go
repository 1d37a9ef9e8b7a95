package store

import "time"

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default (5s)
}

// Session is the single active disposable-mailbox binding for one user.
// Exactly one per user; creating a new one replaces the prior one in place.
type Session struct {
	UserID    int64
	Address   string
	Token     string
	AccountID string
	CreatedAt time.Time
}

// Age reports how long ago the session was created.
func (s Session) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// Expired reports whether the session has outlived maxAge.
func (s Session) Expired(now time.Time, maxAge time.Duration) bool {
	return s.Age(now) > maxAge
}
