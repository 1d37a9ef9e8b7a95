package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"mailgram/internal/mailparse"
	"mailgram/internal/mailtm"
	"mailgram/internal/ratelimit"
	"mailgram/internal/store"
	"mailgram/pkg/logx"
)

type fakeMail struct {
	created  int
	accounts []*mailtm.Account
	msgs     []mailtm.MessageSummary
	details  map[string]*mailtm.MessageDetail
	listErr  error
}

func (f *fakeMail) CreateAccount(context.Context) (*mailtm.Account, error) {
	if f.created >= len(f.accounts) {
		return nil, errors.New("no more accounts")
	}
	a := f.accounts[f.created]
	f.created++
	return a, nil
}

func (f *fakeMail) Messages(context.Context, string) ([]mailtm.MessageSummary, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.msgs, nil
}

func (f *fakeMail) MessageDetail(_ context.Context, _ string, id string) (*mailtm.MessageDetail, error) {
	return f.details[id], nil
}

type fakeSessions struct {
	sessions map[int64]store.Session
	claimed  map[string]bool
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: map[int64]store.Session{}, claimed: map[string]bool{}}
}

func (f *fakeSessions) GetSession(_ context.Context, userID int64) (*store.Session, error) {
	s, ok := f.sessions[userID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (f *fakeSessions) SaveSession(_ context.Context, s store.Session) error {
	f.sessions[s.UserID] = s
	return nil
}

func (f *fakeSessions) DeleteSession(_ context.Context, userID int64) error {
	delete(f.sessions, userID)
	return nil
}

func (f *fakeSessions) ClaimMessage(_ context.Context, id string) (bool, error) {
	if f.claimed[id] {
		return false, nil
	}
	f.claimed[id] = true
	return true, nil
}

func (f *fakeSessions) UnclaimMessage(_ context.Context, id string) error {
	delete(f.claimed, id)
	return nil
}

type fixedLimiter bool

func (a fixedLimiter) Allow(int64, ratelimit.Action) bool { return bool(a) }

func newTestFlows(mail *fakeMail, sessions *fakeSessions, allow bool) *flows {
	return &flows{
		mail:     mail,
		sessions: sessions,
		limiter:  fixedLimiter(allow),
		parser:   mailparse.New(mailparse.Config{}),
		maxAge:   time.Hour,
		now:      time.Now,
		log:      logx.Nop(),
	}
}

func TestCreateMailbox(t *testing.T) {
	t.Parallel()
	mail := &fakeMail{accounts: []*mailtm.Account{
		{ID: "a1", Address: "fox@mail.example", Token: "tok"},
	}}
	sessions := newFakeSessions()
	fl := newTestFlows(mail, sessions, true)

	reply, err := fl.createMailbox(context.Background(), 7)
	if err != nil {
		t.Fatalf("createMailbox: %v", err)
	}
	if !strings.Contains(reply, "fox@mail.example") {
		t.Fatalf("reply %q does not show the address", reply)
	}
	if _, ok := sessions.sessions[7]; !ok {
		t.Fatal("session was not saved")
	}

	// A second create while the mailbox lives reuses it.
	reply, err = fl.createMailbox(context.Background(), 7)
	if err != nil {
		t.Fatalf("second createMailbox: %v", err)
	}
	if mail.created != 1 {
		t.Fatalf("created %d accounts, want 1", mail.created)
	}
	if !strings.Contains(reply, "fox@mail.example") {
		t.Fatalf("reply %q does not show the existing address", reply)
	}
}

func TestCreateMailboxRateLimited(t *testing.T) {
	t.Parallel()
	mail := &fakeMail{accounts: []*mailtm.Account{{Address: "x@y.z"}}}
	fl := newTestFlows(mail, newFakeSessions(), false)

	reply, err := fl.createMailbox(context.Background(), 7)
	if err != nil {
		t.Fatalf("createMailbox: %v", err)
	}
	if reply != msgRateLimited {
		t.Fatalf("reply = %q, want rate-limit notice", reply)
	}
	if mail.created != 0 {
		t.Fatal("account was created despite the limit")
	}
}

func TestShowMailboxExpired(t *testing.T) {
	t.Parallel()
	sessions := newFakeSessions()
	sessions.sessions[7] = store.Session{
		UserID:    7,
		Address:   "old@mail.example",
		CreatedAt: time.Now().Add(-2 * time.Hour),
	}
	fl := newTestFlows(&fakeMail{}, sessions, true)

	reply, err := fl.showMailbox(context.Background(), 7)
	if err != nil {
		t.Fatalf("showMailbox: %v", err)
	}
	if reply != msgNoMailbox {
		t.Fatalf("reply = %q, want the no-mailbox prompt", reply)
	}
}

func TestRefreshDeliversOnce(t *testing.T) {
	t.Parallel()
	mail := &fakeMail{
		msgs: []mailtm.MessageSummary{
			{ID: "m1", Subject: "one"},
			{ID: "m2", Subject: "two"},
		},
		details: map[string]*mailtm.MessageDetail{
			"m1": {Text: "hello"},
			"m2": {Text: "world"},
		},
	}
	sessions := newFakeSessions()
	sessions.sessions[7] = store.Session{UserID: 7, Token: "tok", CreatedAt: time.Now()}
	fl := newTestFlows(mail, sessions, true)

	var sent []mailparse.Payload
	send := func(p mailparse.Payload) error {
		sent = append(sent, p)
		return nil
	}

	reply, err := fl.refresh(context.Background(), 7, send)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(sent) != 2 {
		t.Fatalf("delivered %d payloads, want 2", len(sent))
	}
	if !strings.Contains(reply, "2 new") {
		t.Fatalf("reply = %q", reply)
	}

	// Everything claimed now: nothing more to deliver.
	reply, err = fl.refresh(context.Background(), 7, send)
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if len(sent) != 2 {
		t.Fatalf("second refresh re-delivered: %d payloads", len(sent))
	}
	if reply != "No new mail yet." {
		t.Fatalf("reply = %q", reply)
	}
}

func TestRefreshSendFailureReleasesClaim(t *testing.T) {
	t.Parallel()
	mail := &fakeMail{
		msgs:    []mailtm.MessageSummary{{ID: "m1", Subject: "one"}},
		details: map[string]*mailtm.MessageDetail{"m1": {Text: "hello"}},
	}
	sessions := newFakeSessions()
	sessions.sessions[7] = store.Session{UserID: 7, Token: "tok", CreatedAt: time.Now()}
	fl := newTestFlows(mail, sessions, true)

	reply, err := fl.refresh(context.Background(), 7, func(mailparse.Payload) error {
		return errors.New("send failed")
	})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if reply != "No new mail yet." {
		t.Fatalf("reply = %q", reply)
	}
	// The claim is released so the background poller retries delivery.
	if sessions.claimed["m1"] {
		t.Fatal("failed send left the message claimed")
	}
}

func TestDeleteAndNewMailbox(t *testing.T) {
	t.Parallel()
	mail := &fakeMail{accounts: []*mailtm.Account{
		{ID: "a1", Address: "first@mail.example", Token: "t1"},
		{ID: "a2", Address: "second@mail.example", Token: "t2"},
	}}
	sessions := newFakeSessions()
	fl := newTestFlows(mail, sessions, true)
	ctx := context.Background()

	if _, err := fl.createMailbox(ctx, 7); err != nil {
		t.Fatalf("createMailbox: %v", err)
	}
	reply, err := fl.deleteMailbox(ctx, 7)
	if err != nil {
		t.Fatalf("deleteMailbox: %v", err)
	}
	if reply != msgDeleted {
		t.Fatalf("reply = %q", reply)
	}
	if _, ok := sessions.sessions[7]; ok {
		t.Fatal("session survived deletion")
	}

	reply, err = fl.newMailbox(ctx, 7)
	if err != nil {
		t.Fatalf("newMailbox: %v", err)
	}
	if !strings.Contains(reply, "second@mail.example") {
		t.Fatalf("reply = %q, want the replacement address", reply)
	}
	if sessions.sessions[7].Address != "second@mail.example" {
		t.Fatalf("stored address = %q", sessions.sessions[7].Address)
	}
}

func TestFormatTTL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		d    time.Duration
		want string
	}{
		{d: 0, want: "0m"},
		{d: -time.Minute, want: "0m"},
		{d: 5 * time.Minute, want: "5m"},
		{d: time.Hour, want: "1h"},
		{d: 90 * time.Minute, want: "1h 30m"},
	}
	for _, tt := range tests {
		if got := formatTTL(tt.d); got != tt.want {
			t.Errorf("formatTTL(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
