package mailtm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"mailgram/pkg/logx"
)

func fastConfig(baseURL string) Config {
	return Config{
		BaseURL:  baseURL,
		Timeout:  5 * time.Second,
		Attempts: 3,
		Backoff:  []time.Duration{time.Millisecond, 2 * time.Millisecond},
	}
}

func TestRetryOnServerError(t *testing.T) {
	t.Parallel()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(domainsResponse{Members: []domainEntry{
			{Domain: "mail.example", IsActive: true},
			{Domain: "dormant.example", IsActive: false},
		}})
	}))
	defer srv.Close()

	c := New(fastConfig(srv.URL), logx.Nop())
	domains, err := c.Domains(context.Background())
	if err != nil {
		t.Fatalf("Domains: %v", err)
	}
	if len(domains) != 1 || domains[0] != "mail.example" {
		t.Fatalf("domains = %v, want only the active one", domains)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("server hit %d times, want 3", got)
	}
}

func TestRetriesExhausted(t *testing.T) {
	t.Parallel()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(fastConfig(srv.URL), logx.Nop())
	_, err := c.Domains(context.Background())

	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TransientError", err)
	}
	if te.Status != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", te.Status)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("server hit %d times, want all 3 attempts", got)
	}
}

func TestPermanentErrorNoRetry(t *testing.T) {
	t.Parallel()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(fastConfig(srv.URL), logx.Nop())
	_, err := c.Messages(context.Background(), "stale-token")

	var pe *PermanentError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *PermanentError", err)
	}
	if pe.Status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", pe.Status)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("server hit %d times, want exactly 1", got)
	}
}

func TestMessageDetailNotFound(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(fastConfig(srv.URL), logx.Nop())
	detail, err := c.MessageDetail(context.Background(), "tok", "gone")
	if err != nil {
		t.Fatalf("MessageDetail: %v", err)
	}
	if detail != nil {
		t.Fatalf("detail = %+v, want nil for a vanished message", detail)
	}
}

func TestMessagesAuthAndDecode(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
			t.Errorf("Authorization = %q", got)
		}
		_ = json.NewEncoder(w).Encode(messagesResponse{Members: []MessageSummary{
			{ID: "m1", Subject: "hello", From: FromField{Address: "a@b.c"}},
		}})
	}))
	defer srv.Close()

	c := New(fastConfig(srv.URL), logx.Nop())
	msgs, err := c.Messages(context.Background(), "tok-123")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" || msgs[0].From.Address != "a@b.c" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestCreateAccountConflictRegenerates(t *testing.T) {
	t.Parallel()
	var accountPosts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/domains":
			_ = json.NewEncoder(w).Encode(domainsResponse{Members: []domainEntry{
				{Domain: "mail.example", IsActive: true},
			}})
		case r.URL.Path == "/accounts":
			if atomic.AddInt32(&accountPosts, 1) == 1 {
				w.WriteHeader(http.StatusUnprocessableEntity)
				return
			}
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			_ = json.NewEncoder(w).Encode(accountResponse{ID: "acc-1", Address: body["address"]})
		case r.URL.Path == "/token":
			_ = json.NewEncoder(w).Encode(tokenResponse{Token: "tok-xyz"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(fastConfig(srv.URL), logx.Nop())
	acct, err := c.CreateAccount(context.Background())
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if acct.ID != "acc-1" || acct.Token != "tok-xyz" {
		t.Fatalf("account = %+v", acct)
	}
	if !strings.HasSuffix(acct.Address, "@mail.example") {
		t.Fatalf("address = %q, want @mail.example suffix", acct.Address)
	}
	if got := atomic.LoadInt32(&accountPosts); got != 2 {
		t.Fatalf("account posts = %d, want conflict then success", got)
	}
}

func TestCreateAccountConflictBounded(t *testing.T) {
	t.Parallel()
	var accountPosts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/domains":
			_ = json.NewEncoder(w).Encode(domainsResponse{Members: []domainEntry{
				{Domain: "mail.example", IsActive: true},
			}})
		case "/accounts":
			atomic.AddInt32(&accountPosts, 1)
			w.WriteHeader(http.StatusUnprocessableEntity)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cfg := fastConfig(srv.URL)
	cfg.ConflictRetries = 3
	c := New(cfg, logx.Nop())

	_, err := c.CreateAccount(context.Background())
	var pe *PermanentError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *PermanentError after exhausted conflicts", err)
	}
	if got := atomic.LoadInt32(&accountPosts); got != 3 {
		t.Fatalf("account posts = %d, want exactly ConflictRetries", got)
	}
}

func TestCreateAccountNoDomains(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(domainsResponse{Members: []domainEntry{
			{Domain: "off.example", IsActive: false},
		}})
	}))
	defer srv.Close()

	c := New(fastConfig(srv.URL), logx.Nop())
	if _, err := c.CreateAccount(context.Background()); !errors.Is(err, ErrNoDomains) {
		t.Fatalf("err = %v, want ErrNoDomains", err)
	}
}

func TestContextCancelStopsRetries(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := fastConfig(srv.URL)
	cfg.Backoff = []time.Duration{time.Hour}
	c := New(cfg, logx.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Domains(ctx)
	if err == nil {
		t.Fatal("expected an error")
	}
	if took := time.Since(start); took > 5*time.Second {
		t.Fatalf("cancelled call took %v, retry sleep ignored the context", took)
	}
}
