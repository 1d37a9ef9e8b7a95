package mailtm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"mailgram/pkg/logx"
)

// Config controls the upstream client.
//
// Backoff is the delay schedule between retry attempts; when there are more
// attempts than delays, the last delay repeats.
type Config struct {
	BaseURL         string
	Timeout         time.Duration
	Attempts        int
	Backoff         []time.Duration
	ConflictRetries int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = "https://api.mail.tm"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if len(c.Backoff) == 0 {
		c.Backoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	}
	if c.ConflictRetries <= 0 {
		c.ConflictRetries = 5
	}
	return c
}

// Client talks to the mail.tm HTTP API.
//
// All calls use a fixed per-call timeout and retry timeouts and 5xx responses
// per the backoff schedule. Other 4xx responses fail immediately.
type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg: cfg,
		// Per-request timeout; retries build a fresh request each attempt.
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
}

// errNotFound is internal; MessageDetail translates it into (nil, nil).
var errNotFound = errors.New("mailtm: not found")

// Domains returns the currently active mailbox domains.
func (c *Client) Domains(ctx context.Context) ([]string, error) {
	var out domainsResponse
	if err := c.doJSON(ctx, "domains", http.MethodGet, c.cfg.BaseURL+"/domains", "", nil, &out); err != nil {
		return nil, err
	}
	domains := make([]string, 0, len(out.Members))
	for _, d := range out.Members {
		if d.IsActive && d.Domain != "" {
			domains = append(domains, d.Domain)
		}
	}
	return domains, nil
}

// CreateAccount provisions a fresh mailbox: random local part on a random
// active domain, then an auth token for it. Address collisions regenerate
// the local part, bounded by ConflictRetries.
func (c *Client) CreateAccount(ctx context.Context) (*Account, error) {
	domains, err := c.Domains(ctx)
	if err != nil {
		return nil, err
	}
	if len(domains) == 0 {
		return nil, ErrNoDomains
	}
	domain := domains[rand.Intn(len(domains))]
	password := uuid.NewString()

	var acct accountResponse
	address := ""
	for attempt := 0; ; attempt++ {
		address = randLocalPart(10) + "@" + domain
		body := map[string]string{"address": address, "password": password}
		err = c.doJSON(ctx, "create account", http.MethodPost, c.cfg.BaseURL+"/accounts", "", body, &acct)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrAddressTaken) {
			return nil, err
		}
		if attempt+1 >= c.cfg.ConflictRetries {
			c.log.Warn("address conflicts exhausted", logx.Int("attempts", attempt+1), logx.String("domain", domain))
			return nil, &PermanentError{Op: "create account", Status: http.StatusUnprocessableEntity}
		}
		c.log.Debug("address taken; regenerating", logx.String("address", address))
	}

	var tok tokenResponse
	body := map[string]string{"address": address, "password": password}
	if err := c.doJSON(ctx, "issue token", http.MethodPost, c.cfg.BaseURL+"/token", "", body, &tok); err != nil {
		return nil, err
	}

	return &Account{ID: acct.ID, Address: address, Password: password, Token: tok.Token}, nil
}

// Messages lists the mailbox for the given auth token.
func (c *Client) Messages(ctx context.Context, token string) ([]MessageSummary, error) {
	var out messagesResponse
	if err := c.doJSON(ctx, "list messages", http.MethodGet, c.cfg.BaseURL+"/messages", token, nil, &out); err != nil {
		return nil, err
	}
	return out.Members, nil
}

// MessageDetail fetches one message's bodies. A message that no longer
// exists upstream returns (nil, nil), not an error.
func (c *Client) MessageDetail(ctx context.Context, token, id string) (*MessageDetail, error) {
	var out MessageDetail
	err := c.doJSON(ctx, "message detail", http.MethodGet, c.cfg.BaseURL+"/messages/"+id, token, nil, &out)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// doJSON performs one logical call with the retry schedule applied.
func (c *Client) doJSON(ctx context.Context, op, method, url, token string, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("mailtm: %s: encode body: %w", op, err)
		}
		payload = b
	}

	var lastErr error
	lastStatus := 0
	for attempt := 0; attempt < c.cfg.Attempts; attempt++ {
		if attempt > 0 {
			delay := c.cfg.Backoff[min(attempt-1, len(c.cfg.Backoff)-1)]
			c.log.Warn("upstream call failed; retrying",
				logx.String("op", op),
				logx.Int("attempt", attempt),
				logx.Duration("delay", delay),
				logx.Int("status", lastStatus),
				logx.Err(lastErr),
			)
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !tmr.Stop() {
					<-tmr.C
				}
				return ctx.Err()
			case <-tmr.C:
			}
		}

		status, retryable, err := c.attempt(ctx, op, method, url, token, payload, out)
		if err == nil {
			return nil
		}
		if !retryable {
			return err
		}
		lastErr = err
		lastStatus = status
	}

	return &TransientError{Op: op, Status: lastStatus, Err: lastErr}
}

// attempt runs a single HTTP round trip. The returned bool reports whether
// the failure class is retryable (timeout / 5xx).
func (c *Client) attempt(ctx context.Context, op, method, url, token string, payload []byte, out any) (status int, retryable bool, err error) {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return 0, false, fmt.Errorf("mailtm: %s: %w", op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts and transport errors are retryable; a cancelled parent
		// context is not.
		if ctx.Err() != nil {
			return 0, false, ctx.Err()
		}
		return 0, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, true, fmt.Errorf("mailtm: %s: server error %d", op, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, false, errNotFound
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return resp.StatusCode, false, ErrAddressTaken
	case resp.StatusCode >= 400:
		return resp.StatusCode, false, &PermanentError{Op: op, Status: resp.StatusCode}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, false, fmt.Errorf("mailtm: %s: decode response: %w", op, err)
		}
	}
	return resp.StatusCode, false, nil
}

const localPartAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randLocalPart(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = localPartAlphabet[rand.Intn(len(localPartAlphabet))]
	}
	return string(b)
}
