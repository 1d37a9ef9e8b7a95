package telegram

import (
	"context"
	"fmt"
	"time"

	"mailgram/internal/mailparse"
	"mailgram/internal/mailtm"
	"mailgram/internal/ratelimit"
	"mailgram/internal/store"
	"mailgram/pkg/logx"
	"mailgram/pkg/tgui"
)

// Mail is the slice of the upstream client the flows need.
type Mail interface {
	CreateAccount(ctx context.Context) (*mailtm.Account, error)
	Messages(ctx context.Context, token string) ([]mailtm.MessageSummary, error)
	MessageDetail(ctx context.Context, token, id string) (*mailtm.MessageDetail, error)
}

// Sessions is the slice of the store the flows need. ClaimMessage is here
// so a manual refresh marks messages seen with the same primitive the
// background poller uses; neither side ever double-delivers.
type Sessions interface {
	GetSession(ctx context.Context, userID int64) (*store.Session, error)
	SaveSession(ctx context.Context, sess store.Session) error
	DeleteSession(ctx context.Context, userID int64) error
	ClaimMessage(ctx context.Context, messageID string) (bool, error)
	UnclaimMessage(ctx context.Context, messageID string) error
}

// Limiter gates per-user actions.
type Limiter interface {
	Allow(userID int64, action ratelimit.Action) bool
}

// flows holds the chat-facing use cases, separated from telebot wiring so
// they can be exercised without a live bot. Every method returns the
// HTML-safe reply text for the user.
type flows struct {
	mail     Mail
	sessions Sessions
	limiter  Limiter
	parser   *mailparse.Parser
	maxAge   time.Duration
	now      func() time.Time
	log      logx.Logger
}

const (
	msgRateLimited = "Slow down a little. Try again in a few minutes."
	msgNoMailbox   = "You don't have an active mailbox. Tap “New mailbox” to get one."
	msgDeleted     = "Mailbox deleted. Tap “New mailbox” whenever you need another."
)

func (f *flows) activeSession(ctx context.Context, userID int64) (*store.Session, error) {
	sess, err := f.sessions.GetSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.Expired(f.now(), f.maxAge) {
		return nil, nil
	}
	return sess, nil
}

func (f *flows) remaining(sess *store.Session) time.Duration {
	d := f.maxAge - f.now().Sub(sess.CreatedAt)
	if d < 0 {
		d = 0
	}
	return d.Round(time.Minute)
}

// createMailbox provisions a fresh address for the user. An existing live
// mailbox is returned as-is instead of being replaced.
func (f *flows) createMailbox(ctx context.Context, userID int64) (string, error) {
	if !f.limiter.Allow(userID, ratelimit.ActionCreateMail) {
		return msgRateLimited, nil
	}

	if sess, err := f.activeSession(ctx, userID); err != nil {
		return "", err
	} else if sess != nil {
		return mailboxCard("You already have a mailbox", sess.Address, f.remaining(sess)), nil
	}

	acct, err := f.mail.CreateAccount(ctx)
	if err != nil {
		return "", fmt.Errorf("create mailbox: %w", err)
	}
	sess := store.Session{
		UserID:    userID,
		Address:   acct.Address,
		Token:     acct.Token,
		AccountID: acct.ID,
		CreatedAt: f.now().UTC(),
	}
	if err := f.sessions.SaveSession(ctx, sess); err != nil {
		return "", fmt.Errorf("save session: %w", err)
	}

	f.log.Info("mailbox created", logx.Int64("user_id", userID), logx.String("address", acct.Address))
	return mailboxCard("Here is your mailbox", acct.Address, f.maxAge) +
		"\n\nI'll forward incoming mail here automatically.", nil
}

// showMailbox reports the current address and its remaining lifetime.
func (f *flows) showMailbox(ctx context.Context, userID int64) (string, error) {
	if !f.limiter.Allow(userID, ratelimit.ActionGeneral) {
		return msgRateLimited, nil
	}
	sess, err := f.activeSession(ctx, userID)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return msgNoMailbox, nil
	}
	return mailboxCard("Your mailbox", sess.Address, f.remaining(sess)), nil
}

// refresh polls the mailbox on demand and delivers anything new through
// send. Claimed ids are shared with the background poller.
func (f *flows) refresh(ctx context.Context, userID int64, send func(mailparse.Payload) error) (string, error) {
	if !f.limiter.Allow(userID, ratelimit.ActionRefresh) {
		return msgRateLimited, nil
	}
	sess, err := f.activeSession(ctx, userID)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return msgNoMailbox, nil
	}

	msgs, err := f.mail.Messages(ctx, sess.Token)
	if err != nil {
		return "", fmt.Errorf("refresh: %w", err)
	}

	delivered := 0
	for _, msg := range msgs {
		if msg.ID == "" {
			continue
		}
		claimed, err := f.sessions.ClaimMessage(ctx, msg.ID)
		if err != nil || !claimed {
			continue
		}
		detail, err := f.mail.MessageDetail(ctx, sess.Token, msg.ID)
		if err != nil {
			// Release so the poller retries it next cycle.
			_ = f.sessions.UnclaimMessage(ctx, msg.ID)
			continue
		}
		if sendErr := send(f.parser.Parse(msg, detail)); sendErr != nil {
			_ = f.sessions.UnclaimMessage(ctx, msg.ID)
			f.log.Warn("refresh delivery failed",
				logx.Int64("user_id", userID),
				logx.String("message_id", msg.ID),
				logx.Err(sendErr),
			)
			continue
		}
		delivered++
	}

	switch delivered {
	case 0:
		return "No new mail yet.", nil
	case 1:
		return "1 new message.", nil
	default:
		return fmt.Sprintf("%d new messages.", delivered), nil
	}
}

// deleteMailbox drops the session. Upstream accounts expire on their own.
func (f *flows) deleteMailbox(ctx context.Context, userID int64) (string, error) {
	if !f.limiter.Allow(userID, ratelimit.ActionGeneral) {
		return msgRateLimited, nil
	}
	if err := f.sessions.DeleteSession(ctx, userID); err != nil {
		return "", fmt.Errorf("delete session: %w", err)
	}
	f.log.Info("mailbox deleted", logx.Int64("user_id", userID))
	return msgDeleted, nil
}

// newMailbox replaces whatever the user has with a fresh address.
func (f *flows) newMailbox(ctx context.Context, userID int64) (string, error) {
	if !f.limiter.Allow(userID, ratelimit.ActionCreateMail) {
		return msgRateLimited, nil
	}
	if err := f.sessions.DeleteSession(ctx, userID); err != nil {
		return "", fmt.Errorf("delete session: %w", err)
	}

	acct, err := f.mail.CreateAccount(ctx)
	if err != nil {
		return "", fmt.Errorf("create mailbox: %w", err)
	}
	sess := store.Session{
		UserID:    userID,
		Address:   acct.Address,
		Token:     acct.Token,
		AccountID: acct.ID,
		CreatedAt: f.now().UTC(),
	}
	if err := f.sessions.SaveSession(ctx, sess); err != nil {
		return "", fmt.Errorf("save session: %w", err)
	}
	f.log.Info("mailbox replaced", logx.Int64("user_id", userID), logx.String("address", acct.Address))
	return mailboxCard("Here is your new mailbox", acct.Address, f.maxAge), nil
}

func mailboxCard(title, address string, ttl time.Duration) string {
	return string(tgui.JoinH("\n",
		tgui.B(title),
		tgui.Code(address),
		tgui.Esc("Expires in "+formatTTL(ttl)+"."),
	))
}

func formatTTL(d time.Duration) string {
	if d <= 0 {
		return "0m"
	}
	d = d.Round(time.Minute)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	switch {
	case h > 0 && m > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case h > 0:
		return fmt.Sprintf("%dh", h)
	default:
		return fmt.Sprintf("%dm", m)
	}
}
