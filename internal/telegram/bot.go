// Package telegram is the chat-facing surface: it runs the long-poll loop,
// serves the mailbox commands and callbacks, and renders parsed mail into
// Telegram messages. The Bot is also the Deliverer the dispatch consumer
// sends queued notifications through.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"mailgram/internal/mailparse"
	"mailgram/pkg/logx"
	"mailgram/pkg/tgui"
)

type Config struct {
	Token         string
	PollTimeout   time.Duration
	SessionMaxAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.SessionMaxAge <= 0 {
		c.SessionMaxAge = time.Hour
	}
	return c
}

type Bot struct {
	cfg Config
	bot *tele.Bot
	fl  *flows
	log logx.Logger

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

func New(cfg Config, mail Mail, sessions Sessions, limiter Limiter, parser *mailparse.Parser, log logx.Logger) (*Bot, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	return &Bot{
		cfg: cfg,
		bot: b,
		log: log,
		fl: &flows{
			mail:     mail,
			sessions: sessions,
			limiter:  limiter,
			parser:   parser,
			maxAge:   cfg.SessionMaxAge,
			now:      time.Now,
			log:      log,
		},
	}, nil
}

func (b *Bot) Start(ctx context.Context) error {
	b.runMu.Lock()
	if b.running {
		b.runMu.Unlock()
		return nil
	}
	b.running = true
	rctx, cancel := context.WithCancel(ctx)
	b.runCancel = cancel
	b.runMu.Unlock()

	b.registerHandlers()

	b.runWG.Add(1)
	go func() {
		defer b.runWG.Done()
		go func() {
			<-rctx.Done()
			b.bot.Stop()
		}()
		b.log.Info("polling started")
		b.bot.Start() // blocks until Stop() called
	}()
	return nil
}

func (b *Bot) Stop(ctx context.Context) error {
	b.runMu.Lock()
	cancel := b.runCancel
	b.runCancel = nil
	wasRunning := b.running
	b.running = false
	b.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	go b.bot.Stop()

	done := make(chan struct{})
	go func() {
		b.runWG.Wait()
		close(done)
	}()

	// Grace window: keep shutdown snappy even if getUpdates long-poll is
	// still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		b.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		b.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}

func (b *Bot) registerHandlers() {
	b.bot.Handle("/start", func(c tele.Context) error {
		return c.Send(welcomeText, menuKeyboard())
	})
	b.bot.Handle("/help", func(c tele.Context) error {
		return c.Send(helpText, menuKeyboard())
	})

	b.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		if cb == nil || cb.Sender == nil {
			return nil
		}
		_ = c.Respond(&tele.CallbackResponse{})

		userID := cb.Sender.ID
		data := strings.TrimPrefix(strings.TrimSpace(cb.Data), "\f")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var (
			reply string
			err   error
		)
		switch data {
		case cbCreate:
			reply, err = b.fl.createMailbox(ctx, userID)
		case cbShow:
			reply, err = b.fl.showMailbox(ctx, userID)
		case cbRefresh:
			reply, err = b.fl.refresh(ctx, userID, func(p mailparse.Payload) error {
				return b.Deliver(ctx, userID, p)
			})
		case cbNew:
			reply, err = b.fl.newMailbox(ctx, userID)
		case cbDelete:
			reply, err = b.fl.deleteMailbox(ctx, userID)
		default:
			b.log.Debug("unknown callback", logx.String("data", data))
			return nil
		}
		if err != nil {
			b.log.Warn("callback flow failed",
				logx.Int64("user_id", userID),
				logx.String("data", data),
				logx.Err(err),
			)
			return c.Send("Something went wrong upstream. Try again in a minute.")
		}
		return c.Send(reply, &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: true,
			ReplyMarkup:           cardKeyboard(data),
		})
	})
}

// cardKeyboard picks the follow-up actions for a flow reply. Mailbox cards
// get quick refresh/replace buttons; deletion offers a fresh start.
func cardKeyboard(data string) *tele.ReplyMarkup {
	switch data {
	case cbCreate, cbShow, cbNew:
		return tgui.NewInline().
			Row(tgui.Btn("🔄 Refresh", cbRefresh), tgui.Btn("🆕 New address", cbNew)).
			Markup()
	case cbDelete:
		return tgui.NewInline().Row(tgui.Btn("📬 New mailbox", cbCreate)).Markup()
	default:
		return menuKeyboard()
	}
}

// Deliver sends the rich rendering: HTML text plus one URL button per link.
func (b *Bot) Deliver(ctx context.Context, userID int64, p mailparse.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opts := &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
	}
	if kb := linkKeyboard(p); kb != nil {
		opts.ReplyMarkup = kb
	}
	_, err := b.bot.Send(tele.ChatID(userID), renderRich(p), opts)
	return err
}

// DeliverPlain is the degraded path: no parse mode, links in the body.
func (b *Bot) DeliverPlain(ctx context.Context, userID int64, p mailparse.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.bot.Send(tele.ChatID(userID), renderPlain(p), &tele.SendOptions{
		DisableWebPagePreview: true,
	})
	return err
}
