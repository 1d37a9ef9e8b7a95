// Package poller drives the background polling cycles: it lists active
// sessions, fans message fetching out to a bounded worker pool, claims
// each new message exactly once, and forwards parsed notifications to
// the dispatch queue. Its cadence adapts to the active-session count so
// upstream call volume stays bounded as the user base grows.
package poller

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"mailgram/internal/dispatch"
	"mailgram/internal/mailparse"
	"mailgram/internal/mailtm"
	"mailgram/internal/store"
	"mailgram/pkg/logx"
)

// Provider is the slice of the upstream client the poller needs.
type Provider interface {
	Messages(ctx context.Context, token string) ([]mailtm.MessageSummary, error)
	MessageDetail(ctx context.Context, token, id string) (*mailtm.MessageDetail, error)
}

// Ledger is the slice of the store the poller needs: session listing,
// the claim primitive, and the periodic purges.
type Ledger interface {
	ListSessions(ctx context.Context) ([]store.Session, error)
	PurgeSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeSeenBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ClaimMessage(ctx context.Context, messageID string) (bool, error)
	UnclaimMessage(ctx context.Context, messageID string) error
}

// Queue accepts parsed notifications for asynchronous delivery.
type Queue interface {
	Enqueue(it dispatch.Item) error
}

type Config struct {
	BaseInterval  time.Duration
	LowWatermark  int
	HighWatermark int
	MidFloor      time.Duration
	MaxInterval   time.Duration
	MaxWorkers    int
	CleanupEvery  int
	SessionMaxAge time.Duration
	SeenRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseInterval <= 0 {
		c.BaseInterval = 45 * time.Second
	}
	if c.LowWatermark <= 0 {
		c.LowWatermark = 100
	}
	if c.HighWatermark <= 0 {
		c.HighWatermark = 300
	}
	if c.MidFloor <= 0 {
		c.MidFloor = 45 * time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 60 * time.Second
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 8
	}
	if c.CleanupEvery <= 0 {
		c.CleanupEvery = 10
	}
	if c.SessionMaxAge <= 0 {
		c.SessionMaxAge = time.Hour
	}
	if c.SeenRetention <= 0 {
		c.SeenRetention = 24 * time.Hour
	}
	return c
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	provider Provider
	ledger   Ledger
	parser   *mailparse.Parser
	queue    Queue
	log      logx.Logger

	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

func New(cfg Config, provider Provider, ledger Ledger, parser *mailparse.Parser, queue Queue, log logx.Logger) *Service {
	return &Service{
		cfg:      cfg.withDefaults(),
		provider: provider,
		ledger:   ledger,
		parser:   parser,
		queue:    queue,
		log:      log,
	}
}

// Apply updates the polling cadence and cleanup tunables. Takes effect
// from the next cycle.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) snapshot() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.runCancel != nil {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	s.mu.Unlock()

	s.runWG.Add(1)
	go func() {
		defer s.runWG.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in poll loop", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		s.run(runCtx)
	}()

	cfg := s.snapshot()
	s.log.Info("poller started",
		logx.Duration("base_interval", cfg.BaseInterval),
		logx.Int("max_workers", cfg.MaxWorkers),
	)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("poller stopped")
	case <-ctx.Done():
		// stop continues in background
	}
}

func (s *Service) run(ctx context.Context) {
	for cycle := uint64(1); ; cycle++ {
		interval := s.runCycle(ctx, cycle)

		tmr := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return
		case <-tmr.C:
		}
	}
}

// runCycle performs one full pass over active sessions and returns the
// sleep interval before the next one. Failures inside a cycle never
// propagate; the worst case is an idle cycle.
func (s *Service) runCycle(ctx context.Context, cycle uint64) time.Duration {
	cfg := s.snapshot()
	now := time.Now()

	sessions, err := s.ledger.ListSessions(ctx)
	if err != nil {
		s.log.Warn("listing sessions failed", logx.Err(err))
		return cfg.BaseInterval
	}

	active := sessions[:0:0]
	for _, sess := range sessions {
		if !sess.Expired(now, cfg.SessionMaxAge) {
			active = append(active, sess)
		}
	}

	if cycle%uint64(cfg.CleanupEvery) == 0 {
		s.cleanup(ctx, cfg, now)
	}

	if len(active) == 0 {
		return cfg.BaseInterval
	}

	s.log.Info("polling sessions",
		logx.Uint64("cycle", cycle),
		logx.Int("active", len(active)),
		logx.Int("expired", len(sessions)-len(active)),
	)

	workers := cfg.MaxWorkers
	if len(active) < workers {
		workers = len(active)
	}

	jobs := make(chan store.Session)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in poll worker", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			for sess := range jobs {
				s.pollSession(ctx, sess)
			}
		}()
	}
	for _, sess := range active {
		select {
		case jobs <- sess:
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return cfg.BaseInterval
		}
	}
	close(jobs)
	wg.Wait()

	return adaptiveInterval(cfg, len(active))
}

// pollSession fetches one session's mailbox and pushes every newly claimed
// message through detail -> parse -> enqueue. Errors are isolated to this
// session and, where they strike after a claim, release it for a retry in
// a later cycle.
func (s *Service) pollSession(ctx context.Context, sess store.Session) {
	msgs, err := s.provider.Messages(ctx, sess.Token)
	if err != nil {
		s.log.Warn("listing messages failed",
			logx.Int64("user_id", sess.UserID), logx.Err(err))
		return
	}

	for _, msg := range msgs {
		if msg.ID == "" {
			continue
		}
		claimed, err := s.ledger.ClaimMessage(ctx, msg.ID)
		if err != nil {
			s.log.Warn("claim failed", logx.String("message_id", msg.ID), logx.Err(err))
			continue
		}
		if !claimed {
			continue
		}

		detail, err := s.provider.MessageDetail(ctx, sess.Token, msg.ID)
		if err != nil {
			s.unclaim(ctx, msg.ID)
			s.log.Warn("fetching message detail failed",
				logx.Int64("user_id", sess.UserID),
				logx.String("message_id", msg.ID),
				logx.Err(err),
			)
			continue
		}
		if detail == nil {
			// Gone upstream; the summary still carries enough to notify.
			// The claim stays so we don't look the id up every cycle.
			s.log.Debug("message vanished upstream", logx.String("message_id", msg.ID))
		}

		payload := s.parser.Parse(msg, detail)
		if err := s.queue.Enqueue(dispatch.Item{UserID: sess.UserID, Payload: payload}); err != nil {
			s.unclaim(ctx, msg.ID)
			s.log.Warn("enqueue failed; message released for retry",
				logx.Int64("user_id", sess.UserID),
				logx.String("message_id", msg.ID),
				logx.Err(err),
			)
			continue
		}
		s.log.Debug("notification queued",
			logx.Int64("user_id", sess.UserID),
			logx.String("message_id", msg.ID),
		)
	}
}

func (s *Service) unclaim(ctx context.Context, messageID string) {
	if err := s.ledger.UnclaimMessage(ctx, messageID); err != nil {
		s.log.Warn("unclaim failed", logx.String("message_id", messageID), logx.Err(err))
	}
}

// cleanup purges expired sessions and seen records past retention.
func (s *Service) cleanup(ctx context.Context, cfg Config, now time.Time) {
	if n, err := s.ledger.PurgeSessionsBefore(ctx, now.Add(-cfg.SessionMaxAge)); err != nil {
		s.log.Warn("session purge failed", logx.Err(err))
	} else if n > 0 {
		s.log.Info("expired sessions purged", logx.Int64("count", n))
	}
	if n, err := s.ledger.PurgeSeenBefore(ctx, now.Add(-cfg.SeenRetention)); err != nil {
		s.log.Warn("seen ledger purge failed", logx.Err(err))
	} else if n > 0 {
		s.log.Info("old seen records purged", logx.Int64("count", n))
	}
}

// adaptiveInterval picks the next sleep from the active-session count:
// few sessions poll at the base cadence, mid-range is floored, and large
// counts are capped to one slow fixed cadence.
func adaptiveInterval(cfg Config, active int) time.Duration {
	switch {
	case active < cfg.LowWatermark:
		return cfg.BaseInterval
	case active < cfg.HighWatermark:
		if cfg.BaseInterval > cfg.MidFloor {
			return cfg.BaseInterval
		}
		return cfg.MidFloor
	default:
		return cfg.MaxInterval
	}
}
