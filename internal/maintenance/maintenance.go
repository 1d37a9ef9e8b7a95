// Package maintenance runs the deep nightly cleanup that the poller's
// lightweight in-cycle purges don't cover: retention sweeps over both
// tables followed by VACUUM to hand freed pages back to the filesystem.
package maintenance

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mailgram/pkg/logx"
)

// Store is the slice of the sqlite layer the job touches.
type Store interface {
	PurgeSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeSeenBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Vacuum(ctx context.Context) error
}

type Config struct {
	Enabled       bool
	Schedule      string
	SessionMaxAge time.Duration
	SeenRetention time.Duration
	JobTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = "30 4 * * *"
	}
	if c.SessionMaxAge <= 0 {
		c.SessionMaxAge = time.Hour
	}
	if c.SeenRetention <= 0 {
		c.SeenRetention = 24 * time.Hour
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	return c
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	store  Store
	log    logx.Logger
	parser cron.Parser
	c      *cron.Cron
}

func New(cfg Config, store Store, log logx.Logger) *Service {
	return &Service{
		cfg:    cfg.withDefaults(),
		store:  store,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.c != nil {
		return nil
	}

	c := cron.New(cron.WithParser(s.parser))
	_, err := c.AddFunc(s.cfg.Schedule, func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in maintenance job", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		s.RunNow(ctx)
	})
	if err != nil {
		return err
	}
	s.c = c
	c.Start()
	s.log.Info("maintenance scheduled", logx.String("schedule", s.cfg.Schedule))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("maintenance stopped")
	case <-ctx.Done():
		// a running job finishes in background
	}
}

// RunNow executes one full sweep immediately.
func (s *Service) RunNow(ctx context.Context) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	jctx, cancel := context.WithTimeout(ctx, cfg.JobTimeout)
	defer cancel()

	now := time.Now()
	start := now

	sessions, err := s.store.PurgeSessionsBefore(jctx, now.Add(-cfg.SessionMaxAge))
	if err != nil {
		s.log.Warn("session sweep failed", logx.Err(err))
	}
	seen, err := s.store.PurgeSeenBefore(jctx, now.Add(-cfg.SeenRetention))
	if err != nil {
		s.log.Warn("seen sweep failed", logx.Err(err))
	}
	if err := s.store.Vacuum(jctx); err != nil {
		s.log.Warn("vacuum failed", logx.Err(err))
	}

	s.log.Info("maintenance sweep done",
		logx.Int64("sessions_purged", sessions),
		logx.Int64("seen_purged", seen),
		logx.Duration("took", time.Since(start)),
	)
}
