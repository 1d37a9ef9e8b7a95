// Package dispatch decouples notification production (poller workers)
// from delivery (a single consumer). The queue is bounded: a full queue
// pushes back on producers instead of growing without limit.
package dispatch

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"mailgram/internal/mailparse"
	"mailgram/pkg/logx"
)

var (
	ErrQueueFull = errors.New("dispatch queue full")
	ErrStopped   = errors.New("dispatch stopped")
)

// Item is one queued (recipient, payload) pair.
type Item struct {
	UserID  int64
	Payload mailparse.Payload
}

// Deliverer renders and sends one notification. DeliverPlain is the
// degraded path used when rich rendering is rejected downstream.
type Deliverer interface {
	Deliver(ctx context.Context, userID int64, p mailparse.Payload) error
	DeliverPlain(ctx context.Context, userID int64, p mailparse.Payload) error
}

type Config struct {
	QueueSize   int
	RatePerSec  int
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// Service is the multi-producer/single-consumer dispatch pipeline.
type Service struct {
	mu sync.Mutex

	cfg       Config
	deliverer Deliverer
	log       logx.Logger

	limiter *rate.Limiter

	queue     chan Item
	runCancel context.CancelFunc
	consumerW sync.WaitGroup

	dropped uint64
}

func New(cfg Config, d Deliverer, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:       cfg,
		deliverer: d,
		log:       log,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

// Apply updates the send pacing. Queue size is fixed for the life of a run.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg.RatePerSec = cfg.RatePerSec
	s.cfg.SendTimeout = cfg.SendTimeout
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan Item, s.cfg.QueueSize)
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	queue := s.queue
	s.mu.Unlock()

	s.consumerW.Add(1)
	go func() {
		defer s.consumerW.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in dispatch consumer", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		s.consume(runCtx, queue)
	}()

	s.log.Info("dispatch started", logx.Int("queue_cap", s.cfg.QueueSize), logx.Int("rate_per_sec", s.cfg.RatePerSec))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.runCancel
	s.runCancel = nil
	s.queue = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.consumerW.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("dispatch stopped", logx.Uint64("dropped_total", atomic.LoadUint64(&s.dropped)))
	case <-ctx.Done():
		// stop continues in background
	}
}

// Enqueue submits a notification. Non-blocking: a full queue returns
// ErrQueueFull so the producer can unclaim and retry next cycle.
func (s *Service) Enqueue(it Item) error {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()

	if q == nil {
		return ErrStopped
	}
	select {
	case q <- it:
		return nil
	default:
		atomic.AddUint64(&s.dropped, 1)
		s.log.Warn("dispatch queue full; rejecting item",
			logx.Int64("user_id", it.UserID),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
		)
		return ErrQueueFull
	}
}

// QueueLen reports the number of items waiting for delivery.
func (s *Service) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		return 0
	}
	return len(s.queue)
}

func (s *Service) consume(ctx context.Context, queue <-chan Item) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-queue:
			s.sendOne(ctx, it)
		}
	}
}

// sendOne paces against the global limiter, tries the rich rendering once,
// and falls back to plain text when the rich send is rejected.
func (s *Service) sendOne(ctx context.Context, it Item) {
	s.mu.Lock()
	lim := s.limiter
	timeout := s.cfg.SendTimeout
	s.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := s.deliverer.Deliver(sctx, it.UserID, it.Payload)
	if err == nil {
		s.log.Debug("notification delivered",
			logx.Int64("user_id", it.UserID),
			logx.Duration("took", time.Since(start)),
		)
		return
	}
	if ctx.Err() != nil {
		return
	}

	s.log.Warn("rich delivery failed; falling back to plain text",
		logx.Int64("user_id", it.UserID), logx.Err(err))

	fctx, fcancel := context.WithTimeout(ctx, timeout)
	defer fcancel()
	if err := s.deliverer.DeliverPlain(fctx, it.UserID, it.Payload); err != nil {
		s.log.Warn("plain delivery failed; dropping notification",
			logx.Int64("user_id", it.UserID), logx.Err(err))
	}
}
