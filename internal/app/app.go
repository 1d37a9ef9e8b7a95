// Package app wires the components together: config, logging, storage,
// the upstream client, the poller, the dispatch pipeline, the Telegram
// surface, and maintenance. It owns startup/shutdown ordering and the
// config hot-reload fan-out.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mailgram/internal/config"
	"mailgram/internal/dispatch"
	"mailgram/internal/mailparse"
	"mailgram/internal/mailtm"
	"mailgram/internal/maintenance"
	"mailgram/internal/poller"
	"mailgram/internal/ratelimit"
	"mailgram/internal/store"
	"mailgram/internal/telegram"
	"mailgram/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	store   *store.Store
	client  *mailtm.Client
	parser  *mailparse.Parser
	limiter *ratelimit.Limiter

	bot        *telegram.Bot
	dispatcher *dispatch.Service
	poll       *poller.Service
	maint      *maintenance.Service

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	stCfg, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(stCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	mtCfg, err := mapMailTMConfig(cfg)
	if err != nil {
		return nil, err
	}
	client := mailtm.New(mtCfg, log.With(logx.String("comp", "mailtm")))

	parser := mailparse.New(mapParserConfig(cfg))

	rlCfg, err := mapRateLimitConfig(cfg)
	if err != nil {
		return nil, err
	}
	limiter := ratelimit.New(rlCfg)

	tgCfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	bot, err := telegram.New(tgCfg, client, st, limiter, parser, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	dpCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	dispatcher := dispatch.New(dpCfg, bot, log.With(logx.String("comp", "dispatch")))

	plCfg, err := mapPollerConfig(cfg)
	if err != nil {
		return nil, err
	}
	poll := poller.New(plCfg, client, st, parser, dispatcher, log.With(logx.String("comp", "poller")))

	mnCfg, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return nil, err
	}
	maint := maintenance.New(mnCfg, st, log.With(logx.String("comp", "maintenance")))

	return &App{
		cfgm:       cfgm,
		logs:       logSvc,
		log:        log,
		store:      st,
		client:     client,
		parser:     parser,
		limiter:    limiter,
		bot:        bot,
		dispatcher: dispatcher,
		poll:       poll,
		maint:      maint,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.runMu.Lock()
	if a.runCancel != nil {
		a.runMu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runMu.Unlock()

	// Delivery first, then producers, then the chat surface.
	a.dispatcher.Start(runCtx)
	a.poll.Start(runCtx)
	if err := a.maint.Start(runCtx); err != nil {
		a.log.Warn("maintenance not scheduled", logx.Err(err))
	}
	if err := a.bot.Start(runCtx); err != nil {
		return err
	}

	sub := a.cfgm.Subscribe(8)
	a.runWG.Add(2)
	go func() {
		defer a.runWG.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(runCtx, sub)
	}()
	go func() {
		defer a.runWG.Done()
		if err := a.cfgm.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Warn("config watcher exited", logx.Err(err))
		}
	}()

	a.log.Info("app started")
	return nil
}

// reloadLoop applies committed config updates to the live components.
// Storage and the Telegram token need a restart; everything else is live.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			a.applyConfig(cfg)
		}
	}
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(mapLoggingConfig(cfg))

	if plCfg, err := mapPollerConfig(cfg); err != nil {
		a.log.Warn("invalid poller config; keeping previous", logx.Err(err))
	} else {
		a.poll.Apply(plCfg)
	}
	if dpCfg, err := mapDispatchConfig(cfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.dispatcher.Apply(dpCfg)
	}
	if rlCfg, err := mapRateLimitConfig(cfg); err != nil {
		a.log.Warn("invalid ratelimit config; keeping previous", logx.Err(err))
	} else {
		a.limiter.Apply(rlCfg)
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	a.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	a.log.Info("stopping")

	// Bounded per-component steps so one laggard can't stall shutdown.
	step := func(name string, max time.Duration, fn func(context.Context)) {
		stepCtx, stepCancel := context.WithTimeout(ctx, max)
		defer stepCancel()
		start := time.Now()
		fn(stepCtx)
		a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	// Chat surface first (no new commands), then producers, then delivery.
	step("telegram", 3*time.Second, func(c context.Context) { _ = a.bot.Stop(c) })
	step("poller", 5*time.Second, func(c context.Context) { a.poll.Stop(c) })
	step("dispatch", 5*time.Second, func(c context.Context) { a.dispatcher.Stop(c) })
	step("maintenance", 2*time.Second, func(c context.Context) { a.maint.Stop(c) })

	cancel()
	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}
