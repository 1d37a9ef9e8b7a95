package app

import (
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

// The map* functions translate the string-typed on-disk config into each
// component's typed Config. They are also the validation surface: a reload
// that fails to map is rejected before anything is applied.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	maxAge, err := config.ParseDurationOrDefault("poller.session_max_age", cfg.Poller.SessionMaxAge, time.Hour)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:         cfg.Telegram.Token,
		PollTimeout:   pollTimeout,
		SessionMaxAge: maxAge,
	}, nil
}

func mapMailTMConfig(cfg *config.Config) (mailtm.Config, error) {
	timeout, err := config.ParseDurationOrDefault("mailtm.timeout", cfg.MailTM.Timeout, 15*time.Second)
	if err != nil {
		return mailtm.Config{}, err
	}
	var backoff []time.Duration
	for _, raw := range cfg.MailTM.RetryBackoff {
		d, err := config.ParseDurationField("mailtm.retry_backoff", raw)
		if err != nil {
			return mailtm.Config{}, err
		}
		backoff = append(backoff, d)
	}
	return mailtm.Config{
		BaseURL:         cfg.MailTM.BaseURL,
		Timeout:         timeout,
		Attempts:        cfg.MailTM.RetryAttempts,
		Backoff:         backoff,
		ConflictRetries: cfg.MailTM.ConflictRetries,
	}, nil
}

func mapPollerConfig(cfg *config.Config) (poller.Config, error) {
	base, err := config.ParseDurationOrDefault("poller.base_interval", cfg.Poller.BaseInterval, 45*time.Second)
	if err != nil {
		return poller.Config{}, err
	}
	midFloor, err := config.ParseDurationOrDefault("poller.mid_floor", cfg.Poller.MidFloor, 45*time.Second)
	if err != nil {
		return poller.Config{}, err
	}
	maxInterval, err := config.ParseDurationOrDefault("poller.max_interval", cfg.Poller.MaxInterval, 60*time.Second)
	if err != nil {
		return poller.Config{}, err
	}
	maxAge, err := config.ParseDurationOrDefault("poller.session_max_age", cfg.Poller.SessionMaxAge, time.Hour)
	if err != nil {
		return poller.Config{}, err
	}
	retention, err := config.ParseDurationOrDefault("poller.seen_retention", cfg.Poller.SeenRetention, 24*time.Hour)
	if err != nil {
		return poller.Config{}, err
	}
	return poller.Config{
		BaseInterval:  base,
		LowWatermark:  cfg.Poller.LowWatermark,
		HighWatermark: cfg.Poller.HighWatermark,
		MidFloor:      midFloor,
		MaxInterval:   maxInterval,
		MaxWorkers:    cfg.Poller.MaxWorkers,
		CleanupEvery:  cfg.Poller.CleanupEvery,
		SessionMaxAge: maxAge,
		SeenRetention: retention,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	sendTimeout, err := config.ParseDurationOrDefault("dispatch.send_timeout", cfg.Dispatch.SendTimeout, 10*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		QueueSize:   cfg.Dispatch.QueueSize,
		RatePerSec:  cfg.Dispatch.RatePerSec,
		SendTimeout: sendTimeout,
	}, nil
}

func mapRateLimitConfig(cfg *config.Config) (ratelimit.Config, error) {
	limits := map[ratelimit.Action]ratelimit.Limit{}
	pairs := []struct {
		action ratelimit.Action
		path   string
		pair   config.RatePair
	}{
		{ratelimit.ActionCreateMail, "ratelimit.create_mail.window", cfg.RateLimit.CreateMail},
		{ratelimit.ActionRefresh, "ratelimit.refresh.window", cfg.RateLimit.Refresh},
		{ratelimit.ActionGeneral, "ratelimit.general.window", cfg.RateLimit.General},
	}
	for _, p := range pairs {
		if p.pair.Limit == 0 && p.pair.Window == "" {
			continue // package default applies
		}
		window, err := config.ParseDurationField(p.path, p.pair.Window)
		if err != nil {
			return ratelimit.Config{}, err
		}
		if p.pair.Limit <= 0 || window <= 0 {
			continue // half-specified pair; keep the package default
		}
		limits[p.action] = ratelimit.Limit{Max: p.pair.Limit, Window: window}
	}
	return ratelimit.Config{Limits: limits}, nil
}

func mapParserConfig(cfg *config.Config) mailparse.Config {
	return mailparse.Config{
		MaxLinks:   cfg.Parser.MaxLinks,
		MaxCodes:   cfg.Parser.MaxCodes,
		IntroLimit: cfg.Parser.IntroLimit,
	}
}

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return store.Config{}, err
	}
	path := cfg.Storage.Path
	if path == "" {
		path = "./data/mailgram.db"
	}
	return store.Config{Path: path, BusyTimeout: busy}, nil
}

func mapMaintenanceConfig(cfg *config.Config) (maintenance.Config, error) {
	enabled := true
	if cfg.Maintenance.Enabled != nil {
		enabled = *cfg.Maintenance.Enabled
	}
	maxAge, err := config.ParseDurationOrDefault("poller.session_max_age", cfg.Poller.SessionMaxAge, time.Hour)
	if err != nil {
		return maintenance.Config{}, err
	}
	retention, err := config.ParseDurationOrDefault("poller.seen_retention", cfg.Poller.SeenRetention, 24*time.Hour)
	if err != nil {
		return maintenance.Config{}, err
	}
	return maintenance.Config{
		Enabled:       enabled,
		Schedule:      cfg.Maintenance.Schedule,
		SessionMaxAge: maxAge,
		SeenRetention: retention,
	}, nil
}
