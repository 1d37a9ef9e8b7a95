package config

// Config is the full on-disk configuration.
//
// The file may be YAML or JSON; YAML is coerced to JSON and decoded strictly,
// so unknown keys are rejected in both formats. All durations are Go duration
// strings (e.g. "500ms", "45s", "1h").
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Logging     LoggingConfig     `json:"logging"`
	MailTM      MailTMConfig      `json:"mailtm"`
	Poller      PollerConfig      `json:"poller"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	RateLimit   RateLimitConfig   `json:"ratelimit"`
	Parser      ParserConfig      `json:"parser"`
	Storage     StorageConfig     `json:"storage"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

type TelegramConfig struct {
	// Token may be left empty in the file and supplied via MAILGRAM_BOT_TOKEN.
	Token       string `json:"token,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"` // default: "10s"
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"` // trace|debug|info|warn|error
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// MailTMConfig controls the upstream mailbox provider client.
//
// Defaults (when fields are omitted/zero):
//   - base_url: "https://api.mail.tm"
//   - timeout: "15s"
//   - retry_attempts: 3
//   - retry_backoff: ["1s","2s","4s"]
//   - conflict_retries: 5
type MailTMConfig struct {
	BaseURL         string   `json:"base_url,omitempty"`
	Timeout         string   `json:"timeout,omitempty"`
	RetryAttempts   int      `json:"retry_attempts,omitempty"`
	RetryBackoff    []string `json:"retry_backoff,omitempty"`
	ConflictRetries int      `json:"conflict_retries,omitempty"`
}

// PollerConfig controls polling cadence and cleanup.
//
// The adaptive interval uses the active-session count: below low_watermark
// the base interval applies; below high_watermark the greater of the base
// interval and mid_floor; above that, max_interval.
type PollerConfig struct {
	BaseInterval  string `json:"base_interval,omitempty"`  // default: "45s"
	LowWatermark  int    `json:"low_watermark,omitempty"`  // default: 100
	HighWatermark int    `json:"high_watermark,omitempty"` // default: 300
	MidFloor      string `json:"mid_floor,omitempty"`      // default: "45s"
	MaxInterval   string `json:"max_interval,omitempty"`   // default: "60s"
	MaxWorkers    int    `json:"max_workers,omitempty"`    // default: 8
	CleanupEvery  int    `json:"cleanup_every,omitempty"`  // default: every 10 cycles
	SessionMaxAge string `json:"session_max_age,omitempty"` // default: "1h"
	SeenRetention string `json:"seen_retention,omitempty"`  // default: "24h"
}

type DispatchConfig struct {
	QueueSize   int    `json:"queue_size,omitempty"`   // default: 512
	RatePerSec  int    `json:"rate_per_sec,omitempty"` // default: 3
	SendTimeout string `json:"send_timeout,omitempty"` // default: "10s"
}

// RateLimitConfig holds one (limit, window) pair per user action.
type RateLimitConfig struct {
	CreateMail RatePair `json:"create_mail,omitempty"` // default: 3 per "1h"
	Refresh    RatePair `json:"refresh,omitempty"`     // default: 10 per "1m"
	General    RatePair `json:"general,omitempty"`     // default: 20 per "1m"
}

type RatePair struct {
	Limit  int    `json:"limit,omitempty"`
	Window string `json:"window,omitempty"`
}

type ParserConfig struct {
	MaxLinks   int `json:"max_links,omitempty"`   // default: 5
	MaxCodes   int `json:"max_codes,omitempty"`   // default: 10
	IntroLimit int `json:"intro_limit,omitempty"` // default: 500
}

type StorageConfig struct {
	Path        string `json:"path,omitempty"`         // default: "./data/mailgram.db"
	BusyTimeout string `json:"busy_timeout,omitempty"` // default: "5s"
}

// MaintenanceConfig controls the cron-driven housekeeping job.
// Enabled is a pointer so "omitted" defaults to true while an explicit
// false still disables it.
type MaintenanceConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Schedule string `json:"schedule,omitempty"` // default: "30 4 * * *"
}
