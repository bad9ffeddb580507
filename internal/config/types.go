package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the on-disk bot configuration (JSON or YAML).
//
// Secrets (bot token, ESCL secret key, legacy JWT) normally come from the
// environment; Telegram.Token is only a fallback for TELEGRAM_TOKEN.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	ESCL     ESCLConfig     `json:"escl"`
	Entry    EntryConfig    `json:"entry"`
	Data     DataConfig     `json:"data"`
	Verifier VerifierConfig `json:"verifier"`
	Storage  *StorageConfig `json:"storage,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// AllowedUserIDs restricts who may talk to the bot. Empty allows everyone.
	AllowedUserIDs []int64 `json:"allowed_user_ids,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ESCLConfig controls the upstream API client.
type ESCLConfig struct {
	BaseURL string `json:"base_url,omitempty"`
	// Timeout is a Go duration string; default 10s.
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

// EntryConfig controls dispatch time computation and the retry policy.
// Retry settings are hot-reloadable; the timezone is not.
//
// Defaults: timezone "Asia/Tokyo" at +540 minutes, 3 attempts, 500ms
// interval, 1s extra wait after a 429.
type EntryConfig struct {
	Timezone              string `json:"timezone,omitempty"`
	TimezoneOffsetMinutes *int   `json:"timezone_offset_minutes,omitempty"`
	MaxAttempts           int    `json:"max_attempts,omitempty"`
	RetryInterval         string `json:"retry_interval,omitempty"`
	RetryBackoffAfter429  string `json:"retry_backoff_after_429,omitempty"`
}

// DataConfig names the files the bot owns.
//
// Example:
//
//	"data": { "jobs_path": "./data/entry_jobs.json", "default_team_id": 1234 }
type DataConfig struct {
	JobsPath        string `json:"jobs_path,omitempty"`
	TeamsPath       string `json:"teams_path,omitempty"`
	CredentialsPath string `json:"credentials_path,omitempty"`
	DefaultTeamID   int64  `json:"default_team_id,omitempty"`
}

// VerifierConfig controls periodic account re-verification.
type VerifierConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a cron spec (5 or 6 fields) or descriptor such as "@every 6h".
	Schedule string `json:"schedule,omitempty"`
}

// StorageConfig controls the optional audit store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/audit.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

const (
	DefaultJobsPath        = "./data/entry_jobs.json"
	DefaultTeamsPath       = "./data/team_ids.json"
	DefaultCredentialsPath = "./data/escl_credentials.enc"
)

// JobsFile returns the job store path or its default.
func (d DataConfig) JobsFile() string { return orDefault(d.JobsPath, DefaultJobsPath) }

func (d DataConfig) TeamsFile() string { return orDefault(d.TeamsPath, DefaultTeamsPath) }

func (d DataConfig) CredentialsFile() string {
	return orDefault(d.CredentialsPath, DefaultCredentialsPath)
}

func orDefault(v, def string) string {
	if s := strings.TrimSpace(v); s != "" {
		return s
	}
	return def
}

// Retry is the parsed retry policy of an EntryConfig. Zero fields mean
// "use the scheduler default".
type Retry struct {
	MaxAttempts          int
	RetryInterval        time.Duration
	RetryBackoffAfter429 time.Duration
}

func (e EntryConfig) Retry() (Retry, error) {
	interval, err := ParseDurationField("entry.retry_interval", e.RetryInterval)
	if err != nil {
		return Retry{}, err
	}
	backoff, err := ParseDurationField("entry.retry_backoff_after_429", e.RetryBackoffAfter429)
	if err != nil {
		return Retry{}, err
	}
	if e.MaxAttempts < 0 {
		return Retry{}, errors.New("entry.max_attempts: must be >= 0")
	}
	return Retry{MaxAttempts: e.MaxAttempts, RetryInterval: interval, RetryBackoffAfter429: backoff}, nil
}

// Validate checks everything that can be checked without touching the
// filesystem or the network.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("escl.timeout", c.ESCL.Timeout); err != nil {
		errs = append(errs, err)
	}
	if c.ESCL.RatePerSec < 0 {
		errs = append(errs, errors.New("escl.rate_per_sec: must be >= 0"))
	}
	if _, err := c.Entry.Retry(); err != nil {
		errs = append(errs, err)
	}
	if off := c.Entry.TimezoneOffsetMinutes; off != nil && (*off < -14*60 || *off > 14*60) {
		errs = append(errs, fmt.Errorf("entry.timezone_offset_minutes: %d out of range", *off))
	}
	if c.Data.DefaultTeamID < 0 {
		errs = append(errs, errors.New("data.default_team_id: must be >= 0"))
	}
	if st := c.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				errs = append(errs, errors.New("storage.path: required"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
