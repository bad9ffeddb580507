package app

import (
	"os"
	"strings"
	"time"

	"esclbot/internal/config"
	"esclbot/internal/escl/apiclient"
	"esclbot/internal/escl/entry"
	"esclbot/internal/escl/verifier"
	logx "esclbot/pkg/logx"
)

// Secrets are the process secrets.
type Secrets struct {
	TelegramToken string
	// SecretKey enables the encrypted account store when set.
	SecretKey string
	// LegacyJWT is the shared fallback token.
	LegacyJWT string
}

// SecretsFromEnv reads Secrets from the process environment.
func SecretsFromEnv() Secrets {
	return Secrets{
		TelegramToken: strings.TrimSpace(os.Getenv(config.EnvTelegramToken)),
		SecretKey:     strings.TrimSpace(os.Getenv(config.EnvSecretKey)),
		LegacyJWT:     strings.TrimSpace(os.Getenv(config.EnvLegacyJWT)),
	}
}

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapAPIConfig(cfg *config.Config) (apiclient.Config, error) {
	timeout, err := config.ParseDurationOrDefault("escl.timeout", cfg.ESCL.Timeout, apiclient.DefaultTimeout)
	if err != nil {
		return apiclient.Config{}, err
	}
	return apiclient.Config{
		BaseURL:    cfg.ESCL.BaseURL,
		Timeout:    timeout,
		RatePerSec: cfg.ESCL.RatePerSec,
		Burst:      cfg.ESCL.Burst,
	}, nil
}

// mapPolicy fills unset retry fields with the scheduler defaults.
func mapPolicy(cfg *config.Config) (entry.Policy, error) {
	r, err := cfg.Entry.Retry()
	if err != nil {
		return entry.Policy{}, err
	}
	p := entry.DefaultPolicy()
	if r.MaxAttempts > 0 {
		p.MaxAttempts = r.MaxAttempts
	}
	if strings.TrimSpace(cfg.Entry.RetryInterval) != "" {
		p.RetryInterval = r.RetryInterval
	}
	if strings.TrimSpace(cfg.Entry.RetryBackoffAfter429) != "" {
		p.RetryBackoffAfter429 = r.RetryBackoffAfter429
	}
	return p, nil
}

func mapLocation(cfg *config.Config) *time.Location {
	offset := entry.DefaultOffsetMinutes
	if cfg.Entry.TimezoneOffsetMinutes != nil {
		offset = *cfg.Entry.TimezoneOffsetMinutes
	}
	return entry.FixedZone(cfg.Entry.Timezone, offset)
}

func mapVerifier(cfg *config.Config) verifier.Config {
	tz := strings.TrimSpace(cfg.Entry.Timezone)
	if tz == "" {
		tz = entry.DefaultTimezone
	}
	return verifier.Config{
		Enabled:  cfg.Verifier.Enabled,
		Schedule: cfg.Verifier.Schedule,
		Timezone: tz,
	}
}
