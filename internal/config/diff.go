package config

import (
	"reflect"
	"strings"

	logx "esclbot/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the changed sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)
	var restart []string

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.AllowedUserIDs, newCfg.Telegram.AllowedUserIDs) ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		restart = append(restart, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.allowed_count", len(newCfg.Telegram.AllowedUserIDs)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.ESCL != newCfg.ESCL {
		changed = append(changed, "escl")
		restart = append(restart, "escl")
		attrs = append(attrs,
			logx.String("escl.base_url", strings.TrimSpace(newCfg.ESCL.BaseURL)),
			logx.String("escl.timeout", strings.TrimSpace(newCfg.ESCL.Timeout)),
		)
	}

	oldTZ, newTZ := oldCfg.Entry, newCfg.Entry
	tzChanged := strings.TrimSpace(oldTZ.Timezone) != strings.TrimSpace(newTZ.Timezone) ||
		!reflect.DeepEqual(oldTZ.TimezoneOffsetMinutes, newTZ.TimezoneOffsetMinutes)
	retryChanged := oldTZ.MaxAttempts != newTZ.MaxAttempts ||
		strings.TrimSpace(oldTZ.RetryInterval) != strings.TrimSpace(newTZ.RetryInterval) ||
		strings.TrimSpace(oldTZ.RetryBackoffAfter429) != strings.TrimSpace(newTZ.RetryBackoffAfter429)
	if tzChanged || retryChanged {
		changed = append(changed, "entry")
		if tzChanged {
			restart = append(restart, "entry.timezone")
		}
		attrs = append(attrs,
			logx.Int("entry.max_attempts", newTZ.MaxAttempts),
			logx.String("entry.retry_interval", strings.TrimSpace(newTZ.RetryInterval)),
			logx.String("entry.retry_backoff_after_429", strings.TrimSpace(newTZ.RetryBackoffAfter429)),
		)
	}

	if oldCfg.Data != newCfg.Data {
		changed = append(changed, "data")
		restart = append(restart, "data")
	}

	if oldCfg.Verifier != newCfg.Verifier {
		changed = append(changed, "verifier")
		attrs = append(attrs,
			logx.Bool("verifier.enabled", newCfg.Verifier.Enabled),
			logx.String("verifier.schedule", strings.TrimSpace(newCfg.Verifier.Schedule)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
	}

	return changed, attrs, restart
}
