package config

import (
	"sort"
	"strings"

	logx "katabot/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe structured
// attrs for logging. Secrets (the bot token) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.ChatID != nt.ChatID || ot.ThreadID != nt.ThreadID || ot.RatePerSec != nt.RatePerSec ||
		strings.TrimSpace(ot.Timeout) != strings.TrimSpace(nt.Timeout) ||
		strings.TrimSpace(ot.Token) != strings.TrimSpace(nt.Token) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(nt.Token) != ""),
			logx.Bool("telegram.token_changed", strings.TrimSpace(ot.Token) != strings.TrimSpace(nt.Token)),
			logx.Int64("telegram.chat_id", nt.ChatID),
			logx.Int("telegram.thread_id", nt.ThreadID),
			logx.Int("telegram.rate_per_sec", nt.RatePerSec),
		)
	}

	if oldCfg.Settings != newCfg.Settings {
		changed = append(changed, "settings")
		attrs = append(attrs,
			logx.String("settings.path", newCfg.SettingsPath()),
			logx.Bool("settings.watch", newCfg.Settings.Watch),
		)
	}

	ost, nst := oldCfg.Storage, newCfg.Storage
	if !strings.EqualFold(strings.TrimSpace(ost.Driver), strings.TrimSpace(nst.Driver)) ||
		strings.TrimSpace(ost.Path) != strings.TrimSpace(nst.Path) ||
		strings.TrimSpace(ost.BusyTimeout) != strings.TrimSpace(nst.BusyTimeout) ||
		ost.PruneSpec() != nst.PruneSpec() ||
		strings.TrimSpace(ost.Retention) != strings.TrimSpace(nst.Retention) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nst.Driver)),
			logx.String("storage.prune_cron", nst.PruneSpec()),
			logx.String("storage.retention", strings.TrimSpace(nst.Retention)),
		)
	}

	if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)))
	}

	sort.Strings(changed)
	return changed, attrs
}
