package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "katabot/pkg/logx"
)

// Config is the static application config (config.yaml / config.json).
//
// Dynamic bot settings (watched users, report time, reminder interval) live in
// the settings file instead; see internal/settings.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Telegram  TelegramConfig  `json:"telegram"`
	Settings  SettingsConfig  `json:"settings"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	// Chat mirrors log lines to the notification chat.
	Chat LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// TelegramConfig configures the chat that receives reports and reminders.
// An empty token selects the log-only sender.
type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// RatePerSec caps outgoing messages (default 1).
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// Timeout is a Go duration string bounding each API call (default "10s").
	Timeout string `json:"timeout,omitempty"`
}

type SettingsConfig struct {
	// Path of the YAML settings file (default "./settings.yaml").
	Path string `json:"path"`
	// Watch reloads the settings file when edited by hand.
	Watch bool `json:"watch"`
}

// StorageConfig controls the run history store.
//
// Example:
//
//	storage: { driver: sqlite, path: ./katabot.db, retention: 720h }
type StorageConfig struct {
	Driver      string `json:"driver"` // file | sqlite | none
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	// PruneCron schedules history pruning (default "0 3 * * *").
	PruneCron string `json:"prune_cron,omitempty"`
	// Retention is a Go duration string (default "720h"). "0s" keeps everything.
	Retention string `json:"retention,omitempty"`
}

type SchedulerConfig struct {
	// Timezone for weekly and cron schedules (IANA name). Empty means local time.
	Timezone string `json:"timezone,omitempty"`
}

const (
	DefaultSettingsPath = "./settings.yaml"
	DefaultPruneCron    = "0 3 * * *"
	DefaultRetention    = 30 * 24 * time.Hour
	DefaultSendTimeout  = 10 * time.Second
)

// Validate checks cross-field constraints that strict decoding cannot express.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.Telegram.Token) != "" && c.Telegram.ChatID == 0 {
		errs = append(errs, errors.New("telegram.chat_id is required when telegram.token is set"))
	}
	if c.Telegram.RatePerSec < 0 {
		errs = append(errs, errors.New("telegram.rate_per_sec must be >= 0"))
	}
	if _, err := ParseDurationField("telegram.timeout", c.Telegram.Timeout); err != nil {
		errs = append(errs, err)
	}
	switch d := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); d {
	case "", "none", "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", d))
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Storage.RetentionDuration(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Location resolves scheduler.timezone.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Scheduler.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

// SettingsPath returns settings.path or the default.
func (c *Config) SettingsPath() string {
	if p := strings.TrimSpace(c.Settings.Path); p != "" {
		return p
	}
	return DefaultSettingsPath
}

// PruneSpec returns storage.prune_cron or the default.
func (s StorageConfig) PruneSpec() string {
	if p := strings.TrimSpace(s.PruneCron); p != "" {
		return p
	}
	return DefaultPruneCron
}

// RetentionDuration parses storage.retention. An omitted value yields the
// default; an explicit "0s" disables pruning.
func (s StorageConfig) RetentionDuration() (time.Duration, error) {
	if strings.TrimSpace(s.Retention) == "" {
		return DefaultRetention, nil
	}
	return ParseDurationField("storage.retention", s.Retention)
}

// SendTimeout parses telegram.timeout with its default.
func (t TelegramConfig) SendTimeout() time.Duration {
	d, err := ParseDurationOrDefault("telegram.timeout", t.Timeout, DefaultSendTimeout)
	if err != nil {
		return DefaultSendTimeout
	}
	return d
}

// LogConfig maps the logging section onto the log service config.
func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    c.Logging.Chat.Enabled,
			MinLevel:   c.Logging.Chat.MinLevel,
			RatePerSec: c.Logging.Chat.RatePerSec,
		},
	}
}
