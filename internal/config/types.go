package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config is the full bot configuration. Durations are Go duration
// strings (e.g. "30s", "1m", "30m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Reminders RemindersConfig `json:"reminders,omitempty"`
	Mail      MailConfig      `json:"mail,omitempty"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"`

	// GroupLog is the chat id that receives warning-level log lines
	// when logging.telegram.enabled is set.
	GroupLog string `json:"group_log,omitempty"`
}

type LoggingConfig struct {
	Level    string            `json:"level,omitempty"`
	Console  bool              `json:"console"`
	File     LogFileConfig     `json:"file,omitempty"`
	Telegram TelegramLogConfig `json:"telegram,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type TelegramLogConfig struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	Workers        int    `json:"workers,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	Timezone       string `json:"timezone,omitempty"` // IANA TZ; also used for deadline input
}

// RemindersConfig controls the deadline reminder scan.
//
// Enabled is a pointer so "omitted" defaults to true.
type RemindersConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Interval string `json:"interval,omitempty"` // default "1m"
}

// MailConfig controls mailbox polling.
type MailConfig struct {
	Enabled      bool   `json:"enabled"`
	PollInterval string `json:"poll_interval,omitempty"` // default "30m"
	SweepAt      string `json:"sweep_at,omitempty"`      // HH:MM, default "03:30"
	FetchLimit   int    `json:"fetch_limit,omitempty"`   // 1..50, default 20

	OAuth    OAuthConfig    `json:"oauth,omitempty"`
	Callback CallbackConfig `json:"callback,omitempty"`
}

type OAuthConfig struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	TenantID     string   `json:"tenant_id,omitempty"`
	RedirectURL  string   `json:"redirect_url"`
	Scopes       []string `json:"scopes,omitempty"`
}

type CallbackConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Path    string `json:"path,omitempty"`
}

func (c *RemindersConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Validate rejects configs that cannot possibly run. Anything with a
// usable default is left for the consuming service to fill in.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if c.Mail.FetchLimit < 0 || c.Mail.FetchLimit > 50 {
		return fmt.Errorf("mail.fetch_limit must be 0 (use the default) or in 1..50, got %d", c.Mail.FetchLimit)
	}
	if c.Mail.Enabled {
		if strings.TrimSpace(c.Mail.OAuth.ClientID) == "" {
			return errors.New("mail.oauth.client_id is required when mail is enabled")
		}
		if strings.TrimSpace(c.Mail.OAuth.ClientSecret) == "" {
			return errors.New("mail.oauth.client_secret is required when mail is enabled")
		}
		if strings.TrimSpace(c.Mail.OAuth.RedirectURL) == "" {
			return errors.New("mail.oauth.redirect_url is required when mail is enabled")
		}
	}
	return nil
}
