package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validYAML = `
telegram:
  token: "123:abc"
storage:
  path: ./data/bot.db
logging:
  level: debug
  console: true
reminders:
  interval: 1m
mail:
  enabled: false
`

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", validYAML)
	m := NewConfigManager(path)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Storage.Path != "./data/bot.db" {
		t.Fatalf("storage path = %q", cfg.Storage.Path)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if !cfg.Reminders.IsEnabled() {
		t.Fatal("reminders should default to enabled")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", validYAML+"\nmystery_section:\n  x: 1\n")
	m := NewConfigManager(path)
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected error for unknown top-level field")
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json",
		`{"telegram":{"token":"t"},"storage":{"path":"x.db"},"logging":{"console":true},"mail":{"enabled":false}}`)
	m := NewConfigManager(path)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.Telegram.Token != "t" || cfg.Storage.Path != "x.db" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestHashConfig(t *testing.T) {
	t.Parallel()
	if got := hashConfig(nil); got != 0 {
		t.Fatalf("hashConfig(nil) = %d, want 0", got)
	}
	a := &Config{Telegram: TelegramConfig{Token: "a"}}
	b := &Config{Telegram: TelegramConfig{Token: "a"}}
	if hashConfig(a) != hashConfig(b) {
		t.Fatal("equal configs should hash equal")
	}
	b.Telegram.Token = "b"
	if hashConfig(a) == hashConfig(b) {
		t.Fatal("different configs should hash differently")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "missing token", mutate: func(c *Config) { c.Telegram.Token = " " }, wantErr: true},
		{name: "missing storage path", mutate: func(c *Config) { c.Storage.Path = "" }, wantErr: true},
		{name: "fetch limit over cap", mutate: func(c *Config) { c.Mail.FetchLimit = 51 }, wantErr: true},
		{name: "fetch limit negative", mutate: func(c *Config) { c.Mail.FetchLimit = -1 }, wantErr: true},
		{name: "fetch limit omitted uses default", mutate: func(c *Config) { c.Mail.FetchLimit = 0 }},
		{name: "mail enabled without oauth", mutate: func(c *Config) { c.Mail.Enabled = true }, wantErr: true},
		{
			name: "mail enabled with oauth",
			mutate: func(c *Config) {
				c.Mail.Enabled = true
				c.Mail.OAuth = OAuthConfig{
					ClientID:     "id",
					ClientSecret: "secret",
					RedirectURL:  "http://127.0.0.1:8000/api/mail/callback",
				}
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Telegram: TelegramConfig{Token: "123:abc"},
				Storage:  StorageConfig{Path: "bot.db"},
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Validate error: %v", err)
			}
		})
	}
}
