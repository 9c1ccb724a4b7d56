package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rio.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
box:
  host: 192.168.1.50
  username: admin
  password: secret
reconnect:
  max: 60s
api:
  listen: ":9090"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Box.Port != 22023 {
		t.Errorf("Port = %d, want 22023", cfg.Box.Port)
	}
	if cfg.Box.Relays != 4 || cfg.Box.DIOs != 4 {
		t.Errorf("Relays/DIOs = %d/%d, want 4/4", cfg.Box.Relays, cfg.Box.DIOs)
	}
	if cfg.Health.ProbeInterval != 30*time.Second {
		t.Errorf("ProbeInterval = %v, want 30s", cfg.Health.ProbeInterval)
	}
	if cfg.Reconnect.Initial != 5*time.Second {
		t.Errorf("Reconnect.Initial = %v, want 5s", cfg.Reconnect.Initial)
	}
	if cfg.Reconnect.Max != time.Minute {
		t.Errorf("Reconnect.Max = %v, want 1m", cfg.Reconnect.Max)
	}
	if !cfg.API.Enabled || cfg.API.Listen != ":9090" {
		t.Errorf("API = %+v, want enabled on :9090", cfg.API)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv(EnvPassword, "from-env")
	t.Setenv(EnvHost, "rio.local")

	cfg, err := Load(writeConfig(t, "box:\n  host: ignored\n  username: admin\n  password: file\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Box.Password != "from-env" {
		t.Errorf("Password = %q, want from-env", cfg.Box.Password)
	}
	if cfg.Box.Host != "rio.local" {
		t.Errorf("Host = %q, want rio.local", cfg.Box.Host)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file error = %v, want os.ErrNotExist", err)
	}
	if _, err := Load(writeConfig(t, "box: [unterminated")); err == nil {
		t.Error("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := defaultConfig()
		cfg.Box.Host = "192.168.1.50"
		cfg.Box.Username = "admin"
		return cfg
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config: %v", err)
	}

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"missing host", func(c *Config) { c.Box.Host = "" }},
		{"missing username", func(c *Config) { c.Box.Username = "" }},
		{"too many relays", func(c *Config) { c.Box.Relays = 100 }},
		{"short probe interval", func(c *Config) { c.Health.ProbeInterval = time.Millisecond }},
		{"backoff max below initial", func(c *Config) { c.Reconnect.Max = time.Second }},
		{"no attempts", func(c *Config) { c.Commands.MaxAttempts = 0 }},
		{"api without listen", func(c *Config) { c.API.Listen = "" }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestControllerConversion(t *testing.T) {
	cfg := defaultConfig()
	cfg.Box.Host = "10.0.0.9"
	cfg.Box.Port = 23000
	cfg.Box.Username = "admin"
	cfg.Box.Password = "secret"
	cfg.Box.Relays = 2
	cfg.Commands.RetryDelay = time.Second
	cfg.Reconnect.MaxRetries = 7

	cc := cfg.Controller()
	if got := cc.Session.Address(); got != "10.0.0.9:23000" {
		t.Errorf("Address = %q", got)
	}
	if cc.Session.Password != "secret" {
		t.Error("password not carried over")
	}
	if cc.Relays != 2 || cc.DIOs != 4 {
		t.Errorf("Relays/DIOs = %d/%d", cc.Relays, cc.DIOs)
	}
	if cc.Gateway.RetryDelay != time.Second || cc.Gateway.MaxAttempts != 3 {
		t.Errorf("Gateway = %+v", cc.Gateway)
	}
	if cc.Reconnect.MaxRetries != 7 || cc.Reconnect.Backoff.Max != 300*time.Second {
		t.Errorf("Reconnect = %+v", cc.Reconnect)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestExampleConfig(t *testing.T) {
	t.Setenv(EnvPassword, "secret")

	cfg, err := Load("example.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if cfg.Commands.RetryDelay != 500*time.Millisecond {
		t.Errorf("RetryDelay = %v, want 500ms", cfg.Commands.RetryDelay)
	}
}
