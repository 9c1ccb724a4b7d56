// Package config loads the rio-controller daemon configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rmg-rio/rio-go/pkg/connection"
	"github.com/rmg-rio/rio-go/pkg/service"
	"github.com/rmg-rio/rio-go/pkg/transport"
)

// Environment variables overriding the file.
const (
	EnvPassword = "RIO_PASSWORD"
	EnvHost     = "RIO_HOST"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid config")

// Config is the daemon configuration file.
type Config struct {
	Box       BoxConfig       `yaml:"box"`
	Health    HealthConfig    `yaml:"health"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Commands  CommandConfig   `yaml:"commands"`
	API       APIConfig       `yaml:"api"`
	Log       LogConfig       `yaml:"log"`
}

// BoxConfig addresses and authenticates the box.
type BoxConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	Username         string        `yaml:"username"`
	Password         string        `yaml:"password"`
	Relays           int           `yaml:"relays"`
	DIOs             int           `yaml:"dios"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	Freshness        time.Duration `yaml:"freshness"`
}

// HealthConfig configures the probe loop.
type HealthConfig struct {
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

// ReconnectConfig configures the backoff.
type ReconnectConfig struct {
	connection.BackoffConfig `yaml:",inline"`

	MaxRetries int `yaml:"max_retries"`
}

// CommandConfig configures command retries.
type CommandConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LogConfig configures logging and protocol capture.
type LogConfig struct {
	Level   string `yaml:"level"`
	Capture string `yaml:"capture"`
}

func defaultConfig() *Config {
	return &Config{
		Box: BoxConfig{
			Port:             transport.DefaultPort,
			Relays:           service.DefaultRelayCount,
			DIOs:             service.DefaultDIOCount,
			ConnectTimeout:   transport.DefaultConnectTimeout,
			HandshakeTimeout: transport.DefaultHandshakeTimeout,
		},
		Health: HealthConfig{
			ProbeInterval: transport.DefaultProbeInterval,
		},
		Reconnect: ReconnectConfig{
			BackoffConfig: connection.DefaultBackoffConfig(),
		},
		Commands: CommandConfig{
			MaxAttempts: service.DefaultMaxAttempts,
			RetryDelay:  service.DefaultRetryDelay,
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8080",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := defaultConfig()
	cfg.applyEnv()
	return cfg
}

// Load reads path, applies defaults for missing keys and environment
// overrides. The result is not validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvPassword); v != "" {
		c.Box.Password = v
	}
	if v := os.Getenv(EnvHost); v != "" {
		c.Box.Host = v
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := c.Controller().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Health.ProbeInterval < time.Second {
		return fmt.Errorf("%w: probe_interval must be at least 1s", ErrInvalid)
	}
	if c.Reconnect.Initial <= 0 || c.Reconnect.Max < c.Reconnect.Initial {
		return fmt.Errorf("%w: reconnect initial must be positive and not above max", ErrInvalid)
	}
	if c.Commands.MaxAttempts < 1 {
		return fmt.Errorf("%w: max_attempts must be at least 1", ErrInvalid)
	}
	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("%w: api listen address is required", ErrInvalid)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Controller converts the file into a controller configuration. Loggers and
// the metrics recorder are left for the caller to set.
func (c *Config) Controller() service.ControllerConfig {
	cfg := service.DefaultControllerConfig()

	cfg.Session.Host = c.Box.Host
	cfg.Session.Port = c.Box.Port
	cfg.Session.Username = c.Box.Username
	cfg.Session.Password = c.Box.Password
	cfg.Session.ConnectTimeout = c.Box.ConnectTimeout
	cfg.Session.HandshakeTimeout = c.Box.HandshakeTimeout

	cfg.Health.ProbeInterval = c.Health.ProbeInterval

	cfg.Reconnect.Backoff = c.Reconnect.BackoffConfig
	cfg.Reconnect.MaxRetries = c.Reconnect.MaxRetries

	cfg.Gateway.MaxAttempts = c.Commands.MaxAttempts
	cfg.Gateway.RetryDelay = c.Commands.RetryDelay

	cfg.Relays = c.Box.Relays
	cfg.DIOs = c.Box.DIOs
	cfg.Freshness = c.Box.Freshness
	return cfg
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}
