package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.tgterm/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	Bus       BusConfig       `toml:"bus"`
	Cache     CacheConfig     `toml:"cache"`
	Rates     RateConfig      `toml:"rates"`
	Retry     RetryConfig     `toml:"retry"`
	Reconnect ReconnectConfig `toml:"reconnect"`
}

// BusConfig tunes the domain event bus.
type BusConfig struct {
	// Capacity is the per-subscriber queue depth before drop-oldest kicks in.
	Capacity int `toml:"capacity"`
}

// CacheConfig bounds the sqlite read model.
type CacheConfig struct {
	// MessagesPerChat caps cached messages per chat; oldest evicted first.
	MessagesPerChat int `toml:"messages_per_chat"`
}

// RateConfig holds the outbound token-bucket limits.
type RateConfig struct {
	GlobalPerSec float64 `toml:"global_per_sec"`
	GlobalBurst  int     `toml:"global_burst"`
	ChatPerSec   float64 `toml:"chat_per_sec"`
	ChatBurst    int     `toml:"chat_burst"`
}

// RetryConfig holds the outbound retry policy. Durations are milliseconds.
type RetryConfig struct {
	MaxAttempts         int `toml:"max_attempts"`
	BaseDelayMs         int `toml:"base_delay_ms"`
	MaxDelayMs          int `toml:"max_delay_ms"`
	AttemptTimeoutMs    int `toml:"attempt_timeout_ms"`
	TerminalRetentionMs int `toml:"terminal_retention_ms"`
}

// ReconnectConfig holds the supervisor backoff. Durations are milliseconds.
type ReconnectConfig struct {
	InitialBackoffMs int `toml:"initial_backoff_ms"`
	MaxBackoffMs     int `toml:"max_backoff_ms"`
}

// Default returns a config with every knob at its working default.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Bus:            BusConfig{Capacity: 1024},
		Cache:          CacheConfig{MessagesPerChat: 500},
		Rates: RateConfig{
			GlobalPerSec: 25,
			GlobalBurst:  25,
			ChatPerSec:   1,
			ChatBurst:    3,
		},
		Retry: RetryConfig{
			MaxAttempts:         5,
			BaseDelayMs:         500,
			MaxDelayMs:          30_000,
			AttemptTimeoutMs:    30_000,
			TerminalRetentionMs: 600_000,
		},
		Reconnect: ReconnectConfig{
			InitialBackoffMs: 1_000,
			MaxBackoffMs:     120_000,
		},
	}
}

// Load reads config from the given path, filling unset fields from Default.
// Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	cfg.fillZero()
	return cfg, nil
}

// LoadOrDefault reads config from the given path, falling back to Default
// when the file does not exist.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return Default()
	}
	return cfg
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// fillZero restores defaults for fields an explicit file left at zero, so a
// partial config never turns a limit off by accident.
func (c *Config) fillZero() {
	d := Default()
	if c.DefaultSession == "" {
		c.DefaultSession = d.DefaultSession
	}
	if c.Bus.Capacity <= 0 {
		c.Bus.Capacity = d.Bus.Capacity
	}
	if c.Cache.MessagesPerChat <= 0 {
		c.Cache.MessagesPerChat = d.Cache.MessagesPerChat
	}
	if c.Rates.GlobalPerSec <= 0 {
		c.Rates.GlobalPerSec = d.Rates.GlobalPerSec
	}
	if c.Rates.GlobalBurst <= 0 {
		c.Rates.GlobalBurst = d.Rates.GlobalBurst
	}
	if c.Rates.ChatPerSec <= 0 {
		c.Rates.ChatPerSec = d.Rates.ChatPerSec
	}
	if c.Rates.ChatBurst <= 0 {
		c.Rates.ChatBurst = d.Rates.ChatBurst
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if c.Retry.BaseDelayMs <= 0 {
		c.Retry.BaseDelayMs = d.Retry.BaseDelayMs
	}
	if c.Retry.MaxDelayMs <= 0 {
		c.Retry.MaxDelayMs = d.Retry.MaxDelayMs
	}
	if c.Retry.AttemptTimeoutMs <= 0 {
		c.Retry.AttemptTimeoutMs = d.Retry.AttemptTimeoutMs
	}
	if c.Retry.TerminalRetentionMs <= 0 {
		c.Retry.TerminalRetentionMs = d.Retry.TerminalRetentionMs
	}
	if c.Reconnect.InitialBackoffMs <= 0 {
		c.Reconnect.InitialBackoffMs = d.Reconnect.InitialBackoffMs
	}
	if c.Reconnect.MaxBackoffMs <= 0 {
		c.Reconnect.MaxBackoffMs = d.Reconnect.MaxBackoffMs
	}
}
