package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a string ("5m") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.cherrychat/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	BackendAddr    string `toml:"backend_addr"`
	UserID         string `toml:"user_id"`
	Username       string `toml:"username"`
	Role           string `toml:"role"`

	Queue         QueueConfig         `toml:"queue"`
	Cache         CacheConfig         `toml:"cache"`
	Typing        TypingConfig        `toml:"typing"`
	Conversations ConversationsConfig `toml:"conversations"`
	Realtime      RealtimeConfig      `toml:"realtime"`
	Metrics       MetricsConfig       `toml:"metrics"`
}

type QueueConfig struct {
	MaxRetries int `toml:"max_retries"`
}

// CacheConfig sizes the layered cache. Durable is one of "sqlite", "redis"
// or "none".
type CacheConfig struct {
	MaxMemorySize    int      `toml:"max_memory_size"`
	DefaultTTL       Duration `toml:"default_ttl"`
	MessagesTTL      Duration `toml:"messages_ttl"`
	ConversationsTTL Duration `toml:"conversations_ttl"`
	UsersTTL         Duration `toml:"users_ttl"`
	SweepInterval    Duration `toml:"sweep_interval"`
	Durable          string   `toml:"durable"`
	RedisURL         string   `toml:"redis_url"`
}

type TypingConfig struct {
	AutoHide    Duration `toml:"auto_hide"`
	IdleTimeout Duration `toml:"idle_timeout"`
}

type ConversationsConfig struct {
	PageSize int `toml:"page_size"`
}

type RealtimeConfig struct {
	SubscribeTimeout Duration `toml:"subscribe_timeout"`
}

type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		BackendAddr:    "127.0.0.1:7420",
		Role:           "user",
		Queue:          QueueConfig{MaxRetries: 3},
		Cache: CacheConfig{
			MaxMemorySize:    100,
			DefaultTTL:       Duration{5 * time.Minute},
			MessagesTTL:      Duration{10 * time.Minute},
			ConversationsTTL: Duration{5 * time.Minute},
			UsersTTL:         Duration{30 * time.Minute},
			SweepInterval:    Duration{5 * time.Minute},
			Durable:          "sqlite",
		},
		Typing: TypingConfig{
			AutoHide:    Duration{5 * time.Second},
			IdleTimeout: Duration{3 * time.Second},
		},
		Conversations: ConversationsConfig{PageSize: 20},
		Realtime:      RealtimeConfig{SubscribeTimeout: Duration{10 * time.Second}},
	}
}

// Load reads config from the given path on top of Default. Returns an error
// if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate rejects values the client stack cannot run with.
func (c *Config) Validate() error {
	switch c.Role {
	case "user", "admin":
	default:
		return fmt.Errorf("invalid role %q: must be user or admin", c.Role)
	}
	switch c.Cache.Durable {
	case "sqlite", "none":
	case "redis":
		if c.Cache.RedisURL == "" {
			return errors.New("cache.durable is redis but cache.redis_url is empty")
		}
	default:
		return fmt.Errorf("invalid cache.durable %q: must be sqlite, redis or none", c.Cache.Durable)
	}
	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("queue.max_retries must be at least 1, got %d", c.Queue.MaxRetries)
	}
	if c.Cache.MaxMemorySize < 1 {
		return fmt.Errorf("cache.max_memory_size must be at least 1, got %d", c.Cache.MaxMemorySize)
	}
	return nil
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
