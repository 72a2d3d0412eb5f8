package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	koanftoml "github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// CONVO_BACKEND_BASE_URL sets backend.base_url.
const EnvPrefix = "CONVO_"

// Config represents the global ~/.convo/config.toml merged with defaults and
// environment overrides.
type Config struct {
	DefaultSession string   `koanf:"default_session"`
	HistoryLimit   int      `koanf:"history_limit"`
	Backend        Backend  `koanf:"backend"`
	Channel        Channel  `koanf:"channel"`
	Typing         Typing   `koanf:"typing"`
	Presence       Presence `koanf:"presence"`
}

// Backend locates the marketplace REST API and real-time endpoint.
type Backend struct {
	BaseURL string `koanf:"base_url"`
	WSURL   string `koanf:"ws_url"`
}

// Channel tunes the real-time connection.
type Channel struct {
	BackoffInitial time.Duration `koanf:"backoff_initial"`
	BackoffMax     time.Duration `koanf:"backoff_max"`
	PingInterval   time.Duration `koanf:"ping_interval"`
	ReconcileAfter time.Duration `koanf:"reconcile_after"`
}

// Typing tunes typing indicators.
type Typing struct {
	Expiry   time.Duration `koanf:"expiry"`
	Throttle time.Duration `koanf:"throttle"`
}

// Presence tunes the recently-online heuristic.
type Presence struct {
	RecentWindow time.Duration `koanf:"recent_window"`
}

func defaults() map[string]any {
	return map[string]any{
		"history_limit":           50,
		"backend.base_url":        "http://127.0.0.1:8090/api",
		"backend.ws_url":          "ws://127.0.0.1:8090/ws",
		"channel.backoff_initial": time.Second,
		"channel.backoff_max":     30 * time.Second,
		"channel.ping_interval":   25 * time.Second,
		"channel.reconcile_after": 10 * time.Second,
		"typing.expiry":           3 * time.Second,
		"typing.throttle":         2 * time.Second,
		"presence.recent_window":  5 * time.Minute,
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, _ := load("", nil)
	return cfg
}

// Load reads config from the given path layered over defaults and CONVO_*
// environment variables. A missing file is not an error.
func Load(path string) (*Config, error) {
	return load(path, os.Environ)
}

func load(path string, environ func() []string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), koanftoml.Parser()); err != nil {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
	}

	if environ != nil {
		if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
			return nil, fmt.Errorf("load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// envKey maps CONVO_BACKEND_BASE_URL to backend.base_url. Only the first
// underscore after a known section separates the section from the key.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for _, section := range []string{"backend", "channel", "typing", "presence"} {
		if rest, ok := strings.CutPrefix(key, section+"_"); ok {
			return section + "." + rest
		}
	}
	return key
}

// Validate checks values the daemon cannot run without.
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return errors.New("backend.base_url is required")
	}
	if c.Backend.WSURL == "" {
		return errors.New("backend.ws_url is required")
	}
	if c.Channel.BackoffInitial <= 0 || c.Channel.BackoffMax < c.Channel.BackoffInitial {
		return fmt.Errorf("channel backoff must satisfy 0 < initial (%s) <= max (%s)", c.Channel.BackoffInitial, c.Channel.BackoffMax)
	}
	if c.Typing.Expiry <= 0 {
		return errors.New("typing.expiry must be positive")
	}
	return nil
}

// File is the user-editable subset written back by Save.
type File struct {
	DefaultSession string      `toml:"default_session,omitempty"`
	Backend        FileBackend `toml:"backend"`
}

// FileBackend is the [backend] table of File.
type FileBackend struct {
	BaseURL string `toml:"base_url,omitempty"`
	WSURL   string `toml:"ws_url,omitempty"`
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, f *File) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(out).Encode(f)
	if closeErr := out.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
