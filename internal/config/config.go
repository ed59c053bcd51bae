package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the engine configuration file (config.toml).
type Config struct {
	Server   Server   `toml:"server"`
	Engine   Engine   `toml:"engine"`
	Retry    Retry    `toml:"retry"`
	Presence Presence `toml:"presence"`
	Channel  Channel  `toml:"channel"`
}

// Server describes the HTTP gateway listen address.
type Server struct {
	Addr string `toml:"addr"`
}

// Engine holds identity and data paths.
type Engine struct {
	SelfID  string `toml:"self_id"`
	DataDir string `toml:"data_dir"`
}

// Retry tunes the outbound queue. Durations are in milliseconds.
type Retry struct {
	BaseMS         int64 `toml:"base_ms"`
	MaxMS          int64 `toml:"max_ms"`
	MaxAttempts    int   `toml:"max_attempts"`
	AttemptTimeout int64 `toml:"attempt_timeout_ms"`
	SweepMS        int64 `toml:"sweep_ms"`
}

// Presence tunes typing/presence TTLs and the outbound typing debounce.
type Presence struct {
	TypingTTLMS    int64 `toml:"typing_ttl_ms"`
	TypingDebounce int64 `toml:"typing_debounce_ms"`
	PresenceTTLMS  int64 `toml:"presence_ttl_ms"`
	SweepMS        int64 `toml:"sweep_ms"`
}

// Channel tunes the realtime channel manager.
type Channel struct {
	MaxActive      int   `toml:"max_active"`
	PageSize       int   `toml:"page_size"`
	ReconnectMinMS int64 `toml:"reconnect_min_ms"`
	ReconnectMaxMS int64 `toml:"reconnect_max_ms"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Server: Server{Addr: "127.0.0.1:8370"},
		Engine: Engine{
			SelfID:  "",
			DataDir: filepath.Join(home, ".chatsync"),
		},
		Retry: Retry{
			BaseMS:         1000,
			MaxMS:          60000,
			MaxAttempts:    6,
			AttemptTimeout: 10000,
			SweepMS:        500,
		},
		Presence: Presence{
			TypingTTLMS:    5000,
			TypingDebounce: 2000,
			PresenceTTLMS:  30000,
			SweepMS:        1000,
		},
		Channel: Channel{
			MaxActive:      8,
			PageSize:       50,
			ReconnectMinMS: 1000,
			ReconnectMaxMS: 30000,
		},
	}
}

// Load reads config from the given path, filling unset fields with defaults.
// Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
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

// Duration helpers, so callers never multiply milliseconds themselves.

func (r Retry) Base() time.Duration           { return time.Duration(r.BaseMS) * time.Millisecond }
func (r Retry) Max() time.Duration            { return time.Duration(r.MaxMS) * time.Millisecond }
func (r Retry) Timeout() time.Duration        { return time.Duration(r.AttemptTimeout) * time.Millisecond }
func (r Retry) Sweep() time.Duration          { return time.Duration(r.SweepMS) * time.Millisecond }
func (p Presence) TypingTTL() time.Duration   { return time.Duration(p.TypingTTLMS) * time.Millisecond }
func (p Presence) Debounce() time.Duration    { return time.Duration(p.TypingDebounce) * time.Millisecond }
func (p Presence) PresenceTTL() time.Duration { return time.Duration(p.PresenceTTLMS) * time.Millisecond }
func (p Presence) Sweep() time.Duration       { return time.Duration(p.SweepMS) * time.Millisecond }
func (c Channel) ReconnectMin() time.Duration { return time.Duration(c.ReconnectMinMS) * time.Millisecond }
func (c Channel) ReconnectMax() time.Duration { return time.Duration(c.ReconnectMaxMS) * time.Millisecond }
