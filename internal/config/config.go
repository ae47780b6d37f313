package config

import (
	"fmt"
	"time"
)

// Config holds all clawsync configuration.
type Config struct {
	Server    ServerConfig    `toml:"server" mapstructure:"server"`
	Database  DatabaseConfig  `toml:"database" mapstructure:"database"`
	Remote    RemoteConfig    `toml:"remote" mapstructure:"remote"`
	Sync      SyncConfig      `toml:"sync" mapstructure:"sync"`
	Log       LogConfig       `toml:"log" mapstructure:"log"`
	Authority AuthorityConfig `toml:"authority" mapstructure:"authority"`
}

// ServerConfig is the local API the UI talks to.
type ServerConfig struct {
	Bind string `toml:"bind" mapstructure:"bind"`
	Port int    `toml:"port" mapstructure:"port"`
}

type DatabaseConfig struct {
	Path string `toml:"path" mapstructure:"path"`
}

// RemoteConfig points the engine at the remote authority.
type RemoteConfig struct {
	URL         string `toml:"url" mapstructure:"url"`
	Timeout     int    `toml:"timeout" mapstructure:"timeout"` // seconds, per dispatch
	TokenSecret string `toml:"token_secret" mapstructure:"token_secret"`
	DeviceID    string `toml:"device_id" mapstructure:"device_id"` // JWT subject; generated when empty
}

type SyncConfig struct {
	Interval       int `toml:"interval" mapstructure:"interval"`               // seconds between scheduler ticks
	Grace          int `toml:"grace" mapstructure:"grace"`                     // seconds in background before ticking stops
	ProbeInterval  int `toml:"probe_interval" mapstructure:"probe_interval"`   // seconds between connectivity probes
	BackoffBaseMS  int `toml:"backoff_base_ms" mapstructure:"backoff_base_ms"` // first retry delay
	BackoffCapMS   int `toml:"backoff_cap_ms" mapstructure:"backoff_cap_ms"`
	MaxAttempts    int `toml:"max_attempts" mapstructure:"max_attempts"`
	StorageRetries int `toml:"storage_retries" mapstructure:"storage_retries"`
}

type LogConfig struct {
	Level  string `toml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `toml:"format" mapstructure:"format"` // "json" or "console"
}

// AuthorityConfig configures the development remote authority.
type AuthorityConfig struct {
	Bind        string `toml:"bind" mapstructure:"bind"`
	Port        int    `toml:"port" mapstructure:"port"`
	TokenSecret string `toml:"token_secret" mapstructure:"token_secret"`
	ClawLimit   int    `toml:"claw_limit" mapstructure:"claw_limit"` // active claws per actor, -1 = unlimited
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37780,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Remote: RemoteConfig{
			URL:         "http://127.0.0.1:37781",
			Timeout:     15,
			TokenSecret: "dev-secret",
		},
		Sync: SyncConfig{
			Interval:       5,
			Grace:          30,
			ProbeInterval:  10,
			BackoffBaseMS:  1000,
			BackoffCapMS:   60000,
			MaxAttempts:    8,
			StorageRetries: 3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Authority: AuthorityConfig{
			Bind:        "127.0.0.1",
			Port:        37781,
			TokenSecret: "dev-secret",
			ClawLimit:   50,
		},
	}
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// AuthorityAddr returns the bind:port address of the dev authority.
func (c *Config) AuthorityAddr() string {
	return fmt.Sprintf("%s:%d", c.Authority.Bind, c.Authority.Port)
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Remote.URL == "" {
		return fmt.Errorf("remote.url is required")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive, got %d", c.Sync.Interval)
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("sync.max_attempts must be positive, got %d", c.Sync.MaxAttempts)
	}
	if c.Sync.BackoffBaseMS <= 0 || c.Sync.BackoffCapMS < c.Sync.BackoffBaseMS {
		return fmt.Errorf("sync backoff: base %dms, cap %dms", c.Sync.BackoffBaseMS, c.Sync.BackoffCapMS)
	}
	if c.Sync.StorageRetries < 0 {
		return fmt.Errorf("sync.storage_retries must not be negative")
	}
	return nil
}

func (s SyncConfig) IntervalDuration() time.Duration { return time.Duration(s.Interval) * time.Second }
func (s SyncConfig) GraceDuration() time.Duration    { return time.Duration(s.Grace) * time.Second }
func (s SyncConfig) ProbeDuration() time.Duration    { return time.Duration(s.ProbeInterval) * time.Second }
func (s SyncConfig) BackoffBase() time.Duration      { return time.Duration(s.BackoffBaseMS) * time.Millisecond }
func (s SyncConfig) BackoffCap() time.Duration       { return time.Duration(s.BackoffCapMS) * time.Millisecond }

func (r RemoteConfig) TimeoutDuration() time.Duration { return time.Duration(r.Timeout) * time.Second }
