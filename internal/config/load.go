package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. CLAWSYNC_REMOTE_URL.
const EnvPrefix = "CLAWSYNC"

// DefaultPath returns the default config file path: ~/.clawsync/config.toml
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".clawsync", "config.toml"), nil
}

// Load reads configuration from the TOML file at path, layered over Default()
// and under CLAWSYNC_* environment variables. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that the
// file does not mention.
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("server.bind", cfg.Server.Bind)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("database.path", cfg.Database.Path)
	v.SetDefault("remote.url", cfg.Remote.URL)
	v.SetDefault("remote.timeout", cfg.Remote.Timeout)
	v.SetDefault("remote.token_secret", cfg.Remote.TokenSecret)
	v.SetDefault("remote.device_id", cfg.Remote.DeviceID)
	v.SetDefault("sync.interval", cfg.Sync.Interval)
	v.SetDefault("sync.grace", cfg.Sync.Grace)
	v.SetDefault("sync.probe_interval", cfg.Sync.ProbeInterval)
	v.SetDefault("sync.backoff_base_ms", cfg.Sync.BackoffBaseMS)
	v.SetDefault("sync.backoff_cap_ms", cfg.Sync.BackoffCapMS)
	v.SetDefault("sync.max_attempts", cfg.Sync.MaxAttempts)
	v.SetDefault("sync.storage_retries", cfg.Sync.StorageRetries)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("authority.bind", cfg.Authority.Bind)
	v.SetDefault("authority.port", cfg.Authority.Port)
	v.SetDefault("authority.token_secret", cfg.Authority.TokenSecret)
	v.SetDefault("authority.claw_limit", cfg.Authority.ClawLimit)
}
