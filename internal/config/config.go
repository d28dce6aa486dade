package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all settings for the ledger service. Values are loaded from
// environment variables, with an optional .env file for development.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`

	// StoreDriver selects the ledger store backend: "postgres" or "sqlite".
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`

	RedisAddr string `mapstructure:"REDIS_ADDR"`

	RabbitMQURL string `mapstructure:"RABBITMQ_URL"`
	IngestQueue string `mapstructure:"INGEST_QUEUE"`

	SyncIntervalSeconds int `mapstructure:"SYNC_INTERVAL_SECONDS"`
	LockTimeoutMillis   int `mapstructure:"LOCK_TIMEOUT_MS"`

	RateLimitPerMinute int `mapstructure:"RATE_LIMIT_PER_MINUTE"`
}

// Load reads configuration from environment variables, consulting an
// optional .env file in path when one exists.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName(".env")
	v.SetConfigType("env")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("STORE_DRIVER", "sqlite")
	v.SetDefault("SQLITE_PATH", "ledger.db")
	v.SetDefault("INGEST_QUEUE", "bankledger.notifications")
	v.SetDefault("SYNC_INTERVAL_SECONDS", 300)
	v.SetDefault("LOCK_TIMEOUT_MS", 5000)
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 120)

	for _, key := range []string{
		"SERVER_PORT", "STORE_DRIVER", "DATABASE_URL", "SQLITE_PATH",
		"REDIS_ADDR", "RABBITMQ_URL", "INGEST_QUEUE",
		"SYNC_INTERVAL_SECONDS", "LOCK_TIMEOUT_MS", "RATE_LIMIT_PER_MINUTE",
	} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing .env file is fine; environment variables carry the load.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORE_DRIVER is postgres")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required when STORE_DRIVER is sqlite")
		}
	default:
		return errors.New("STORE_DRIVER must be postgres or sqlite, got " + c.StoreDriver)
	}

	if c.SyncIntervalSeconds <= 0 {
		return errors.New("SYNC_INTERVAL_SECONDS must be positive")
	}
	if c.LockTimeoutMillis <= 0 {
		return errors.New("LOCK_TIMEOUT_MS must be positive")
	}
	return nil
}

// SyncInterval returns the periodic sync cadence.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

// LockTimeout returns the per-account lock acquisition bound.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMillis) * time.Millisecond
}
