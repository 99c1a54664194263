// Package config loads engine configuration from an optional YAML file and
// UPDOWN_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"gopkg.in/validator.v2"
)

// Config stores all configuration for the engine.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Oracle     OracleConfig     `mapstructure:"oracle"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Pool       PoolConfig       `mapstructure:"pool"`
	Demo       DemoConfig       `mapstructure:"demo"`
	Stake      StakeConfig      `mapstructure:"stake"`
	Events     EventsConfig     `mapstructure:"events"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port" validate:"nonzero"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects PostgreSQL when URL is set; otherwise the engine
// runs on the in-memory store.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// RedisConfig enables the read-through cache when URL is set.
type RedisConfig struct {
	URL string        `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
}

// KafkaConfig enables the Kafka event sink when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type OracleConfig struct {
	StreamURL     string        `mapstructure:"stream_url"`
	PriceField    string        `mapstructure:"price_field"`
	ChainID       string        `mapstructure:"chain_id"`
	FallbackPrice string        `mapstructure:"fallback_price"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
}

type SettlementConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	BatchSize        int           `mapstructure:"batch_size" validate:"min=1"`
	Workers          int           `mapstructure:"workers" validate:"min=1"`
	PayoutMultiplier string        `mapstructure:"payout_multiplier" validate:"nonzero"`
	MaxAttempts      int           `mapstructure:"max_attempts" validate:"min=0"`
	RetryBase        time.Duration `mapstructure:"retry_base"`
	RetryMax         time.Duration `mapstructure:"retry_max"`
	TxAttempts       int           `mapstructure:"tx_attempts" validate:"min=1"`
	SampleRounds     bool          `mapstructure:"sample_rounds"`
}

type PoolConfig struct {
	Window time.Duration `mapstructure:"window"`
}

type DemoConfig struct {
	Ceiling    string `mapstructure:"ceiling" validate:"nonzero"`
	CapPayouts bool   `mapstructure:"cap_payouts"`
}

type StakeConfig struct {
	MaxHorizon time.Duration `mapstructure:"max_horizon"`
}

type EventsConfig struct {
	Workers int `mapstructure:"workers" validate:"min=1"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" validate:"regexp=^(debug|info|warn|error)$"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.migrate", true)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.ttl", 30*time.Second)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "updown.events")

	v.SetDefault("oracle.stream_url", "")
	v.SetDefault("oracle.price_field", "c")
	v.SetDefault("oracle.chain_id", "")
	v.SetDefault("oracle.fallback_price", "")
	v.SetDefault("oracle.stale_after", 30*time.Second)

	v.SetDefault("settlement.interval", 5*time.Second)
	v.SetDefault("settlement.batch_size", 500)
	v.SetDefault("settlement.workers", 16)
	v.SetDefault("settlement.payout_multiplier", "1.8")
	v.SetDefault("settlement.max_attempts", 20)
	v.SetDefault("settlement.retry_base", 5*time.Second)
	v.SetDefault("settlement.retry_max", 5*time.Minute)
	v.SetDefault("settlement.tx_attempts", 5)
	v.SetDefault("settlement.sample_rounds", true)

	v.SetDefault("pool.window", time.Minute)

	v.SetDefault("demo.ceiling", "1000")
	v.SetDefault("demo.cap_payouts", true)

	v.SetDefault("stake.max_horizon", 24*time.Hour)

	v.SetDefault("events.workers", 64)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)
}

// Load reads config.yaml from path (if present) and applies UPDOWN_*
// environment overrides, e.g. UPDOWN_DATABASE_URL for database.url.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.SetEnvPrefix("updown")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the decimal settings.
func (c *Config) Validate() error {
	if err := validator.Validate(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if m, err := decimal.NewFromString(c.Settlement.PayoutMultiplier); err != nil || !m.IsPositive() {
		return fmt.Errorf("config: settlement.payout_multiplier %q must be a positive decimal", c.Settlement.PayoutMultiplier)
	}
	if ceil, err := decimal.NewFromString(c.Demo.Ceiling); err != nil || !ceil.IsPositive() {
		return fmt.Errorf("config: demo.ceiling %q must be a positive decimal", c.Demo.Ceiling)
	}
	if c.Oracle.FallbackPrice != "" {
		if _, err := decimal.NewFromString(c.Oracle.FallbackPrice); err != nil {
			return fmt.Errorf("config: oracle.fallback_price: %w", err)
		}
	}
	if c.Settlement.Interval <= 0 {
		return errors.New("config: settlement.interval must be positive")
	}
	return nil
}

// PayoutMultiplier returns settlement.payout_multiplier. Validate has
// already checked it parses.
func (c *Config) PayoutMultiplier() decimal.Decimal {
	return decimal.RequireFromString(c.Settlement.PayoutMultiplier)
}

// DemoCeiling returns demo.ceiling.
func (c *Config) DemoCeiling() decimal.Decimal {
	return decimal.RequireFromString(c.Demo.Ceiling)
}

// FallbackPrice returns oracle.fallback_price, or zero when unset.
func (c *Config) FallbackPrice() decimal.Decimal {
	if c.Oracle.FallbackPrice == "" {
		return decimal.Zero
	}
	return decimal.RequireFromString(c.Oracle.FallbackPrice)
}
