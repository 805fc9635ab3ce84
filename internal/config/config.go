// Package config loads engine configuration from yaml and environment.
package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the full engine configuration.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Server  ServerConfig  `mapstructure:"server"`
	Feed    FeedConfig    `mapstructure:"feed"`
	Queues  QueueConfig   `mapstructure:"queues"`
	Matcher MatcherConfig `mapstructure:"matcher"`
	Chaser  ChaserConfig  `mapstructure:"chaser"`
	Lease   LeaseConfig   `mapstructure:"lease"`
	Ledger  LedgerConfig  `mapstructure:"ledger"`
	Persist PersistConfig `mapstructure:"persist"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type ServerConfig struct {
	MetricsAddr string `mapstructure:"metrics_addr"`
}

type FeedConfig struct {
	URL      string   `mapstructure:"url"`
	Products []string `mapstructure:"products"`
}

type QueueConfig struct {
	TickCapacity int `mapstructure:"tick_capacity"`
	LogCapacity  int `mapstructure:"log_capacity"`
}

type MatcherConfig struct {
	BaseTolerance    float64       `mapstructure:"base_tolerance"`
	RelaxedTolerance float64       `mapstructure:"relaxed_tolerance"`
	MatchWindow      time.Duration `mapstructure:"match_window"`
}

type ChaserConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	MaxSlippage    float64       `mapstructure:"max_slippage"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	RetryOnCancel  bool          `mapstructure:"retry_on_cancel"`
	RetryOnPartial bool          `mapstructure:"retry_on_partial"`
}

type LeaseConfig struct {
	RetryTTL time.Duration `mapstructure:"retry_ttl"`
	ExitTTL  time.Duration `mapstructure:"exit_ttl"`
}

type LedgerConfig struct {
	Retention time.Duration `mapstructure:"retention"`
}

type PersistConfig struct {
	Path           string        `mapstructure:"path"`
	QueueCapacity  int           `mapstructure:"queue_capacity"`
	HighWater      float64       `mapstructure:"high_water"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

// BaseToleranceDecimal returns the base tolerance as a decimal.
func (m MatcherConfig) BaseToleranceDecimal() decimal.Decimal {
	return decimal.NewFromFloat(m.BaseTolerance)
}

// RelaxedToleranceDecimal returns the relaxed tolerance as a decimal.
func (m MatcherConfig) RelaxedToleranceDecimal() decimal.Decimal {
	return decimal.NewFromFloat(m.RelaxedTolerance)
}

// MaxSlippageDecimal returns the slippage bound as a decimal.
func (c ChaserConfig) MaxSlippageDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.MaxSlippage)
}

// Load reads config.yaml (working dir or ./config) plus LOTEXEC_-prefixed
// environment overrides. A missing file is fine; defaults cover everything
// except the feed URL.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("LOTEXEC")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("server.metrics_addr", ":9180")
	v.SetDefault("queues.tick_capacity", 4096)
	v.SetDefault("queues.log_capacity", 1024)
	v.SetDefault("matcher.base_tolerance", 5.0)
	v.SetDefault("matcher.relaxed_tolerance", 15.0)
	v.SetDefault("matcher.match_window", 30*time.Second)
	v.SetDefault("chaser.max_retries", 5)
	v.SetDefault("chaser.max_slippage", 5.0)
	v.SetDefault("chaser.retry_delay", 2*time.Second)
	v.SetDefault("chaser.retry_on_cancel", true)
	v.SetDefault("chaser.retry_on_partial", false)
	v.SetDefault("lease.retry_ttl", 2*time.Second)
	v.SetDefault("lease.exit_ttl", 500*time.Millisecond)
	v.SetDefault("ledger.retention", 10*time.Minute)
	v.SetDefault("persist.path", "lotexec.db")
	v.SetDefault("persist.queue_capacity", 1024)
	v.SetDefault("persist.high_water", 0.8)
	v.SetDefault("persist.health_interval", 5*time.Second)
}

func validate(cfg *Config) error {
	if cfg.Queues.TickCapacity <= 0 {
		return fmt.Errorf("queues.tick_capacity must be positive")
	}
	if cfg.Queues.LogCapacity <= 0 {
		return fmt.Errorf("queues.log_capacity must be positive")
	}
	if cfg.Matcher.BaseTolerance < 0 || cfg.Matcher.RelaxedTolerance < cfg.Matcher.BaseTolerance {
		return fmt.Errorf("matcher tolerances must satisfy 0 <= base <= relaxed")
	}
	if cfg.Matcher.MatchWindow <= 0 {
		return fmt.Errorf("matcher.match_window must be positive")
	}
	if cfg.Chaser.MaxRetries < 0 {
		return fmt.Errorf("chaser.max_retries must not be negative")
	}
	if cfg.Chaser.MaxSlippage < 0 {
		return fmt.Errorf("chaser.max_slippage must not be negative")
	}
	if cfg.Lease.RetryTTL <= 0 || cfg.Lease.ExitTTL <= 0 {
		return fmt.Errorf("lease TTLs must be positive")
	}
	if cfg.Persist.HighWater <= 0 || cfg.Persist.HighWater > 1 {
		return fmt.Errorf("persist.high_water must be in (0, 1]")
	}
	return nil
}
