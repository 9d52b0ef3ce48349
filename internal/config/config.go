// Package config defines all configuration for the trading platform worker.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via FX_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Broker    BrokerConfig    `mapstructure:"broker"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Lock      LockConfig      `mapstructure:"lock"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Backtest  BacktestConfig  `mapstructure:"backtest"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// BrokerConfig holds the OANDA v20 endpoints and the per-worker default
// token. Per-account tokens stored on BrokerAccount rows take precedence.
type BrokerConfig struct {
	RESTBaseURL   string        `mapstructure:"rest_base_url"`
	StreamBaseURL string        `mapstructure:"stream_base_url"`
	APIToken      string        `mapstructure:"api_token"`
	Timeout       time.Duration `mapstructure:"timeout"` // per-call poll timeout, default 10s
}

// DatabaseConfig is the postgres DSN for the relational store.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig is the key-value store holding task locks and pub/sub channels.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LockConfig tunes the distributed task lock manager.
//
//   - TTL: lifetime of lock/heartbeat/cancel keys.
//   - HeartbeatInterval: refresh cadence; must be shorter than TTL.
//   - StaleThreshold: heartbeat age beyond which the sweeper reaps a lock.
//   - SweepInterval: how often the sweeper scans for stale locks.
type LockConfig struct {
	TTL               time.Duration `mapstructure:"ttl_seconds"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval_seconds"`
	StaleThreshold    time.Duration `mapstructure:"stale_threshold_seconds"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval_seconds"`
}

// StreamConfig tunes the broker transaction stream consumer.
type StreamConfig struct {
	MaxReconnectAttempts int             `mapstructure:"max_reconnect_attempts"`
	BackoffIntervals     []time.Duration `mapstructure:"backoff_intervals"`
}

// ReconcileConfig tunes the periodic order/position reconciler.
type ReconcileConfig struct {
	Interval time.Duration `mapstructure:"interval_seconds"`
}

// BacktestConfig bounds backtest memory use.
//
//   - MemoryLimit: ceiling on retained ticks; the engine downsamples the
//     equity curve rather than exceed it.
//   - EquitySampleEvery: fixed-interval equity curve sampling density.
type BacktestConfig struct {
	MemoryLimit       int `mapstructure:"memory_limit"`
	EquitySampleEvery int `mapstructure:"equity_sample_every"`
}

// RealtimeConfig tunes the WebSocket fan-out layer.
type RealtimeConfig struct {
	Port          int           `mapstructure:"port"`
	JWTSecret     string        `mapstructure:"jwt_secret"`
	BatchSize     int           `mapstructure:"ws_batch_size"`
	BatchInterval time.Duration `mapstructure:"ws_batch_interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: FX_API_TOKEN, FX_DATABASE_DSN,
// FX_REDIS_PASSWORD, FX_JWT_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("FX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if tok := os.Getenv("FX_API_TOKEN"); tok != "" {
		cfg.Broker.APIToken = tok
	}
	if dsn := os.Getenv("FX_DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if pass := os.Getenv("FX_REDIS_PASSWORD"); pass != "" {
		cfg.Redis.Password = pass
	}
	if secret := os.Getenv("FX_JWT_SECRET"); secret != "" {
		cfg.Realtime.JWTSecret = secret
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.timeout", 10*time.Second)
	v.SetDefault("lock.ttl_seconds", 300*time.Second)
	v.SetDefault("lock.heartbeat_interval_seconds", 30*time.Second)
	v.SetDefault("lock.stale_threshold_seconds", 300*time.Second)
	v.SetDefault("lock.sweep_interval_seconds", 60*time.Second)
	v.SetDefault("stream.max_reconnect_attempts", 5)
	v.SetDefault("stream.backoff_intervals", []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	})
	v.SetDefault("reconcile.interval_seconds", 300*time.Second)
	v.SetDefault("backtest.memory_limit", 10000)
	v.SetDefault("backtest.equity_sample_every", 100)
	v.SetDefault("realtime.ws_batch_size", 10)
	v.SetDefault("realtime.ws_batch_interval", 100*time.Millisecond)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Broker.RESTBaseURL == "" {
		return fmt.Errorf("broker.rest_base_url is required")
	}
	if c.Broker.StreamBaseURL == "" {
		return fmt.Errorf("broker.stream_base_url is required")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required (set FX_DATABASE_DSN)")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Lock.HeartbeatInterval >= c.Lock.TTL {
		return fmt.Errorf("lock.heartbeat_interval_seconds must be < lock.ttl_seconds")
	}
	if c.Stream.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("stream.max_reconnect_attempts must be > 0")
	}
	if len(c.Stream.BackoffIntervals) == 0 {
		return fmt.Errorf("stream.backoff_intervals must not be empty")
	}
	if c.Realtime.BatchSize < 1 || c.Realtime.BatchSize > 100 {
		return fmt.Errorf("realtime.ws_batch_size must be in [1,100]")
	}
	if c.Realtime.BatchInterval < 10*time.Millisecond || c.Realtime.BatchInterval > time.Second {
		return fmt.Errorf("realtime.ws_batch_interval must be in [10ms,1s]")
	}
	if c.Backtest.MemoryLimit <= 0 {
		return fmt.Errorf("backtest.memory_limit must be > 0")
	}
	return nil
}
