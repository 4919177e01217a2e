package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"rate-cache/internal/logging"
	"rate-cache/internal/rates"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Query     QueryConfig     `mapstructure:"query"`
	API       APIConfig       `mapstructure:"api"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig selects where snapshots are saved across restarts.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	SaveTimeout     time.Duration `mapstructure:"save_timeout"`
}

// SchedulerConfig governs heartbeat cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToInterval bool          `mapstructure:"align_to_interval"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// FetchConfig shapes the calls to the price API.
type FetchConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	Product          string        `mapstructure:"product"`
	Granularity      time.Duration `mapstructure:"granularity"`
	RateLimitFactor  uint64        `mapstructure:"rate_limit_factor"`
	PointsPerCall    uint64        `mapstructure:"points_per_call"`
	MaxResponseBytes uint64        `mapstructure:"max_response_bytes"`
	History          time.Duration `mapstructure:"history"`
	Replicas         int           `mapstructure:"replicas"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	UserAgent        string        `mapstructure:"user_agent"`
}

// QueryConfig bounds query responses.
type QueryConfig struct {
	MaxPoints uint64 `mapstructure:"max_points"`
}

// APIConfig configures the HTTP query surface.
type APIConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Listen          string        `mapstructure:"listen"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RATECACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "ratecache")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.save_timeout", "30s")

	v.SetDefault("scheduler.interval", "1s")
	v.SetDefault("scheduler.align_to_interval", false)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0))

	v.SetDefault("fetch.base_url", "https://api.exchange.coinbase.com")
	v.SetDefault("fetch.product", "ICP-USD")
	v.SetDefault("fetch.granularity", "60s")
	v.SetDefault("fetch.rate_limit_factor", rates.DefaultRateLimitFactor)
	v.SetDefault("fetch.points_per_call", rates.DefaultPointsPerCall)
	v.SetDefault("fetch.max_response_bytes", 0)
	v.SetDefault("fetch.history", "24h")
	v.SetDefault("fetch.replicas", 1)
	v.SetDefault("fetch.request_timeout", "10s")
	v.SetDefault("fetch.user_agent", "ratecache/1.0")

	v.SetDefault("query.max_points", rates.DefaultMaxQueryPoints)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.shutdown_timeout", "5s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Fetch.Granularity < time.Second || c.Fetch.Granularity%time.Second != 0 {
		return fmt.Errorf("fetch.granularity must be a whole number of seconds")
	}
	if c.Fetch.RateLimitFactor == 0 {
		return fmt.Errorf("fetch.rate_limit_factor must be greater than zero")
	}
	if c.Fetch.PointsPerCall == 0 || c.Fetch.PointsPerCall > rates.MaxPointsPerCall {
		return fmt.Errorf("fetch.points_per_call must be between 1 and %d", rates.MaxPointsPerCall)
	}
	if c.Fetch.History < c.Fetch.Granularity {
		return fmt.Errorf("fetch.history must cover at least one granularity")
	}
	if c.Fetch.Replicas <= 0 {
		return fmt.Errorf("fetch.replicas must be greater than zero")
	}
	if c.Query.MaxPoints == 0 {
		return fmt.Errorf("query.max_points must be greater than zero")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver 必须为 postgres 或 sqlite, 实际 %q", c.Database.Driver)
	}
	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api.listen 必须配置")
	}
	return nil
}

// GranularitySeconds is the fetch granularity in whole seconds.
func (c *Config) GranularitySeconds() uint64 {
	return uint64(c.Fetch.Granularity / time.Second)
}

// ResolveMaxResponseBytes returns the configured limit or the one derived
// from the points per call.
func (c *Config) ResolveMaxResponseBytes() uint64 {
	if c.Fetch.MaxResponseBytes > 0 {
		return c.Fetch.MaxResponseBytes
	}
	return rates.MaxResponseBytes(c.Fetch.PointsPerCall)
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) uint64 {
	if override > 0 {
		return uint64(override)
	}
	return c.Query.MaxPoints
}
