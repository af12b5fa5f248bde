// Package config loads the dashboard configuration from the environment.
package config

import (
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goliatone/go-query-cache/backend"
	"github.com/goliatone/go-query-cache/cache"
	"github.com/goliatone/go-query-cache/query"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every variable, e.g. DASHBOARD_SERVER_ADDR.
const Prefix = "DASHBOARD"

// Config holds all process configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Query    QueryConfig
	Scope    ScopeCacheConfig
	Log      LogConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `envconfig:"ADDR" default:":8080"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"20s"`
	AllowedOrigins  []string      `envconfig:"ALLOWED_ORIGINS" default:"*"`
	// SessionIdle is how long an unused session client is kept.
	SessionIdle time.Duration `envconfig:"SESSION_IDLE" default:"30m"`
}

// DatabaseConfig selects the backend store.
type DatabaseConfig struct {
	Driver string `envconfig:"DRIVER" default:"sqlite"`
	DSN    string `envconfig:"DSN" default:"file:dashboard.db?cache=shared"`
}

// RedisConfig enables cross-process invalidation.
type RedisConfig struct {
	Enabled  bool   `envconfig:"ENABLED" default:"false"`
	Addr     string `envconfig:"ADDR" default:"localhost:6379"`
	Password string `envconfig:"PASSWORD"`
	DB       int    `envconfig:"DB" default:"0"`
	Channel  string `envconfig:"CHANNEL" default:"dashboard:changes"`
}

// QueryConfig holds the defaults every page query runs with.
type QueryConfig struct {
	StaleTime  time.Duration `envconfig:"STALE_TIME" default:"1m"`
	GCTime     time.Duration `envconfig:"GC_TIME" default:"5m"`
	Retries    int           `envconfig:"RETRIES" default:"3"`
	GCInterval time.Duration `envconfig:"GC_INTERVAL" default:"1m"`
}

// ScopeCacheConfig sizes the cache of scope lookups.
type ScopeCacheConfig struct {
	Capacity           int           `envconfig:"CAPACITY" default:"5000"`
	NumShards          int           `envconfig:"SHARDS" default:"64"`
	TTL                time.Duration `envconfig:"TTL" default:"15m"`
	EvictionPercentage int           `envconfig:"EVICTION_PERCENTAGE" default:"10"`
	EarlyRefresh       bool          `envconfig:"EARLY_REFRESH" default:"true"`
}

// LogConfig configures internal/logging.
type LogConfig struct {
	Level  string `envconfig:"LEVEL" default:"info"`
	Format string `envconfig:"FORMAT" default:"text"`
}

// Load reads .env when present, then the environment, and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads the environment without looking for a .env file.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Server),
		validation.Field(&c.Database),
		validation.Field(&c.Redis),
		validation.Field(&c.Query),
		validation.Field(&c.Log),
	)
}

func (s ServerConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Addr, validation.Required),
		validation.Field(&s.ShutdownTimeout, validation.Min(time.Duration(0))),
		validation.Field(&s.SessionIdle, validation.Required),
	)
}

func (d DatabaseConfig) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Driver, validation.Required,
			validation.In(backend.DriverSQLite, backend.DriverPostgres, backend.DriverMySQL)),
		validation.Field(&d.DSN, validation.Required),
	)
}

func (r RedisConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Addr, validation.When(r.Enabled, validation.Required)),
		validation.Field(&r.Channel, validation.When(r.Enabled, validation.Required)),
		validation.Field(&r.DB, validation.Min(0)),
	)
}

func (q QueryConfig) Validate() error {
	return validation.ValidateStruct(&q,
		validation.Field(&q.StaleTime, validation.Min(time.Duration(0))),
		validation.Field(&q.GCTime, validation.Min(time.Duration(0))),
		validation.Field(&q.Retries, validation.Min(0), validation.Max(10)),
		validation.Field(&q.GCInterval, validation.Required),
	)
}

func (l LogConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.In("debug", "info", "warn", "error")),
		validation.Field(&l.Format, validation.In("text", "json")),
	)
}

// Options returns the query defaults as client options.
func (q QueryConfig) Options() []query.Option {
	return []query.Option{
		query.WithStaleTime(q.StaleTime),
		query.WithGCTime(q.GCTime),
		query.WithRetry(query.RetryCount(q.Retries)),
	}
}

// CacheConfig converts the section to the scope lookup cache configuration.
// The result is checked by cache.NewCacheService.
func (s ScopeCacheConfig) CacheConfig() cache.Config {
	cfg := cache.DefaultConfig()
	cfg.Capacity = s.Capacity
	cfg.NumShards = s.NumShards
	cfg.TTL = s.TTL
	cfg.EvictionPercentage = s.EvictionPercentage
	if !s.EarlyRefresh {
		cfg.EarlyRefresh = nil
	}
	return cfg
}
