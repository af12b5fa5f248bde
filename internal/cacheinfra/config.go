package cacheinfra

import (
	"errors"
	"sort"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/viccon/sturdyc"
)

// Config sizes the scope lookup cache.
type Config struct {
	Capacity  int
	NumShards int

	// TTL is how long a scope lookup (a student's class, a parent's children)
	// is reused before it is fetched again. Sign-out drops lookups earlier.
	TTL time.Duration

	// EvictionPercentage of entries are dropped when Capacity is reached (1-100).
	EvictionPercentage int

	// EarlyRefresh reloads hot lookups in the background before they expire.
	// Nil disables it.
	EarlyRefresh *EarlyRefreshConfig

	// MissingRecordStorage remembers lookups that found nothing, e.g. a
	// student without a class, so they are not re-queried on every page.
	MissingRecordStorage bool

	// EvictionInterval overrides how often expired lookups are swept.
	EvictionInterval time.Duration
}

// EarlyRefreshConfig holds the background refresh windows of a lookup.
type EarlyRefreshConfig struct {
	MinAsyncRefreshTime time.Duration
	MaxAsyncRefreshTime time.Duration
	SyncRefreshTime     time.Duration
	RetryBaseDelay      time.Duration
}

// DefaultConfig returns a Config sized for one dashboard process.
func DefaultConfig() Config {
	return Config{
		Capacity:           5000,
		NumShards:          64,
		TTL:                15 * time.Minute,
		EvictionPercentage: 10,
		EarlyRefresh: &EarlyRefreshConfig{
			MinAsyncRefreshTime: 5 * time.Minute,
			MaxAsyncRefreshTime: 10 * time.Minute,
			SyncRefreshTime:     15 * time.Minute,
			RetryBaseDelay:      100 * time.Millisecond,
		},
		MissingRecordStorage: true,
	}
}

// options returns the sturdyc options for the optional settings. The sizing
// fields are positional arguments of sturdyc.New.
func (c Config) options() []sturdyc.Option {
	var opts []sturdyc.Option
	if r := c.EarlyRefresh; r != nil {
		opts = append(opts, sturdyc.WithEarlyRefreshes(r.MinAsyncRefreshTime, r.MaxAsyncRefreshTime, r.SyncRefreshTime, r.RetryBaseDelay))
	}
	if c.MissingRecordStorage {
		opts = append(opts, sturdyc.WithMissingRecordStorage())
	}
	if c.EvictionInterval > 0 {
		opts = append(opts, sturdyc.WithEvictionInterval(c.EvictionInterval))
	}
	return opts
}

// Validate reports the first invalid field as a *ConfigError.
func (c Config) Validate() error {
	positive := []validation.Rule{
		validation.Required.Error("must be greater than 0"),
		validation.Min(1).Error("must be greater than 0"),
	}
	err := validation.ValidateStruct(&c,
		validation.Field(&c.Capacity, positive...),
		validation.Field(&c.NumShards, positive...),
		validation.Field(&c.TTL,
			validation.Required.Error("must be greater than 0"),
			validation.Min(time.Nanosecond).Error("must be greater than 0")),
		validation.Field(&c.EvictionPercentage, validation.Required, validation.Min(1), validation.Max(100)),
		validation.Field(&c.EvictionInterval, validation.Min(time.Duration(0)).Error("must be non-negative")),
		validation.Field(&c.EarlyRefresh),
	)
	return firstFieldError(err)
}

// Validate rejects negative refresh windows.
func (c EarlyRefreshConfig) Validate() error {
	nonNegative := validation.Min(time.Duration(0)).Error("must be non-negative")
	return validation.ValidateStruct(&c,
		validation.Field(&c.MinAsyncRefreshTime, nonNegative),
		validation.Field(&c.MaxAsyncRefreshTime, nonNegative),
		validation.Field(&c.SyncRefreshTime, nonNegative),
		validation.Field(&c.RetryBaseDelay, nonNegative),
	)
}

// ConfigError names the setting that was rejected.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	return "config error in field " + e.Field + ": " + e.Message
}

func (e *ConfigError) Unwrap() error { return e.Err }

// firstFieldError picks the alphabetically first failing field of an ozzo
// result so the reported error is stable. Nested structs produce dotted
// field paths.
func firstFieldError(err error) error {
	if err == nil {
		return nil
	}

	var byField validation.Errors
	if !errors.As(err, &byField) {
		return &ConfigError{Field: "config", Message: err.Error(), Err: err}
	}

	names := make([]string, 0, len(byField))
	for name := range byField {
		names = append(names, name)
	}
	sort.Strings(names)
	name := names[0]

	var nested validation.Errors
	if errors.As(byField[name], &nested) {
		if inner, ok := firstFieldError(nested).(*ConfigError); ok {
			return &ConfigError{Field: name + "." + inner.Field, Message: inner.Message, Err: err}
		}
	}
	return &ConfigError{Field: name, Message: byField[name].Error(), Err: err}
}
