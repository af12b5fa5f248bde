package cache

import (
	"github.com/goliatone/go-query-cache/internal/cacheinfra"
)

// Config sizes the lookup cache returned by NewCacheService.
type Config = cacheinfra.Config

// EarlyRefreshConfig holds the background refresh windows of a lookup.
type EarlyRefreshConfig = cacheinfra.EarlyRefreshConfig

// Stats is a snapshot of lookup cache traffic.
type Stats = cacheinfra.Stats

// StatsReporter is implemented by services that count their traffic. The
// service returned by NewCacheService does.
type StatsReporter interface {
	Stats() Stats
}

// DefaultConfig returns a Config sized for one dashboard process.
func DefaultConfig() Config {
	return cacheinfra.DefaultConfig()
}

// NewCacheService validates cfg and returns a sturdyc backed CacheService.
func NewCacheService(cfg Config) (CacheService, error) {
	c, err := cacheinfra.NewLookupCache(cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}
