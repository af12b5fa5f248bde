package cacheinfra

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/viccon/sturdyc"
)

// Stats counts lookup cache traffic since the cache was created.
type Stats struct {
	// Lookups is every GetOrFetch call.
	Lookups uint64
	// Fetches is how many of them reached the source. Coalesced and cached
	// lookups are not counted.
	Fetches uint64
	// Entries is the number of keys currently held.
	Entries int
}

// lookup boxes a fetched value so a nil result with an error survives
// sturdyc's typed unwrapping.
type lookup struct {
	value any
}

// LookupCache is a read-through cache over sturdyc. Concurrent misses on one
// key share a single fetch.
type LookupCache struct {
	client  *sturdyc.Client[lookup]
	lookups atomic.Uint64
	fetches atomic.Uint64
}

// NewLookupCache validates cfg and creates the sturdyc client.
func NewLookupCache(cfg Config) (*LookupCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := sturdyc.New[lookup](cfg.Capacity, cfg.NumShards, cfg.TTL, cfg.EvictionPercentage, cfg.options()...)
	return &LookupCache{client: client}, nil
}

func (c *LookupCache) GetOrFetch(ctx context.Context, key string, fetchFn func(ctx context.Context) (any, error)) (any, error) {
	if fetchFn == nil {
		return nil, &ConfigError{Field: "fetchFn", Message: "cannot be nil"}
	}
	c.lookups.Add(1)
	got, err := c.client.GetOrFetch(ctx, key, func(ctx context.Context) (lookup, error) {
		c.fetches.Add(1)
		v, err := fetchFn(ctx)
		return lookup{value: v}, err
	})
	return got.value, err
}

func (c *LookupCache) Delete(_ context.Context, key string) error {
	c.client.Delete(key)
	return nil
}

// DeleteByPrefix drops every key under prefix, e.g. all lookups of one
// signed-out subject.
func (c *LookupCache) DeleteByPrefix(_ context.Context, prefix string) error {
	for _, key := range c.client.ScanKeys() {
		if strings.HasPrefix(key, prefix) {
			c.client.Delete(key)
		}
	}
	return nil
}

func (c *LookupCache) InvalidateKeys(_ context.Context, keys []string) error {
	for _, key := range keys {
		c.client.Delete(key)
	}
	return nil
}

// Stats returns a snapshot of the counters.
func (c *LookupCache) Stats() Stats {
	return Stats{
		Lookups: c.lookups.Load(),
		Fetches: c.fetches.Load(),
		Entries: len(c.client.ScanKeys()),
	}
}
