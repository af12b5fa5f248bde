package query

import (
	"time"

	"github.com/goliatone/go-query-cache/cache"
)

// Hooks receives executor events. Implementations must be fast and non blocking;
// they run on the read path.
type Hooks interface {
	CacheHit(key cache.Key)
	CacheMiss(key cache.Key)
	FetchStarted(key cache.Key)
	FetchFinished(key cache.Key, duration time.Duration, err error)

	// Coalesced is called for every caller that shared another caller's fetch.
	Coalesced(key cache.Key)

	Invalidated(prefix string, entries int)
	Evicted(key cache.Key)

	// HydrationMismatch reports a miss on requested while a hydrated entry of the
	// same domain and resource was never read.
	HydrationMismatch(requested, hydrated cache.Key)
}

// NoopHooks ignores every event.
type NoopHooks struct{}

func (NoopHooks) CacheHit(cache.Key)                              {}
func (NoopHooks) CacheMiss(cache.Key)                             {}
func (NoopHooks) FetchStarted(cache.Key)                          {}
func (NoopHooks) FetchFinished(cache.Key, time.Duration, error)   {}
func (NoopHooks) Coalesced(cache.Key)                             {}
func (NoopHooks) Invalidated(string, int)                         {}
func (NoopHooks) Evicted(cache.Key)                               {}
func (NoopHooks) HydrationMismatch(requested, hydrated cache.Key) {}
