package query

import (
	"time"
)

const (
	DefaultStaleTime = time.Minute
	DefaultGCTime    = 5 * time.Minute
	DefaultRetries   = 3
)

// RetryFunc decides whether a failed fetch is attempted again.
// failureCount starts at 1 for the first failure.
type RetryFunc func(failureCount int, err error) bool

// DelayFunc returns how long to wait before retry number failureCount.
type DelayFunc func(failureCount int) time.Duration

// Options control how a single query is cached and refetched.
type Options struct {
	// StaleTime is how long fetched data counts as fresh. Zero means
	// every access triggers a background refetch.
	StaleTime time.Duration

	// GCTime is how long an entry without observers is kept before eviction.
	GCTime time.Duration

	// Enabled gates fetching. A disabled query never fetches and never reports loading.
	Enabled bool

	Retry      RetryFunc
	RetryDelay DelayFunc

	// RefetchOnFocus refetches stale entries on Client.Focus when they are
	// observed or were read within GCTime.
	RefetchOnFocus bool
}

// Option mutates Options.
type Option func(*Options)

// DefaultOptions returns the options used when a Client is created without overrides.
func DefaultOptions() Options {
	return Options{
		StaleTime:      DefaultStaleTime,
		GCTime:         DefaultGCTime,
		Enabled:        true,
		Retry:          RetryCount(DefaultRetries),
		RetryDelay:     ExponentialDelay(time.Second, 30*time.Second),
		RefetchOnFocus: true,
	}
}

// WithStaleTime sets the freshness window.
func WithStaleTime(d time.Duration) Option {
	return func(o *Options) {
		if d >= 0 {
			o.StaleTime = d
		}
	}
}

// WithGCTime sets how long an unobserved entry is retained.
func WithGCTime(d time.Duration) Option {
	return func(o *Options) {
		if d >= 0 {
			o.GCTime = d
		}
	}
}

// WithEnabled gates the query.
func WithEnabled(enabled bool) Option {
	return func(o *Options) {
		o.Enabled = enabled
	}
}

// WithRetry sets the retry predicate. A nil predicate disables retries.
func WithRetry(fn RetryFunc) Option {
	retry := fn
	if retry == nil {
		retry = RetryCount(0)
	}
	return func(o *Options) {
		o.Retry = retry
	}
}

// WithRetryDelay sets the backoff between retries.
func WithRetryDelay(fn DelayFunc) Option {
	return func(o *Options) {
		if fn != nil {
			o.RetryDelay = fn
		}
	}
}

// WithRefetchOnFocus toggles refetching on Client.Focus.
func WithRefetchOnFocus(enabled bool) Option {
	return func(o *Options) {
		o.RefetchOnFocus = enabled
	}
}

// RetryCount retries up to n times after the first failure.
func RetryCount(n int) RetryFunc {
	return func(failureCount int, err error) bool {
		return failureCount <= n
	}
}

// ExponentialDelay doubles base per failure, capped at max.
func ExponentialDelay(base, max time.Duration) DelayFunc {
	return func(failureCount int) time.Duration {
		if failureCount < 1 {
			failureCount = 1
		}
		d := base
		for i := 1; i < failureCount; i++ {
			d *= 2
			if d >= max {
				return max
			}
		}
		if d > max {
			return max
		}
		return d
	}
}

// ConstantDelay waits d between every retry.
func ConstantDelay(d time.Duration) DelayFunc {
	return func(int) time.Duration { return d }
}

func (o Options) apply(opts []Option) Options {
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
