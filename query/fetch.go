package query

import (
	"context"

	"github.com/goliatone/go-query-cache/cache"
)

// Fetch returns the data cached under key while it is fresh, otherwise it runs
// fn (shared with concurrent callers of the same key) and waits for the result.
//
// When the fetch fails and the entry still holds older data, that data is
// returned together with the error.
func Fetch[T any](ctx context.Context, c *Client, key cache.Key, fn FetchFunc[T], opts ...Option) (T, error) {
	var zero T
	if key.IsZero() {
		return zero, &cache.InvalidKeyError{Reason: "key is required"}
	}

	o := c.defaults.apply(opts)
	e, _ := c.acquire(key, &o, erase(fn), nil)
	st := e.state()

	if !st.Stale(c.clock.Now()) {
		v, _, _, err := value[T](c, e)
		if err == nil {
			c.hooks.CacheHit(key)
			return v, nil
		}
		if !st.Hydrated {
			return zero, err
		}
		// undecodable hydrated data falls through to a fetch
	}

	if !o.Enabled {
		v, _, _, err := value[T](c, e)
		return v, err
	}

	if !st.HasData {
		c.miss(key)
	} else {
		c.hooks.CacheMiss(key)
	}

	force := st.Hydrated && !st.Stale(c.clock.Now())
	fetchErr := c.run(ctx, e, st.Version, force)

	v, _, _, err := value[T](c, e)
	if fetchErr != nil {
		return v, fetchErr
	}
	return v, err
}

// ResultOf describes the entry under key as a Fetch caller sees it, with
// the data and error that Fetch returned.
func ResultOf[T any](c *Client, key cache.Key, data T, err error) Result[T] {
	r := Result[T]{Key: key, Data: data, Err: err}
	st, ok := c.State(key)
	if !ok {
		return r
	}
	r.HasData = st.HasData
	r.IsFetching = st.IsFetching
	r.IsStale = st.HasData && st.Stale(c.clock.Now())
	r.Status = st.Status
	r.UpdatedAt = st.UpdatedAt
	r.FailureCount = st.FailureCount
	return r
}

// Peek returns the cached data for key without fetching.
func Peek[T any](c *Client, key cache.Key) (T, EntryState, bool) {
	var zero T
	e, ok := c.entries.Load(key.String())
	if !ok {
		return zero, EntryState{}, false
	}
	v, _, hasData, err := value[T](c, e)
	if err != nil || !hasData {
		return zero, e.state(), false
	}
	return v, e.state(), true
}
