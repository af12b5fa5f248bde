package query

import (
	"context"
	"sync"
	"time"

	"github.com/goliatone/go-query-cache/cache"
)

// Result is what an observer renders from.
type Result[R any] struct {
	Key     cache.Key
	Data    R
	HasData bool
	// IsLoading is true while an enabled query has neither data nor an error.
	IsLoading    bool
	IsFetching   bool
	IsStale      bool
	Err          error
	Status       Status
	UpdatedAt    time.Time
	FailureCount int
}

// Observer keeps a subscription to one key at a time. It starts a background
// fetch whenever its key has no fresh data and publishes every entry change.
type Observer[T, R any] struct {
	client   *Client
	selectFn func(T) R
	opts     Options

	mu         sync.Mutex
	key        cache.Key
	fn         FetchFunc[T]
	entry      *entry
	listener   uint64
	generation uint64
	closed     bool

	memo        R
	memoVersion uint64
	memoSet     bool

	updates chan Result[R]
}

// Observe subscribes to key.
func Observe[T any](c *Client, key cache.Key, fn FetchFunc[T], opts ...Option) *Observer[T, T] {
	return ObserveSelect(c, key, fn, func(v T) T { return v }, opts...)
}

// ObserveSelect subscribes to key and derives R from the cached T with selectFn.
// selectFn only runs again when the cached data changes.
func ObserveSelect[T, R any](c *Client, key cache.Key, fn FetchFunc[T], selectFn func(T) R, opts ...Option) *Observer[T, R] {
	o := &Observer[T, R]{
		client:   c,
		selectFn: selectFn,
		opts:     c.defaults.apply(opts),
		updates:  make(chan Result[R], 1),
	}
	o.bind(key, fn)
	return o
}

// Key returns the key the observer is bound to.
func (o *Observer[T, R]) Key() cache.Key {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.key
}

// Updates delivers the latest Result after every change. Only the most recent
// result is buffered; the channel is closed by Close.
func (o *Observer[T, R]) Updates() <-chan Result[R] {
	return o.updates
}

// Result returns the current view of the bound entry.
func (o *Observer[T, R]) Result() Result[R] {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resultLocked()
}

// Refetch fetches the bound key even when its data is fresh, and returns the
// resulting view. A disabled query returns ErrDisabled without fetching.
func (o *Observer[T, R]) Refetch(ctx context.Context) (Result[R], error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return Result[R]{}, ErrClosed
	}
	e := o.entry
	o.mu.Unlock()

	if !e.options().Enabled {
		return o.Result(), ErrDisabled
	}
	err := o.client.run(ctx, e, 0, true)
	return o.Result(), err
}

// SetKey moves the observer to key. Results still in flight for the previous
// key update their own entry but are never published by this observer.
// A nil fn keeps the current fetch function.
func (o *Observer[T, R]) SetKey(key cache.Key, fn FetchFunc[T]) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if fn == nil {
		fn = o.fn
	}
	same := key.Equal(o.key)
	o.mu.Unlock()

	if same {
		return nil
	}
	o.bind(key, fn)
	return nil
}

// Close unsubscribes the observer. The entry becomes eligible for GC after its GCTime.
func (o *Observer[T, R]) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.generation++
	o.entry.detach(o.listener, o.client.clock.Now())
	close(o.updates)
}

func (o *Observer[T, R]) bind(key cache.Key, fn FetchFunc[T]) {
	o.mu.Lock()
	o.generation++
	gen := o.generation
	prev, prevID := o.entry, o.listener
	o.mu.Unlock()

	opts := o.opts
	e, id := o.client.acquire(key, &opts, erase(fn), func() { o.changed(gen) })

	o.mu.Lock()
	if o.closed || gen != o.generation {
		o.mu.Unlock()
		e.detach(id, o.client.clock.Now())
		return
	}
	o.key, o.fn, o.entry, o.listener = key, fn, e, id
	o.memoSet = false
	o.mu.Unlock()

	if prev != nil {
		prev.detach(prevID, o.client.clock.Now())
	}
	o.activate(e)
}

func (o *Observer[T, R]) activate(e *entry) {
	if !o.opts.Enabled {
		return
	}
	c := o.client
	st := e.state()
	if !st.Stale(c.clock.Now()) {
		c.hooks.CacheHit(e.key)
		return
	}
	if st.HasData {
		c.hooks.CacheMiss(e.key)
	} else {
		c.miss(e.key)
	}
	go func() {
		_ = c.run(context.Background(), e, st.Version, false)
	}()
}

func (o *Observer[T, R]) changed(gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || gen != o.generation {
		return
	}

	r := o.resultLocked()
	for {
		select {
		case o.updates <- r:
			return
		default:
		}
		select {
		case <-o.updates:
		default:
		}
	}
}

func (o *Observer[T, R]) resultLocked() Result[R] {
	if o.entry == nil {
		return Result[R]{Key: o.key}
	}
	st := o.entry.state()

	r := Result[R]{
		Key:          o.key,
		IsFetching:   st.IsFetching,
		IsStale:      st.Stale(o.client.clock.Now()),
		Err:          st.Err,
		Status:       st.Status,
		UpdatedAt:    st.UpdatedAt,
		FailureCount: st.FailureCount,
	}

	if st.HasData {
		if o.memoSet && o.memoVersion == st.Version {
			r.Data, r.HasData = o.memo, true
		} else if v, version, ok, err := value[T](o.client, o.entry); err != nil {
			r.Err = err
		} else if ok {
			o.memo = o.selectFn(v)
			o.memoVersion = version
			o.memoSet = true
			r.Data, r.HasData = o.memo, true
		}
	}

	r.IsLoading = o.opts.Enabled && !r.HasData && r.Err == nil
	return r
}
