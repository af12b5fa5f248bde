package query

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goliatone/go-query-cache/cache"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Clock supplies the current time. Tests replace it to move past stale and gc windows.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Client is a query cache store. Use one Client per server request and one per
// session; a Client must never be shared by unrelated users.
type Client struct {
	entries  *xsync.MapOf[string, *entry]
	flight   singleflight.Group
	defaults Options

	codec      Codec
	hooks      Hooks
	logger     *slog.Logger
	clock      Clock
	gcInterval time.Duration

	// hydrated gates mismatch detection to clients that imported entries.
	hydrated atomic.Bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithDefaults applies opts on top of DefaultOptions for every query of the client.
func WithDefaults(opts ...Option) ClientOption {
	return func(c *Client) {
		c.defaults = c.defaults.apply(opts)
	}
}

// WithCodec replaces the msgpack codec used for export and hydration.
func WithCodec(codec Codec) ClientOption {
	return func(c *Client) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// WithHooks sets the event receiver.
func WithHooks(h Hooks) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.hooks = h
		}
	}
}

// WithLogger sets the logger for the client.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock sets the time source.
func WithClock(clock Clock) ClientOption {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithGCInterval sets how often Run collects inactive entries.
func WithGCInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.gcInterval = d
		}
	}
}

// NewClient creates an empty query cache.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		entries:    xsync.NewMapOf[string, *entry](),
		defaults:   DefaultOptions(),
		codec:      MsgpackCodec{},
		hooks:      NoopHooks{},
		logger:     slog.New(slog.DiscardHandler),
		clock:      systemClock{},
		gcInterval: time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Defaults returns the client level query options.
func (c *Client) Defaults() Options {
	return c.defaults
}

// Len returns the number of cached entries.
func (c *Client) Len() int {
	return c.entries.Size()
}

// State returns a copy of the entry stored under key.
func (c *Client) State(key cache.Key) (EntryState, bool) {
	e, ok := c.entries.Load(key.String())
	if !ok {
		return EntryState{}, false
	}
	return e.state(), true
}

// acquire returns the live entry for key, creating it if needed.
func (c *Client) acquire(key cache.Key, opts *Options, fn fetcher, listener func()) (*entry, uint64) {
	for {
		now := c.clock.Now()
		e, _ := c.entries.LoadOrCompute(key.String(), func() *entry {
			o := c.defaults
			if opts != nil {
				o = *opts
			}
			return newEntry(key, o, now)
		})
		if id, ok := e.attach(fn, opts, listener, now); ok {
			return e, id
		}
	}
}

// value reads the typed data of e, decoding hydrated bytes on first access.
func value[T any](c *Client, e *entry) (T, uint64, bool, error) {
	var zero T

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.hasData {
		return zero, e.version, false, nil
	}
	e.hydrated = false

	if e.raw != nil {
		var v T
		if err := c.codec.Unmarshal(e.raw, &v); err != nil {
			return zero, e.version, false, fmt.Errorf("query: decode hydrated %s: %w", e.key, err)
		}
		e.data = v
		e.raw = nil
		return v, e.version, true, nil
	}

	if e.data == nil {
		return zero, e.version, true, nil
	}
	v, ok := e.data.(T)
	if !ok {
		return zero, e.version, false, fmt.Errorf("%w: key %s holds %T", cache.ErrInvalidResultType, e.key, e.data)
	}
	return v, e.version, true, nil
}

// run fetches e unless another caller already refreshed it after observed.
// Callers of the same key share one fetch; ctx only bounds this caller's wait.
func (c *Client) run(ctx context.Context, e *entry, observed uint64, force bool) error {
	ch := c.flight.DoChan(e.key.String(), func() (any, error) {
		if !force && e.settledSince(observed, c.clock.Now()) {
			return nil, nil
		}
		return nil, c.execute(context.WithoutCancel(ctx), e)
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.hooks.Coalesced(e.key)
		}
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) execute(ctx context.Context, e *entry) error {
	fn, opts, gen, ok := e.begin()
	if !ok {
		return nil
	}
	c.notify(e)
	c.hooks.FetchStarted(e.key)

	start := c.clock.Now()
	var (
		data     any
		err      error
		attempts int
	)
	for {
		attempts++
		data, err = call(ctx, fn)
		if err == nil || !opts.Retry(attempts, err) {
			break
		}
		e.retrying(attempts, err)
		c.notify(e)
		c.logger.Debug("query fetch failed, retrying",
			"key", e.key.String(),
			"attempt", attempts,
			"error", err,
		)
		if d := opts.RetryDelay(attempts); d > 0 {
			time.Sleep(d)
		}
	}

	now := c.clock.Now()
	if err != nil {
		err = &FetchError{Key: e.key.String(), Attempts: attempts, Err: err}
		e.fail(err, attempts)
		c.logger.Warn("query fetch failed",
			"key", e.key.String(),
			"attempts", attempts,
			"error", err,
		)
	} else {
		e.succeed(data, now, gen)
	}

	c.hooks.FetchFinished(e.key, now.Sub(start), err)
	c.notify(e)
	return err
}

func call(ctx context.Context, fn fetcher) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("query: fetch panicked: %v", r)
		}
	}()
	return fn(ctx)
}

func (c *Client) notify(e *entry) {
	for _, fn := range e.listenerFuncs() {
		fn()
	}
}

// miss records a lookup that found no data and checks for unread hydrated
// entries of the same domain and resource.
func (c *Client) miss(key cache.Key) {
	c.hooks.CacheMiss(key)
	if !c.hydrated.Load() {
		return
	}

	prefix := key.ResourceFamily()
	c.entries.Range(func(k string, e *entry) bool {
		if k != key.String() && strings.HasPrefix(k, prefix) && e.hydratedUnread() {
			c.hooks.HydrationMismatch(key, e.key)
			c.logger.Warn("hydration key mismatch",
				"requested", key.String(),
				"hydrated", k,
			)
		}
		return true
	})
}

// InvalidateFamily marks every entry whose key starts with prefix as stale and
// waits for the refetch of those with active observers.
func (c *Client) InvalidateFamily(ctx context.Context, prefix string) error {
	var active []*entry
	n := 0
	c.entries.Range(func(k string, e *entry) bool {
		if strings.HasPrefix(k, prefix) {
			n++
			if e.invalidate() {
				active = append(active, e)
			}
		}
		return true
	})

	c.hooks.Invalidated(prefix, n)
	if n > 0 {
		c.logger.Debug("query cache invalidated",
			"prefix", prefix,
			"entries", n,
			"refetching", len(active),
		)
	}
	return c.refetch(ctx, active)
}

// InvalidateDomain invalidates every key of domain, whatever its resource and params.
func (c *Client) InvalidateDomain(ctx context.Context, domain string) error {
	return c.InvalidateFamily(ctx, cache.FamilyPrefix(domain))
}

// InvalidateKey invalidates a single key.
func (c *Client) InvalidateKey(ctx context.Context, key cache.Key) error {
	e, ok := c.entries.Load(key.String())
	if !ok {
		return nil
	}
	refetch := e.invalidate()
	c.hooks.Invalidated(key.String(), 1)
	if !refetch {
		return nil
	}
	return c.refetch(ctx, []*entry{e})
}

// Focus refetches stale entries with focus refetching enabled that are
// observed or were read within their GCTime.
func (c *Client) Focus(ctx context.Context) error {
	now := c.clock.Now()
	var stale []*entry
	c.entries.Range(func(_ string, e *entry) bool {
		if e.focusable(now) {
			stale = append(stale, e)
		}
		return true
	})
	return c.refetch(ctx, stale)
}

func (c *Client) refetch(ctx context.Context, entries []*entry) error {
	if len(entries) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		observed := e.state().Version
		g.Go(func() error {
			return c.run(gctx, e, observed, false)
		})
	}
	return g.Wait()
}

// GC evicts entries that had no observers for longer than their GCTime.
func (c *Client) GC() int {
	now := c.clock.Now()

	var candidates []string
	c.entries.Range(func(k string, e *entry) bool {
		if e.collectable(now) {
			candidates = append(candidates, k)
		}
		return true
	})

	var evicted []cache.Key
	for _, k := range candidates {
		c.entries.Compute(k, func(e *entry, loaded bool) (*entry, bool) {
			if !loaded {
				return e, true
			}
			if e.markRemoved(now) {
				evicted = append(evicted, e.key)
				return e, true
			}
			return e, false
		})
	}

	for _, key := range evicted {
		c.hooks.Evicted(key)
	}
	if len(evicted) > 0 {
		c.logger.Debug("query cache collected", "evicted", len(evicted), "remaining", c.entries.Size())
	}
	return len(evicted)
}

// Run collects inactive entries until ctx is done.
func (c *Client) Run(ctx context.Context) {
	ticker := time.NewTicker(c.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.GC()
		}
	}
}

// Record is an exported entry in its transport form.
type Record struct {
	Key       cache.Key
	Data      []byte
	UpdatedAt time.Time
	StaleTime time.Duration
}

// Export encodes the successful entries accepted by filter. A nil filter exports all of them.
func (c *Client) Export(filter func(EntryState) bool) ([]Record, error) {
	var (
		records []Record
		err     error
	)
	c.entries.Range(func(_ string, e *entry) bool {
		var rec Record
		var ok bool
		rec, ok, err = c.export(e, filter)
		if err != nil {
			return false
		}
		if ok {
			records = append(records, rec)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (c *Client) export(e *entry, filter func(EntryState) bool) (Record, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.stateLocked()
	if !st.HasData || st.Status != StatusSuccess {
		return Record{}, false, nil
	}
	if filter != nil && !filter(st) {
		return Record{}, false, nil
	}

	data := e.raw
	if data == nil {
		var err error
		if data, err = c.codec.Marshal(e.data); err != nil {
			return Record{}, false, fmt.Errorf("query: encode %s: %w", e.key, err)
		}
	}

	return Record{
		Key:       e.key,
		Data:      data,
		UpdatedAt: e.updatedAt,
		StaleTime: e.opts.StaleTime,
	}, true, nil
}

// Import stores rec unless the client already holds data at least as recent.
// Imported data is decoded on its first typed read.
func (c *Client) Import(rec Record) bool {
	if rec.Key.IsZero() || rec.Data == nil {
		return false
	}

	opts := c.defaults
	if rec.StaleTime > 0 {
		opts.StaleTime = rec.StaleTime
	}
	e, _ := c.acquire(rec.Key, nil, nil, nil)
	e.mu.Lock()
	if !e.hasData && e.fetch == nil {
		e.opts = opts
	}
	e.mu.Unlock()

	if !e.importRaw(rec.Data, rec.UpdatedAt) {
		return false
	}
	c.hydrated.Store(true)
	c.notify(e)
	return true
}
