package query

import (
	"context"
	"sync"
	"time"

	"github.com/goliatone/go-query-cache/cache"
)

// Status is the lifecycle state of an entry.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// FetchFunc loads the value for a key from the source of truth.
type FetchFunc[T any] func(ctx context.Context) (T, error)

type fetcher func(ctx context.Context) (any, error)

func erase[T any](fn FetchFunc[T]) fetcher {
	if fn == nil {
		return nil
	}
	return func(ctx context.Context) (any, error) {
		return fn(ctx)
	}
}

// EntryState is a copy of an entry taken under its lock.
type EntryState struct {
	Key          cache.Key
	Status       Status
	HasData      bool
	Err          error
	IsFetching   bool
	UpdatedAt    time.Time
	FailureCount int
	// Version changes every time new data is stored.
	Version     uint64
	StaleTime   time.Duration
	Invalidated bool
	// Hydrated is true while imported data has not been read yet.
	Hydrated  bool
	Observers int
}

// Stale reports whether the data should be refetched on the next access.
func (s EntryState) Stale(now time.Time) bool {
	if !s.HasData || s.Invalidated || s.Status == StatusError {
		return true
	}
	return now.Sub(s.UpdatedAt) >= s.StaleTime
}

type entry struct {
	key cache.Key

	mu           sync.Mutex
	data         any
	raw          []byte
	hasData      bool
	err          error
	status       Status
	fetching     bool
	updatedAt    time.Time
	failureCount int
	version      uint64
	invalidated  bool
	hydrated     bool
	removed      bool
	lastAccess   time.Time

	// invalidations counts invalidate calls so a fetch that started before
	// one cannot mark its result fresh.
	invalidations uint64

	opts  Options
	fetch fetcher

	listeners map[uint64]func()
	nextID    uint64
}

func newEntry(key cache.Key, opts Options, now time.Time) *entry {
	return &entry{
		key:        key,
		status:     StatusIdle,
		opts:       opts,
		lastAccess: now,
		listeners:  make(map[uint64]func()),
	}
}

func (e *entry) state() EntryState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

func (e *entry) stateLocked() EntryState {
	return EntryState{
		Key:          e.key,
		Status:       e.status,
		HasData:      e.hasData,
		Err:          e.err,
		IsFetching:   e.fetching,
		UpdatedAt:    e.updatedAt,
		FailureCount: e.failureCount,
		Version:      e.version,
		StaleTime:    e.opts.StaleTime,
		Invalidated:  e.invalidated,
		Hydrated:     e.hydrated,
		Observers:    len(e.listeners),
	}
}

func (e *entry) options() Options {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opts
}

// attach refreshes the entry for a new access. It returns false when the
// entry was evicted concurrently and must be looked up again.
func (e *entry) attach(fn fetcher, opts *Options, listener func(), now time.Time) (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return 0, false
	}
	if fn != nil {
		e.fetch = fn
	}
	if opts != nil {
		e.opts = *opts
	}
	e.lastAccess = now
	if listener == nil {
		return 0, true
	}
	e.nextID++
	e.listeners[e.nextID] = listener
	return e.nextID, true
}

func (e *entry) detach(id uint64, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.listeners, id)
	if len(e.listeners) == 0 {
		e.lastAccess = now
	}
}

func (e *entry) listenerFuncs() []func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	fns := make([]func(), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	return fns
}

// settledSince reports whether a fetch completed after the caller observed
// version, or the data is still fresh.
func (e *entry) settledSince(observed uint64, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.hasData || e.status != StatusSuccess || e.invalidated {
		return false
	}
	if e.version != observed {
		return true
	}
	return now.Sub(e.updatedAt) < e.opts.StaleTime
}

func (e *entry) begin() (fetcher, Options, uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fetch == nil {
		return nil, e.opts, 0, false
	}
	e.fetching = true
	if !e.hasData {
		e.status = StatusLoading
	}
	return e.fetch, e.opts, e.invalidations, true
}

func (e *entry) retrying(failureCount int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failureCount = failureCount
	e.err = err
}

func (e *entry) succeed(data any, now time.Time, invalidations uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.data = data
	e.raw = nil
	e.hasData = true
	e.err = nil
	e.status = StatusSuccess
	e.fetching = false
	e.updatedAt = now
	e.failureCount = 0
	e.version++
	e.invalidated = invalidations != e.invalidations
	e.hydrated = false
}

// fail keeps the previous data so readers can show it next to the error.
func (e *entry) fail(err error, attempts int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
	e.status = StatusError
	e.fetching = false
	e.failureCount = attempts
}

// invalidate marks the entry stale and reports whether it should be refetched now.
func (e *entry) invalidate() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.invalidated = true
	e.invalidations++
	return len(e.listeners) > 0 && e.opts.Enabled && e.fetch != nil
}

func (e *entry) focusable(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || !e.opts.Enabled || !e.opts.RefetchOnFocus || e.fetch == nil {
		return false
	}
	if len(e.listeners) == 0 && now.Sub(e.lastAccess) >= e.opts.GCTime {
		return false
	}
	return e.stateLocked().Stale(now)
}

func (e *entry) importRaw(raw []byte, updatedAt time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hasData && !updatedAt.After(e.updatedAt) {
		return false
	}
	e.data = nil
	e.raw = raw
	e.hasData = true
	e.err = nil
	e.status = StatusSuccess
	e.updatedAt = updatedAt
	e.failureCount = 0
	e.version++
	e.invalidated = false
	e.hydrated = true
	return true
}

func (e *entry) hydratedUnread() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hydrated
}

func (e *entry) collectable(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.collectableLocked(now)
}

func (e *entry) collectableLocked(now time.Time) bool {
	return !e.removed && len(e.listeners) == 0 && !e.fetching && now.Sub(e.lastAccess) >= e.opts.GCTime
}

func (e *entry) markRemoved(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.collectableLocked(now) {
		return false
	}
	e.removed = true
	return true
}
