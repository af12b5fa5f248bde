package hydrate

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/goliatone/go-query-cache/cache"
	"github.com/goliatone/go-query-cache/query"
)

// Stats summarizes one hydration.
type Stats struct {
	// Applied entries replaced missing or older data.
	Applied int
	// Skipped entries were older than what the client already held.
	Skipped int
	// Invalid entries carried a key that could not be parsed.
	Invalid int
	// Duplicate is set when the snapshot had already been applied.
	Duplicate bool
}

// Hydrate merges the entries of s into c. Entries never replace data at
// least as recent, so applying the same snapshot again changes nothing.
func Hydrate(c *query.Client, s Snapshot) Stats {
	var st Stats
	for _, e := range s.Entries {
		key, err := entryKey(e)
		if err != nil {
			st.Invalid++
			continue
		}
		rec := query.Record{
			Key:       key,
			Data:      e.Data,
			UpdatedAt: e.UpdatedAt,
			StaleTime: e.StaleTime,
		}
		if c.Import(rec) {
			st.Applied++
		} else {
			st.Skipped++
		}
	}
	return st
}

func entryKey(e Entry) (cache.Key, error) {
	key, err := cache.ParseKey(e.Key)
	if err != nil {
		return cache.Key{}, err
	}
	if key.Domain() != e.Domain || key.Resource() != e.Resource {
		return cache.Key{}, fmt.Errorf("hydrate: entry %s labelled %s/%s", e.Key, e.Domain, e.Resource)
	}
	return key, nil
}

// Hydrator applies snapshots to one session client, each snapshot ID at most once.
type Hydrator struct {
	client *query.Client
	logger *slog.Logger

	mu      sync.Mutex
	applied map[string]struct{}
}

// NewHydrator creates a Hydrator for c. A nil logger discards output.
func NewHydrator(c *query.Client, logger *slog.Logger) *Hydrator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hydrator{
		client:  c,
		logger:  logger,
		applied: make(map[string]struct{}),
	}
}

// Client returns the session client snapshots are applied to.
func (h *Hydrator) Client() *query.Client { return h.client }

// Apply hydrates s unless a snapshot with the same ID was applied before.
func (h *Hydrator) Apply(s Snapshot) Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, seen := h.applied[s.ID]; seen && s.ID != "" {
		return Stats{Duplicate: true}
	}

	st := Hydrate(h.client, s)
	if s.ID != "" {
		h.applied[s.ID] = struct{}{}
	}

	if st.Invalid > 0 {
		h.logger.Warn("hydration skipped invalid entries", "snapshot", s.ID, "invalid", st.Invalid)
	}
	h.logger.Debug("hydrated snapshot",
		"snapshot", s.ID,
		"applied", st.Applied,
		"skipped", st.Skipped,
	)
	return st
}

// ApplyEncoded decodes and applies the transport form of a snapshot.
func (h *Hydrator) ApplyEncoded(encoded string) (Stats, error) {
	s, err := DecodeSnapshot(encoded)
	if err != nil {
		return Stats{}, err
	}
	return h.Apply(s), nil
}
