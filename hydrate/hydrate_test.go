package hydrate

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-query-cache/cache"
	"github.com/goliatone/go-query-cache/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type page struct {
	Rows  []map[string]any `json:"rows"`
	Count int              `json:"count"`
}

type clockAt struct{ t time.Time }

func (c clockAt) Now() time.Time { return c.t }

func newClient(opts ...query.ClientOption) *query.Client {
	opts = append([]query.ClientOption{query.WithDefaults(query.WithRetry(nil))}, opts...)
	return query.NewClient(opts...)
}

func studentsKey(t *testing.T, pageNum int) cache.Key {
	t.Helper()
	key, err := cache.BuildKey("student", "list", map[string]any{"page": pageNum, "search": "Ana", "role": "admin"})
	require.NoError(t, err)
	return key
}

func studentsPage(calls *atomic.Int32) query.FetchFunc[page] {
	return func(ctx context.Context) (page, error) {
		calls.Add(1)
		return page{
			Rows:  []map[string]any{{"id": "s1", "name": "Ana"}, {"id": "s2", "name": "Ana Lucía"}},
			Count: 42,
		}, nil
	}
}

func TestServerToSession_NoDuplicateFetch(t *testing.T) {
	ctx := context.Background()
	key := studentsKey(t, 2)

	var serverCalls atomic.Int32
	server := newClient()
	require.NoError(t, Prefetch(ctx, server, key, studentsPage(&serverCalls)))

	snapshot, err := Dehydrate(server, nil)
	require.NoError(t, err)
	require.Equal(t, 1, snapshot.Len())

	encoded, err := snapshot.Encode()
	require.NoError(t, err)

	session := newClient()
	h := NewHydrator(session, nil)
	stats, err := h.ApplyEncoded(encoded)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Applied)

	var sessionCalls atomic.Int32
	got, err := query.Fetch(ctx, session, studentsKey(t, 2), studentsPage(&sessionCalls))
	require.NoError(t, err)

	assert.Equal(t, int32(1), serverCalls.Load())
	assert.Zero(t, sessionCalls.Load(), "hydrated entry must not be fetched again")
	assert.Equal(t, 42, got.Count)
	require.Len(t, got.Rows, 2)
	assert.Equal(t, "Ana Lucía", got.Rows[1]["name"])
}

func TestHydrate_Idempotent(t *testing.T) {
	ctx := context.Background()
	key := studentsKey(t, 1)

	var calls atomic.Int32
	server := newClient()
	require.NoError(t, Prefetch(ctx, server, key, studentsPage(&calls)))
	snapshot, err := Dehydrate(server, nil)
	require.NoError(t, err)

	session := newClient()
	first := Hydrate(session, snapshot)
	before, ok := session.State(key)
	require.True(t, ok)

	second := Hydrate(session, snapshot)
	after, ok := session.State(key)
	require.True(t, ok)

	assert.Equal(t, Stats{Applied: 1}, first)
	assert.Equal(t, Stats{Skipped: 1}, second)
	assert.Equal(t, before.Version, after.Version)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, 1, session.Len())
}

func TestHydrator_AppliesSnapshotOnce(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	server := newClient()
	require.NoError(t, Prefetch(ctx, server, studentsKey(t, 1), studentsPage(&calls)))
	snapshot, err := Dehydrate(server, nil)
	require.NoError(t, err)

	h := NewHydrator(newClient(), nil)
	assert.Equal(t, 1, h.Apply(snapshot).Applied)
	assert.Equal(t, Stats{Duplicate: true}, h.Apply(snapshot))
}

func TestHydrate_KeepsNewerSessionData(t *testing.T) {
	ctx := context.Background()
	key := studentsKey(t, 1)

	var serverCalls, sessionCalls atomic.Int32
	server := newClient(query.WithClock(clockAt{time.Now().Add(-time.Hour)}))
	require.NoError(t, Prefetch(ctx, server, key, studentsPage(&serverCalls)))
	snapshot, err := Dehydrate(server, nil)
	require.NoError(t, err)

	session := newClient()
	_, err = query.Fetch(ctx, session, key, func(ctx context.Context) (page, error) {
		sessionCalls.Add(1)
		return page{Count: 7}, nil
	})
	require.NoError(t, err)

	stats := Hydrate(session, snapshot)
	assert.Equal(t, Stats{Skipped: 1}, stats)

	got, _, ok := query.Peek[page](session, key)
	require.True(t, ok)
	assert.Equal(t, 7, got.Count)
}

func TestHydrate_InvalidEntries(t *testing.T) {
	session := newClient()
	stats := Hydrate(session, Snapshot{
		ID: "x",
		Entries: []Entry{
			{Key: "not a key", Domain: "student", Resource: "list", Data: []byte{0xc0}},
			{Key: `student::list::{"page":1}`, Domain: "class", Resource: "list", Data: []byte{0xc0}},
		},
	})
	assert.Equal(t, Stats{Invalid: 2}, stats)
	assert.Zero(t, session.Len())
}

func TestPrefetchAll(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("backend down")
	server := newClient()

	var calls atomic.Int32
	classes := cache.MustBuildKey("class", "list", map[string]any{"page": 1})
	failing := cache.MustBuildKey("exam", "list", map[string]any{"page": 1})

	err := PrefetchAll(ctx, server, 2,
		Query(studentsKey(t, 1), studentsPage(&calls)),
		Query(classes, studentsPage(&calls)),
		Query(failing, func(ctx context.Context) (page, error) { return page{}, boom }),
		nil,
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), calls.Load())

	snapshot, err := Dehydrate(server, nil)
	require.NoError(t, err)
	require.Equal(t, 2, snapshot.Len(), "failed queries are not dehydrated")

	domains := make([]string, 0, 2)
	for _, k := range snapshot.Keys() {
		domains = append(domains, k.Domain())
	}
	assert.ElementsMatch(t, []string{"student", "class"}, domains)

	onlyClasses, err := Dehydrate(server, Domains("class"))
	require.NoError(t, err)
	require.Equal(t, 1, onlyClasses.Len())
	assert.Equal(t, classes.String(), onlyClasses.Entries[0].Key)
}

func TestSnapshot_EncodeFormats(t *testing.T) {
	small := Snapshot{ID: "small", CreatedAt: time.Now(), Entries: []Entry{{
		Key: `student::list::{"page":1}`, Domain: "student", Resource: "list",
		Data: []byte{0x80}, UpdatedAt: time.Now(), StaleTime: time.Minute,
	}}}
	large := Snapshot{ID: "large", CreatedAt: time.Now(), Entries: []Entry{{
		Key: `student::list::{"page":2}`, Domain: "student", Resource: "list",
		Data: []byte(strings.Repeat("ana lucia ", 500)), UpdatedAt: time.Now(), StaleTime: time.Minute,
	}}}

	tests := []struct {
		name     string
		snapshot Snapshot
		flag     byte
	}{
		{name: "plain", snapshot: small, flag: flagPlain},
		{name: "zstd", snapshot: large, flag: flagZstd},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := tt.snapshot.Encode()
			require.NoError(t, err)

			raw, err := base64.RawURLEncoding.DecodeString(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.flag, raw[0])

			decoded, err := DecodeSnapshot(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.snapshot.ID, decoded.ID)
			require.Len(t, decoded.Entries, 1)

			want, got := tt.snapshot.Entries[0], decoded.Entries[0]
			assert.Equal(t, want.Key, got.Key)
			assert.Equal(t, want.Data, got.Data)
			assert.Equal(t, want.StaleTime, got.StaleTime)
			assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt))
		})
	}
}

func TestDecodeSnapshot_Malformed(t *testing.T) {
	inputs := map[string]string{
		"not base64":     "%%%",
		"empty":          "",
		"unknown format": base64.RawURLEncoding.EncodeToString([]byte{9, 1, 2}),
		"bad zstd":       base64.RawURLEncoding.EncodeToString([]byte{flagZstd, 1, 2, 3}),
		"bad msgpack":    base64.RawURLEncoding.EncodeToString([]byte{flagPlain, 0xc1}),
	}
	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeSnapshot(in)
			assert.ErrorIs(t, err, ErrMalformedSnapshot)
		})
	}
}

func TestZstdCodersAreShared(t *testing.T) {
	enc, err := zstdEncoder()
	require.NoError(t, err)
	again, err := zstdEncoder()
	require.NoError(t, err)
	assert.Same(t, enc, again)

	dec, err := zstdDecoder()
	require.NoError(t, err)
	out, err := dec.DecodeAll(enc.EncodeAll([]byte("snapshot"), nil), nil)
	require.NoError(t, err)
	assert.Equal(t, "snapshot", string(out))
}
