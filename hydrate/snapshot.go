package hydrate

import (
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/goliatone/go-query-cache/cache"
	"github.com/goliatone/go-query-cache/query"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// CompressThreshold is the encoded size above which snapshots are zstd compressed.
const CompressThreshold = 1024

const (
	flagPlain byte = 0
	flagZstd  byte = 1
)

// maxSnapshotSize bounds decompression of untrusted snapshots.
const maxSnapshotSize = 32 << 20

// ErrMalformedSnapshot is returned by DecodeSnapshot for input it cannot read.
var ErrMalformedSnapshot = errors.New("hydrate: malformed snapshot")

// The zstd coders are built on first use and shared; EncodeAll and DecodeAll
// are safe for concurrent use.
var (
	zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxSnapshotSize))
	})
)

// Entry is one dehydrated cache entry.
type Entry struct {
	Key       string        `msgpack:"k"`
	Domain    string        `msgpack:"d"`
	Resource  string        `msgpack:"r"`
	Data      []byte        `msgpack:"v"`
	UpdatedAt time.Time     `msgpack:"u"`
	StaleTime time.Duration `msgpack:"s"`
}

// Snapshot is the set of entries a server request prefetched for a page.
type Snapshot struct {
	ID        string    `msgpack:"id"`
	CreatedAt time.Time `msgpack:"at"`
	Entries   []Entry   `msgpack:"e"`
}

// Filter selects the entries Dehydrate copies.
type Filter func(query.EntryState) bool

// Domains keeps the entries of the given domains.
func Domains(domains ...string) Filter {
	return func(st query.EntryState) bool {
		return slices.Contains(domains, st.Key.Domain())
	}
}

// Dehydrate copies the successful entries of c accepted by filter. A nil
// filter copies all of them.
func Dehydrate(c *query.Client, filter Filter) (Snapshot, error) {
	records, err := c.Export(filter)
	if err != nil {
		return Snapshot{}, err
	}

	s := Snapshot{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Entries:   make([]Entry, 0, len(records)),
	}
	for _, rec := range records {
		s.Entries = append(s.Entries, Entry{
			Key:       rec.Key.String(),
			Domain:    rec.Key.Domain(),
			Resource:  rec.Key.Resource(),
			Data:      rec.Data,
			UpdatedAt: rec.UpdatedAt,
			StaleTime: rec.StaleTime,
		})
	}
	slices.SortFunc(s.Entries, func(a, b Entry) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
	return s, nil
}

// Keys returns the parsed keys of the snapshot entries, skipping invalid ones.
func (s Snapshot) Keys() []cache.Key {
	keys := make([]cache.Key, 0, len(s.Entries))
	for _, e := range s.Entries {
		if k, err := cache.ParseKey(e.Key); err == nil {
			keys = append(keys, k)
		}
	}
	return keys
}

// Len returns the number of entries.
func (s Snapshot) Len() int { return len(s.Entries) }

// Encode returns the transport form: msgpack, zstd compressed above
// CompressThreshold, prefixed with a format byte and base64url encoded.
func (s Snapshot) Encode() (string, error) {
	raw, err := msgpack.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("hydrate: encode snapshot: %w", err)
	}

	flag := flagPlain
	if len(raw) > CompressThreshold {
		enc, err := zstdEncoder()
		if err != nil {
			return "", fmt.Errorf("hydrate: zstd encoder: %w", err)
		}
		raw = enc.EncodeAll(raw, nil)
		flag = flagZstd
	}

	buf := make([]byte, 0, len(raw)+1)
	buf = append(buf, flag)
	buf = append(buf, raw...)
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// DecodeSnapshot parses the output of Encode.
func DecodeSnapshot(encoded string) (Snapshot, error) {
	buf, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	if len(buf) == 0 {
		return Snapshot{}, fmt.Errorf("%w: empty input", ErrMalformedSnapshot)
	}

	raw := buf[1:]
	switch buf[0] {
	case flagPlain:
	case flagZstd:
		dec, derr := zstdDecoder()
		if derr != nil {
			return Snapshot{}, fmt.Errorf("hydrate: zstd decoder: %w", derr)
		}
		if raw, err = dec.DecodeAll(raw, nil); err != nil {
			return Snapshot{}, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
		}
	default:
		return Snapshot{}, fmt.Errorf("%w: unknown format %d", ErrMalformedSnapshot, buf[0])
	}

	var s Snapshot
	if err := msgpack.Unmarshal(raw, &s); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	if s.ID == "" {
		return Snapshot{}, fmt.Errorf("%w: missing id", ErrMalformedSnapshot)
	}
	return s, nil
}
