// Package realtime carries change notifications between dashboard
// processes over Redis pub/sub. A process that writes a row publishes a
// Change; every other process invalidates the cached pages of that table.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-query-cache/backend"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "dashboard:changes"

// ErrMalformedChange is returned for payloads that are not a valid Change.
var ErrMalformedChange = errors.New("realtime: malformed change")

// Change announces a write to one row, or to many when ID is empty.
type Change struct {
	Table  string             `json:"table"`
	Op     backend.MutationOp `json:"op"`
	ID     string             `json:"id,omitempty"`
	Origin string             `json:"origin,omitempty"`
	At     time.Time          `json:"at"`
}

// Encode returns the wire form of c.
func (c Change) Encode() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeChange parses a payload received on the channel.
func DecodeChange(payload string) (Change, error) {
	var c Change
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return Change{}, fmt.Errorf("%w: %v", ErrMalformedChange, err)
	}
	if c.Table == "" {
		return Change{}, fmt.Errorf("%w: table is required", ErrMalformedChange)
	}
	switch c.Op {
	case backend.OpInsert, backend.OpUpdate, backend.OpDelete:
	default:
		return Change{}, fmt.Errorf("%w: unknown op %q", ErrMalformedChange, c.Op)
	}
	return c, nil
}
