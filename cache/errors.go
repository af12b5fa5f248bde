package cache

import (
	"errors"
	"strings"
)

// ErrInvalidResultType is returned by GetOrFetch when a cached value does not match the requested type.
var ErrInvalidResultType = errors.New("cache: cached value has unexpected type")

// InvalidKeyError reports parameters that cannot be turned into a deterministic key.
type InvalidKeyError struct {
	Domain   string
	Resource string
	Path     string
	Reason   string
}

// Error implements the error interface.
func (e *InvalidKeyError) Error() string {
	var b strings.Builder
	b.WriteString("invalid cache key")
	if e.Domain != "" || e.Resource != "" {
		b.WriteString(" ")
		b.WriteString(e.Domain)
		b.WriteString(KeySeparator)
		b.WriteString(e.Resource)
	}
	if e.Path != "" {
		b.WriteString(" at ")
		b.WriteString(e.Path)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

// IsInvalidKey reports whether err is, or wraps, an InvalidKeyError.
func IsInvalidKey(err error) bool {
	var target *InvalidKeyError
	return errors.As(err, &target)
}
