package query

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Observer methods after Close.
var ErrClosed = errors.New("query: observer closed")

// ErrDisabled is returned by Refetch on a disabled query.
var ErrDisabled = errors.New("query: query is disabled")

// FetchError wraps the last error of a fetch that exhausted its retries.
type FetchError struct {
	Key      string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempt(s): %v", e.Key, e.Attempts, e.Err)
}

// Unwrap returns the backend error.
func (e *FetchError) Unwrap() error { return e.Err }

// IsFetchError reports whether err is, or wraps, a FetchError.
func IsFetchError(err error) bool {
	var target *FetchError
	return errors.As(err, &target)
}
