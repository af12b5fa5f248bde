package listpage

import (
	"context"
	"errors"

	"github.com/goliatone/go-query-cache/backend"
	"github.com/goliatone/go-query-cache/cache"
	"github.com/goliatone/go-query-cache/query"
	"github.com/goliatone/go-query-cache/scope"
)

// Page is the cached result of one list query.
type Page struct {
	Rows    []backend.Row `json:"rows"`
	Count   int           `json:"count"`
	Empty   bool          `json:"empty,omitempty"`
	Message string        `json:"message,omitempty"`
}

// State is what a list page shows.
type State string

const (
	StateLoading State = "loading"
	StateError   State = "error"
	StateEmpty   State = "empty"
	StateTable   State = "table"
)

// View is the render model of a list page.
type View struct {
	State        State         `json:"state"`
	Rows         []backend.Row `json:"rows"`
	Count        int           `json:"count"`
	Page         int           `json:"page"`
	TotalPages   int           `json:"totalPages"`
	HasPrev      bool          `json:"hasPrev"`
	HasNext      bool          `json:"hasNext"`
	EmptyMessage string        `json:"emptyMessage,omitempty"`
	Error        string        `json:"error,omitempty"`
	Retryable    bool          `json:"retryable,omitempty"`
	IsFetching   bool          `json:"isFetching,omitempty"`
	IsStale      bool          `json:"isStale,omitempty"`
}

// TotalPages is ceil(count / PageSize).
func TotalPages(count int) int {
	if count <= 0 {
		return 0
	}
	return (count + PageSize - 1) / PageSize
}

// Render builds the view of r for the page in p. Data already loaded is
// shown even when a later refetch failed; the error is reported alongside.
func Render(r query.Result[Page], p Params) View {
	v := View{
		Page:       max(p.Page, 1),
		IsFetching: r.IsFetching,
		IsStale:    r.IsStale,
	}
	if r.Err != nil {
		v.Error = r.Err.Error()
		v.Retryable = retryable(r.Err) && !r.IsFetching
	}

	switch {
	case r.HasData:
		fill(&v, r.Data)
	case r.Err != nil:
		v.State = StateError
	default:
		v.State = StateLoading
	}
	return v
}

func fill(v *View, pg Page) {
	v.Count = pg.Count
	v.TotalPages = TotalPages(pg.Count)
	v.HasPrev = v.Page > 1
	v.HasNext = v.Page < v.TotalPages

	if pg.Empty || len(pg.Rows) == 0 {
		v.State = StateEmpty
		v.Rows = []backend.Row{}
		v.EmptyMessage = pg.Message
		if v.EmptyMessage == "" {
			v.EmptyMessage = scope.MsgNoRows
		}
		return
	}
	v.State = StateTable
	v.Rows = pg.Rows
}

func retryable(err error) bool {
	switch {
	case cache.IsInvalidKey(err),
		errors.Is(err, context.Canceled),
		errors.Is(err, ErrUnknownEntity),
		errors.Is(err, ErrForbidden):
		return false
	}
	return true
}
