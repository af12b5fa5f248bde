package listpage

import (
	"net/url"
	"sort"
	"strconv"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goliatone/go-query-cache/backend"
	"github.com/goliatone/go-query-cache/cache"
	"github.com/goliatone/go-query-cache/scope"
)

// MaxSearchLength caps the search term taken from the URL.
const MaxSearchLength = 100

// Params is the page state carried in the URL query string.
type Params struct {
	Page    int               `json:"page"`
	Search  string            `json:"search,omitempty"`
	Filters map[string]string `json:"filters,omitempty"`
}

// ParseParams reads page, search and the filters e accepts from v. A missing,
// malformed or non positive page is page 1. Unknown parameters are dropped.
func ParseParams(v url.Values, e Entity) Params {
	p := Params{Page: 1}

	if n, err := strconv.Atoi(strings.TrimSpace(v.Get("page"))); err == nil && n > 0 {
		p.Page = n
	}

	p.Search = strings.TrimSpace(v.Get("search"))
	if r := []rune(p.Search); len(r) > MaxSearchLength {
		p.Search = string(r[:MaxSearchLength])
	}

	for param := range e.Filters {
		if value := strings.TrimSpace(v.Get(param)); value != "" {
			if p.Filters == nil {
				p.Filters = make(map[string]string)
			}
			p.Filters[param] = value
		}
	}
	return p
}

// Validate checks params built outside ParseParams.
func (p Params) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Page, validation.Required, validation.Min(1)),
		validation.Field(&p.Search, validation.RuneLength(0, MaxSearchLength)),
	)
}

// Values encodes p back into a query string, e.g. for pagination links.
func (p Params) Values() url.Values {
	v := url.Values{}
	if p.Page > 1 {
		v.Set("page", strconv.Itoa(p.Page))
	}
	if p.Search != "" {
		v.Set("search", p.Search)
	}
	names := make([]string, 0, len(p.Filters))
	for name := range p.Filters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v.Set(name, p.Filters[name])
	}
	return v
}

// WithPage returns a copy of p on page n.
func (p Params) WithPage(n int) Params {
	p.Page = max(n, 1)
	return p
}

// Range returns the rows of the page.
func (p Params) Range() backend.Range {
	page := max(p.Page, 1)
	return backend.Range{Offset: (page - 1) * PageSize, Limit: PageSize}
}

// baseFilters turns the URL filters into column predicates, in column order.
func (p Params) baseFilters(e Entity) []backend.Filter {
	var out []backend.Filter
	for param, value := range p.Filters {
		if column, ok := e.Filters[param]; ok {
			out = append(out, backend.Eq(column, value))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Column < out[j].Column })
	return out
}

type listKey struct {
	Page    int               `json:"page"`
	Search  string            `json:"search,omitempty"`
	Filters map[string]string `json:"filters,omitempty"`
	Role    scope.Role        `json:"role"`
	Subject string            `json:"subject,omitempty"`
}

// ListKey is the cache key of a list page. The session role is always part
// of it and so is the user id for every role but admin.
func ListKey(entity string, p Params, s scope.Session) (cache.Key, error) {
	return cache.BuildKey(entity, "list", listKey{
		Page:    p.Page,
		Search:  p.Search,
		Filters: p.Filters,
		Role:    s.Role,
		Subject: s.Subject(),
	})
}

type detailKey struct {
	ID      string     `json:"id"`
	Role    scope.Role `json:"role"`
	Subject string     `json:"subject,omitempty"`
}

// DetailKey is the cache key of a single record view.
func DetailKey(entity, id string, s scope.Session) (cache.Key, error) {
	return cache.BuildKey(entity, "detail", detailKey{ID: id, Role: s.Role, Subject: s.Subject()})
}
