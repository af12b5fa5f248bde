package listpage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/goliatone/go-query-cache/backend"
	"github.com/goliatone/go-query-cache/cache"
	"github.com/goliatone/go-query-cache/hydrate"
	"github.com/goliatone/go-query-cache/query"
	"github.com/goliatone/go-query-cache/scope"
)

var (
	// ErrUnknownEntity is returned for entity names missing from the registry.
	ErrUnknownEntity = errors.New("listpage: unknown entity")
	// ErrForbidden is returned when the session role may not write the entity.
	ErrForbidden = errors.New("listpage: role may not modify this entity")
)

// Planner scopes list queries. *scope.Planner implements it.
type Planner interface {
	Plan(ctx context.Context, s scope.Session, entity string, base []backend.Filter) (scope.Plan, error)
	Refresh(ctx context.Context, entity string) (bool, error)
}

// Invalidator drops cached pages of a domain. *query.Client implements it.
type Invalidator interface {
	InvalidateDomain(ctx context.Context, domain string) error
}

// Publisher announces successful writes to other processes.
type Publisher interface {
	Publish(ctx context.Context, table string, op backend.MutationOp, id string) error
}

// Controller serves every list page from one policy table and one backend.
type Controller struct {
	registry  *Registry
	backend   backend.Backend
	planner   Planner
	publisher Publisher
	logger    *slog.Logger
	opts      []query.Option
}

// Option configures a Controller.
type Option func(*Controller)

// WithRegistry replaces DefaultRegistry.
func WithRegistry(r *Registry) Option {
	return func(c *Controller) {
		if r != nil {
			c.registry = r
		}
	}
}

// WithPublisher announces writes through p.
func WithPublisher(p Publisher) Option {
	return func(c *Controller) { c.publisher = p }
}

// WithLogger sets the controller logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithQueryOptions sets the options every page query runs with.
func WithQueryOptions(opts ...query.Option) Option {
	return func(c *Controller) { c.opts = append(c.opts, opts...) }
}

// NewController creates a Controller.
func NewController(b backend.Backend, planner Planner, opts ...Option) *Controller {
	c := &Controller{
		registry: DefaultRegistry(),
		backend:  b,
		planner:  planner,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the served entities.
func (c *Controller) Registry() *Registry { return c.registry }

func (c *Controller) entity(name string) (Entity, error) {
	e, ok := c.registry.Get(name)
	if !ok {
		return Entity{}, fmt.Errorf("%w: %q", ErrUnknownEntity, name)
	}
	return e, nil
}

// Query returns the key and fetch function of a list page. Scoping runs
// inside the fetch so a cached page costs no lookups; an empty plan yields
// an empty page without a backend call.
func (c *Controller) Query(s scope.Session, entity string, p Params) (cache.Key, query.FetchFunc[Page], error) {
	e, err := c.entity(entity)
	if err != nil {
		return cache.Key{}, nil, err
	}
	key, err := ListKey(e.Name, p, s)
	if err != nil {
		return cache.Key{}, nil, err
	}

	fetch := func(ctx context.Context) (Page, error) {
		plan, err := c.planner.Plan(ctx, s, e.Name, p.baseFilters(e))
		if err != nil {
			return Page{}, err
		}
		if plan.Empty {
			return Page{Rows: []backend.Row{}, Empty: true, Message: plan.Message}, nil
		}

		res, err := c.backend.Select(ctx, backend.Query{
			Table:   e.TableName(),
			Filters: plan.Filters,
			Search:  backend.Search{Columns: e.SearchColumns, Term: p.Search},
			Range:   p.Range(),
			Order:   e.Order,
		})
		if err != nil {
			return Page{}, err
		}
		if res.Rows == nil {
			res.Rows = []backend.Row{}
		}
		return Page{Rows: res.Rows, Count: res.Count}, nil
	}
	return key, fetch, nil
}

// Prefetch loads a page into the server side client of a request.
func (c *Controller) Prefetch(ctx context.Context, qc *query.Client, s scope.Session, entity string, p Params) error {
	key, fetch, err := c.Query(s, entity, p)
	if err != nil {
		return err
	}
	return hydrate.Prefetch(ctx, qc, key, fetch, c.opts...)
}

// PrefetchTask is Prefetch as a hydrate.Task.
func (c *Controller) PrefetchTask(s scope.Session, entity string, p Params) (hydrate.Task, error) {
	key, fetch, err := c.Query(s, entity, p)
	if err != nil {
		return nil, err
	}
	return hydrate.Query(key, fetch, c.opts...), nil
}

// List fetches a page through the session client and renders it.
// Fetch failures are part of the view; the returned error is only set for
// requests that can never succeed, such as an unknown entity.
func (c *Controller) List(ctx context.Context, qc *query.Client, s scope.Session, entity string, p Params) (View, error) {
	key, fetch, err := c.Query(s, entity, p)
	if err != nil {
		return View{}, err
	}

	pg, err := query.Fetch(ctx, qc, key, fetch, c.opts...)
	return Render(query.ResultOf(qc, key, pg, err), p), nil
}

// Observe subscribes to a page. Render each result with Render.
func (c *Controller) Observe(qc *query.Client, s scope.Session, entity string, p Params) (*query.Observer[Page, Page], error) {
	key, fetch, err := c.Query(s, entity, p)
	if err != nil {
		return nil, err
	}
	return query.Observe(qc, key, fetch, c.opts...), nil
}

// Detail loads one record as the session sees it. A record outside the
// session's scope renders the same as a missing one.
func (c *Controller) Detail(ctx context.Context, qc *query.Client, s scope.Session, entity, id string) (View, error) {
	e, err := c.entity(entity)
	if err != nil {
		return View{}, err
	}
	key, err := DetailKey(e.Name, id, s)
	if err != nil {
		return View{}, err
	}

	fetch := func(ctx context.Context) (Page, error) {
		return c.lookup(ctx, s, e, id)
	}
	pg, err := query.Fetch(ctx, qc, key, fetch, c.opts...)
	return Render(query.ResultOf(qc, key, pg, err), Params{Page: 1}), nil
}

func (c *Controller) lookup(ctx context.Context, s scope.Session, e Entity, id string) (Page, error) {
	plan, err := c.planner.Plan(ctx, s, e.Name, []backend.Filter{backend.Eq(backend.IDColumn, id)})
	if err != nil {
		return Page{}, err
	}
	if plan.Empty {
		return Page{Rows: []backend.Row{}, Empty: true, Message: plan.Message}, nil
	}
	res, err := c.backend.Select(ctx, backend.Query{
		Table:   e.TableName(),
		Filters: plan.Filters,
		Range:   backend.Range{Limit: 1},
	})
	if err != nil {
		return Page{}, err
	}
	if len(res.Rows) == 0 {
		return Page{Rows: []backend.Row{}, Empty: true, Message: scope.MsgNoRows}, nil
	}
	return Page{Rows: res.Rows[:1], Count: 1}, nil
}

// Create inserts a row and invalidates the entity's pages.
func (c *Controller) Create(ctx context.Context, inv Invalidator, s scope.Session, entity string, values backend.Row) (backend.Row, error) {
	return c.mutate(ctx, inv, s, entity, backend.Mutation{Op: backend.OpInsert, Values: values})
}

// Update changes the row id and invalidates the entity's pages.
func (c *Controller) Update(ctx context.Context, inv Invalidator, s scope.Session, entity, id string, values backend.Row) (backend.Row, error) {
	return c.mutate(ctx, inv, s, entity, backend.Mutation{Op: backend.OpUpdate, ID: id, Values: values})
}

// Delete removes the row id and invalidates the entity's pages.
func (c *Controller) Delete(ctx context.Context, inv Invalidator, s scope.Session, entity, id string) (backend.Row, error) {
	return c.mutate(ctx, inv, s, entity, backend.Mutation{Op: backend.OpDelete, ID: id})
}

func (c *Controller) mutate(ctx context.Context, inv Invalidator, s scope.Session, entity string, m backend.Mutation) (backend.Row, error) {
	e, err := c.entity(entity)
	if err != nil {
		return nil, err
	}
	if !e.CanWrite(s.Role) {
		return nil, fmt.Errorf("%w: %s cannot write %s", ErrForbidden, s.Role, e.Name)
	}
	if s.Role != scope.RoleAdmin {
		if err := c.checkScope(ctx, s, e, m); err != nil {
			return nil, err
		}
	}

	m.Table = e.TableName()
	row, err := c.backend.Mutate(ctx, m)
	if err != nil {
		return nil, err
	}

	id := m.ID
	if id == "" {
		id, _ = row[backend.IDColumn].(string)
	}
	c.afterWrite(ctx, inv, e, m.Op, id)
	return row, nil
}

// checkScope rejects writes by scoped roles that touch a row outside the
// session scope, or that would leave the written row outside it.
func (c *Controller) checkScope(ctx context.Context, s scope.Session, e Entity, m backend.Mutation) error {
	var written backend.Row
	if m.Op != backend.OpInsert {
		pg, err := c.lookup(ctx, s, e, m.ID)
		if err != nil {
			return err
		}
		if pg.Empty {
			return fmt.Errorf("%w: %s %s is outside the session scope", ErrForbidden, e.Name, m.ID)
		}
		if m.Op == backend.OpDelete {
			return nil
		}
		written = maps.Clone(pg.Rows[0])
	}
	if written == nil {
		written = backend.Row{}
	}
	maps.Copy(written, m.Values)

	plan, err := c.planner.Plan(ctx, s, e.Name, nil)
	if err != nil {
		return err
	}
	if plan.Empty || !backend.MatchRow(written, plan.Filters...) {
		return fmt.Errorf("%w: %s would be written outside the session scope", ErrForbidden, e.Name)
	}
	return nil
}

// afterWrite invalidates the entity and its dependents, refreshes scope
// lookups that read the entity and announces the change. Failures are
// logged: the write itself already succeeded.
func (c *Controller) afterWrite(ctx context.Context, inv Invalidator, e Entity, op backend.MutationOp, id string) {
	if _, err := c.planner.Refresh(ctx, e.Name); err != nil {
		c.logger.Warn("scope refresh failed", "entity", e.Name, "error", err)
	}

	if inv != nil {
		for _, domain := range e.Domains() {
			if err := inv.InvalidateDomain(ctx, domain); err != nil {
				c.logger.Warn("invalidate after write failed", "entity", e.Name, "domain", domain, "error", err)
			}
		}
	}

	if c.publisher != nil {
		if err := c.publisher.Publish(ctx, e.TableName(), op, id); err != nil {
			c.logger.Warn("publish change failed", "table", e.TableName(), "op", string(op), "error", err)
		}
	}

	c.logger.Info("entity changed", "entity", e.Name, "op", string(op), "id", id)
}

// Invalidate drops the cached pages of the entity served from table and of
// its dependents. It is the entry point for change notifications.
func (c *Controller) Invalidate(ctx context.Context, inv Invalidator, table string) error {
	e, ok := c.registry.ByTable(table)
	if !ok {
		return fmt.Errorf("%w: table %q", ErrUnknownEntity, table)
	}
	if _, err := c.planner.Refresh(ctx, e.Name); err != nil {
		return err
	}
	var errs []error
	for _, domain := range e.Domains() {
		errs = append(errs, inv.InvalidateDomain(ctx, domain))
	}
	return errors.Join(errs...)
}
