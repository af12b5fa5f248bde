package di

import (
	"log/slog"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-query-cache/backend"
	"github.com/goliatone/go-query-cache/cache"
	"github.com/goliatone/go-query-cache/internal/httpapi"
	"github.com/goliatone/go-query-cache/listpage"
	"github.com/goliatone/go-query-cache/query"
	"github.com/goliatone/go-query-cache/repositorycache"
	"github.com/goliatone/go-query-cache/scope"
)

// Container builds the dashboard object graph over one backend: the scope
// lookup cache, the planner, the list page controller and the session
// registry. Every accessor returns the same instance.
type Container struct {
	config       cache.Config
	backend      backend.Backend
	cacheService cache.CacheService
	planner      *scope.Planner
	controller   *listpage.Controller
	sessions     *httpapi.Sessions

	logger    *slog.Logger
	hooks     query.Hooks
	defaults  []query.Option
	publisher listpage.Publisher
	observer  httpapi.SessionObserver
	registry  *listpage.Registry
	sessOpts  []httpapi.SessionsOption
}

// Option configures a Container.
type Option func(*Container)

// WithCacheConfig sizes the scope lookup cache. Defaults to cache.DefaultConfig.
func WithCacheConfig(cfg cache.Config) Option {
	return func(c *Container) { c.config = cfg }
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(c *Container) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHooks attaches h to every session client.
func WithHooks(h query.Hooks) Option {
	return func(c *Container) { c.hooks = h }
}

// WithQueryDefaults sets the defaults of every session client.
func WithQueryDefaults(opts ...query.Option) Option {
	return func(c *Container) { c.defaults = append(c.defaults, opts...) }
}

// WithPublisher announces writes to other processes.
func WithPublisher(p listpage.Publisher) Option {
	return func(c *Container) { c.publisher = p }
}

// WithSessionObserver reports session counts.
func WithSessionObserver(o httpapi.SessionObserver) Option {
	return func(c *Container) { c.observer = o }
}

// WithRegistry replaces listpage.DefaultRegistry.
func WithRegistry(r *listpage.Registry) Option {
	return func(c *Container) { c.registry = r }
}

// WithSessionOptions passes extra options to the session registry.
func WithSessionOptions(opts ...httpapi.SessionsOption) Option {
	return func(c *Container) { c.sessOpts = append(c.sessOpts, opts...) }
}

// NewContainer wires the components over b. It fails when the cache
// configuration is invalid.
func NewContainer(b backend.Backend, opts ...Option) (*Container, error) {
	c := &Container{
		config:  cache.DefaultConfig(),
		backend: b,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}

	svc, err := cache.NewCacheService(c.config)
	if err != nil {
		return nil, err
	}
	c.cacheService = svc

	c.planner = scope.NewPlanner(scope.NewBackendDirectory(b), svc,
		scope.WithLogger(c.logger.With("component", "scope")))

	ctrlOpts := []listpage.Option{
		listpage.WithLogger(c.logger.With("component", "listpage")),
		listpage.WithRegistry(c.registry),
	}
	if c.publisher != nil {
		ctrlOpts = append(ctrlOpts, listpage.WithPublisher(c.publisher))
	}
	c.controller = listpage.NewController(b, c.planner, ctrlOpts...)

	sessOpts := append([]httpapi.SessionsOption{
		httpapi.WithForgetter(c.planner),
		httpapi.WithSessionLogger(c.logger.With("component", "sessions")),
	}, c.sessOpts...)
	if c.observer != nil {
		sessOpts = append(sessOpts, httpapi.WithSessionObserver(c.observer))
	}
	c.sessions = httpapi.NewSessions(c.NewClient, sessOpts...)

	return c, nil
}

// NewContainerWithDefaults wires the components over an empty in-memory backend.
func NewContainerWithDefaults() (*Container, error) {
	return NewContainer(backend.NewMemory())
}

// NewClient builds a query client with the container defaults. Sessions use
// it for every new browser session.
func (c *Container) NewClient() *query.Client {
	opts := []query.ClientOption{
		query.WithDefaults(c.defaults...),
		query.WithLogger(c.logger.With("component", "query")),
	}
	if c.hooks != nil {
		opts = append(opts, query.WithHooks(c.hooks))
	}
	return query.NewClient(opts...)
}

// Config returns the scope lookup cache configuration.
func (c *Container) Config() cache.Config { return c.config }

// Backend returns the backend every component reads.
func (c *Container) Backend() backend.Backend { return c.backend }

// CacheService returns the scope lookup cache.
func (c *Container) CacheService() cache.CacheService { return c.cacheService }

// Planner returns the scope planner.
func (c *Container) Planner() *scope.Planner { return c.planner }

// Controller returns the list page controller.
func (c *Container) Controller() *listpage.Controller { return c.controller }

// Sessions returns the session registry.
func (c *Container) Sessions() *httpapi.Sessions { return c.sessions }

// NewInvalidatingRepository wraps a typed repository so its writes
// invalidate the pages of every open session, refresh the scope lookups
// and are announced through the container publisher.
//
// Go methods cannot have type parameters, so this is a package function:
// NewInvalidatingRepository[Lesson](container, lessonRepo).
func NewInvalidatingRepository[T any](c *Container, base repository.Repository[T], opts ...repositorycache.Option) *repositorycache.InvalidatingRepository[T] {
	wired := []repositorycache.Option{
		repositorycache.WithRefresher(c.planner),
		repositorycache.WithLogger(c.logger.With("component", "repositorycache")),
	}
	if c.publisher != nil {
		wired = append(wired, repositorycache.WithPublisher(c.publisher))
	}
	return repositorycache.New(base, c.sessions, append(wired, opts...)...)
}
