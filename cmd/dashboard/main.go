package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/goliatone/go-query-cache/backend"
	"github.com/goliatone/go-query-cache/cache"
	"github.com/goliatone/go-query-cache/internal/config"
	"github.com/goliatone/go-query-cache/internal/httpapi"
	"github.com/goliatone/go-query-cache/internal/logging"
	"github.com/goliatone/go-query-cache/internal/metrics"
	"github.com/goliatone/go-query-cache/listpage"
	"github.com/goliatone/go-query-cache/pkg/di"
	"github.com/goliatone/go-query-cache/query"
	"github.com/goliatone/go-query-cache/realtime"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "dashboard:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	logger.Info("starting dashboard", "addr", cfg.Server.Addr, "driver", cfg.Database.Driver)

	db, err := backend.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	registry := listpage.DefaultRegistry()
	store := backend.NewBun(db, registry.Tables()...)
	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	origin := uuid.NewString()
	opts := []di.Option{
		di.WithCacheConfig(cfg.Scope.CacheConfig()),
		di.WithLogger(logger),
		di.WithHooks(m),
		di.WithQueryDefaults(cfg.Query.Options()...),
		di.WithSessionObserver(m),
		di.WithRegistry(registry),
		di.WithSessionOptions(httpapi.WithIdleTimeout(cfg.Server.SessionIdle)),
	}

	var rdb redis.UniversalClient
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		opts = append(opts, di.WithPublisher(realtime.NewPublisher(rdb, cfg.Redis.Channel, origin)))
		logger.Info("realtime invalidation enabled", "channel", cfg.Redis.Channel, "origin", origin)
	}

	container, err := di.NewContainer(store, opts...)
	if err != nil {
		return err
	}
	sessions := container.Sessions()
	controller := container.Controller()
	if r, ok := container.CacheService().(cache.StatsReporter); ok {
		m.WatchLookupCache(r)
	}

	go sessions.Run(ctx, cfg.Query.GCInterval)

	if rdb != nil {
		listener := realtime.NewListener(rdb, origin,
			func(ctx context.Context, table string) error {
				return controller.Invalidate(ctx, sessions, table)
			},
			realtime.WithChannel(cfg.Redis.Channel),
			realtime.WithLogger(logger.With("component", "realtime")),
		)
		go func() {
			if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("realtime listener stopped", "error", err)
			}
		}()
	}

	api := httpapi.New(controller, sessions,
		httpapi.WithLogger(logger.With("component", "http")),
		httpapi.WithRequestObserver(m),
		httpapi.WithMetricsHandler(m.Handler()),
		httpapi.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
		httpapi.WithServerClient(func() *query.Client {
			return query.NewClient(query.WithDefaults(cfg.Query.Options()...))
		}),
	)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped", "sessions", sessions.Len())
	return nil
}
