package hydrate

import (
	"context"
	"errors"

	"github.com/goliatone/go-query-cache/cache"
	"github.com/goliatone/go-query-cache/query"
	"golang.org/x/sync/errgroup"
)

// Prefetch runs fn for key on the server side client so the result can be
// dehydrated. Fresh entries are not fetched again.
func Prefetch[T any](ctx context.Context, c *query.Client, key cache.Key, fn query.FetchFunc[T], opts ...query.Option) error {
	_, err := query.Fetch(ctx, c, key, fn, opts...)
	return err
}

// Task is one prefetch to run with PrefetchAll.
type Task func(ctx context.Context, c *query.Client) error

// Query wraps Prefetch as a Task.
func Query[T any](key cache.Key, fn query.FetchFunc[T], opts ...query.Option) Task {
	return func(ctx context.Context, c *query.Client) error {
		return Prefetch(ctx, c, key, fn, opts...)
	}
}

// PrefetchAll runs tasks in parallel, at most limit at a time when limit > 0.
// A failing task does not stop the others: failed entries are simply not
// dehydrated and the session fetches them itself. All errors are joined.
func PrefetchAll(ctx context.Context, c *query.Client, limit int, tasks ...Task) error {
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}

	errs := make([]error, len(tasks))
	for i, task := range tasks {
		if task == nil {
			continue
		}
		g.Go(func() error {
			errs[i] = task(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}
