// Package query is the cache every dashboard list and detail page reads through.
//
// A Client stores one entry per cache.Key. Fetch and Observe return the cached
// value while it is fresh and otherwise run the fetch function, sharing one
// in-flight fetch between every caller of the same key:
//
//	client := query.NewClient(query.WithLogger(logger))
//	key := cache.MustBuildKey("student", "list", params)
//	res, err := query.Fetch(ctx, client, key, func(ctx context.Context) (backend.Result, error) {
//		return db.Select(ctx, q)
//	}, query.WithStaleTime(time.Minute))
//
// Stale entries keep serving their data while a refetch runs, and a failed
// refetch keeps the previous data next to the error. InvalidateFamily marks a
// domain stale after writes and refetches what is being observed.
//
// Export and Import move successful entries between clients in msgpack form;
// the hydrate package builds its snapshots on top of them.
package query
