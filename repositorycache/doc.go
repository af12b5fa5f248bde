// Package repositorycache keeps cached dashboard pages consistent with writes
// made through go-repository-bun repositories.
//
// Pages are cached per session by query.Client under keys whose first segment
// is the entity domain ("student::list::{...}"). A write made through a typed
// repository, outside the list page controller, would leave those pages
// showing old rows until their stale time passed. InvalidatingRepository wraps
// the repository and, after every successful write:
//
//  1. refreshes the scope lookups that read the entity (a student's class, a
//     teacher's lessons),
//  2. invalidates the entity's domain, its dependent domains and any domain
//     attached to the context with WithCacheTags,
//  3. announces the change so other server instances invalidate too.
//
// Reads pass straight through; caching them is the job of the query client.
//
//	students := repositorycache.New(baseRepo, sessions,
//		repositorycache.WithDependents("result", "attendance"),
//		repositorycache.WithRefresher(planner),
//		repositorycache.WithPublisher(publisher),
//	)
//	_, err := students.Update(ctx, student)
//
// Failures while invalidating are logged and never returned: the write has
// already been committed by the time they happen.
package repositorycache
