// Package cache builds deterministic query keys and exposes the read-through
// cache used for session scope lookups.
//
// # Keys
//
// A Key has three segments joined by KeySeparator: a domain (the entity,
// e.g. "student"), a resource (e.g. "list" or "detail") and a canonical
// encoding of the parameters:
//
//	key, err := cache.BuildKey("student", "list", map[string]any{"page": 2, "search": "Ana"})
//	// student::list::{"page":2,"search":"Ana"}
//
// Parameters may be maps with string keys or structs. Struct fields are named
// by their `key` tag, then their `json` tag, then the Go name. The encoding:
//
//   - sorts object fields, so field order never changes a key
//   - drops nil values, so an absent parameter and a nil one are the same
//   - quotes strings, so "2" and 2 never collide
//   - writes integral floats as integers and times in UTC
//
// Values that cannot be encoded deterministically (functions, channels,
// non-finite numbers, maps with non string keys, cycles) are rejected with an
// InvalidKeyError.
//
// Every key of a domain starts with FamilyPrefix(domain), which is how a
// write to an entity drops all of its cached pages at once.
//
// # Lookup cache
//
// CacheService is a small read-through interface over sturdyc. The scope
// planner keeps identity lookups in it (a student's class, a parent's
// children, a teacher's lessons) so they are shared by every session:
//
//	svc, err := cache.NewCacheService(cache.DefaultConfig())
//	lessons, err := cache.GetOrFetch(ctx, svc, key.String(), func(ctx context.Context) ([]Lesson, error) {
//		return directory.TeacherLessons(ctx, teacherID)
//	})
//
// Concurrent misses on the same key share a single fetch.
package cache
