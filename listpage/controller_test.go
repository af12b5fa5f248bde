package listpage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-query-cache/backend"
	"github.com/goliatone/go-query-cache/cache"
	"github.com/goliatone/go-query-cache/hydrate"
	"github.com/goliatone/go-query-cache/query"
	"github.com/goliatone/go-query-cache/scope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin   = scope.Session{UserID: "a1", Role: scope.RoleAdmin}
	teacher = scope.Session{UserID: "t1", Role: scope.RoleTeacher}
)

type fixture struct {
	db         *backend.Memory
	planner    *scope.Planner
	controller *Controller
	published  *recordingPublisher
}

type recordingPublisher struct {
	mu      sync.Mutex
	changes []string
}

func (p *recordingPublisher) Publish(ctx context.Context, table string, op backend.MutationOp, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, fmt.Sprintf("%s:%s:%s", table, op, id))
	return nil
}

type recordingInvalidator struct {
	target  Invalidator
	domains []string
}

func (r *recordingInvalidator) InvalidateDomain(ctx context.Context, domain string) error {
	r.domains = append(r.domains, domain)
	if r.target == nil {
		return nil
	}
	return r.target.InvalidateDomain(ctx, domain)
}

func newFixture(t *testing.T, b ...backend.Backend) *fixture {
	t.Helper()

	db := backend.NewMemory()
	for i := 1; i <= 42; i++ {
		db.Seed("student", backend.Row{
			"id":       fmt.Sprintf("s%02d", i),
			"name":     fmt.Sprintf("Ana %02d", i),
			"class_id": fmt.Sprintf("c%d", i%2+1),
		})
	}
	db.Seed("student", backend.Row{"id": "s99", "name": "Sin Clase"})
	db.Seed("class", backend.Row{"id": "c1", "name": "1A"}, backend.Row{"id": "c2", "name": "1B"})
	db.Seed("lesson",
		backend.Row{"id": "l1", "class_id": "c1", "teacher_id": "t1", "name": "Math"},
		backend.Row{"id": "l2", "class_id": "c2", "teacher_id": "t2", "name": "History"},
	)
	db.Seed("assignment",
		backend.Row{"id": "as1", "lesson_id": "l1", "title": "Fractions"},
		backend.Row{"id": "as2", "lesson_id": "l2", "title": "Rome"},
	)
	db.Seed("exam")

	svc, err := cache.NewCacheService(cache.Config{Capacity: 100, NumShards: 2, TTL: time.Minute, EvictionPercentage: 10})
	require.NoError(t, err)
	planner := scope.NewPlanner(scope.NewBackendDirectory(db), svc)

	var lists backend.Backend = db
	if len(b) > 0 {
		lists = b[0]
	}
	pub := &recordingPublisher{}
	return &fixture{
		db:         db,
		planner:    planner,
		published:  pub,
		controller: NewController(lists, planner, WithPublisher(pub), WithQueryOptions(query.WithRetry(nil))),
	}
}

func newSessionClient() *query.Client {
	return query.NewClient(query.WithDefaults(query.WithRetry(nil)))
}

type stubBackend struct {
	mu      sync.Mutex
	result  backend.Result
	queries []backend.Query
}

func (s *stubBackend) Select(ctx context.Context, q backend.Query) (backend.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, q)
	return s.result, nil
}

func (s *stubBackend) Mutate(ctx context.Context, m backend.Mutation) (backend.Row, error) {
	return nil, errors.New("read only")
}

func TestList_AdminSecondPage(t *testing.T) {
	rows := make([]backend.Row, 5)
	for i := range rows {
		rows[i] = backend.Row{"id": fmt.Sprintf("s%d", i), "name": "Ana"}
	}
	stub := &stubBackend{result: backend.Result{Rows: rows, Count: 42}}
	f := newFixture(t, stub)

	params := ParseParams(url.Values{"page": {"2"}, "search": {"Ana"}}, mustEntity(t, f, "student"))
	key, _, err := f.controller.Query(admin, "student", params)
	require.NoError(t, err)
	assert.Equal(t, `student::list::{"page":2,"role":"admin","search":"Ana"}`, key.String())

	view, err := f.controller.List(context.Background(), newSessionClient(), admin, "student", params)
	require.NoError(t, err)

	assert.Equal(t, StateTable, view.State)
	assert.Len(t, view.Rows, 5)
	assert.Equal(t, 42, view.Count)
	assert.Equal(t, 2, view.Page)
	assert.Equal(t, 5, view.TotalPages)
	assert.True(t, view.HasPrev)
	assert.True(t, view.HasNext)

	require.Len(t, stub.queries, 1)
	q := stub.queries[0]
	assert.Empty(t, q.Filters, "admin lists carry no role filter")
	assert.Equal(t, backend.Range{Offset: 10, Limit: 10}, q.Range)
	assert.Equal(t, "Ana", q.Search.Term)
}

func TestList_TeacherWithoutLessons(t *testing.T) {
	f := newFixture(t)
	lonely := scope.Session{UserID: "t9", Role: scope.RoleTeacher}

	view, err := f.controller.List(context.Background(), newSessionClient(), lonely, "assignment", Params{Page: 1})
	require.NoError(t, err)

	assert.Equal(t, StateEmpty, view.State)
	assert.Equal(t, scope.MsgNoLessons, view.EmptyMessage)
	assert.Zero(t, view.Count)
	assert.Equal(t, 1, f.db.CallsTo("lesson"))
	assert.Zero(t, f.db.CallsTo("assignment"), "no second backend call")
}

func TestList_StudentWithoutClass(t *testing.T) {
	f := newFixture(t)
	s := scope.Session{UserID: "s99", Role: scope.RoleStudent}

	view, err := f.controller.List(context.Background(), newSessionClient(), s, "class", Params{Page: 1})
	require.NoError(t, err)

	assert.Equal(t, StateEmpty, view.State)
	assert.Equal(t, scope.MsgNoClass, view.EmptyMessage)
	assert.Zero(t, f.db.CallsTo("class"))
}

func TestList_TeacherScopedAssignments(t *testing.T) {
	f := newFixture(t)

	view, err := f.controller.List(context.Background(), newSessionClient(), teacher, "assignment", Params{Page: 1})
	require.NoError(t, err)

	require.Len(t, view.Rows, 1)
	assert.Equal(t, "as1", view.Rows[0]["id"])
	assert.Equal(t, 1, view.TotalPages)
}

func TestList_BackendFailure(t *testing.T) {
	f := newFixture(t)
	f.db.Fail("class", errors.New("permission denied for table class"))

	view, err := f.controller.List(context.Background(), newSessionClient(), admin, "class", Params{Page: 1})
	require.NoError(t, err)

	assert.Equal(t, StateError, view.State)
	assert.Contains(t, view.Error, "permission denied for table class")
	assert.True(t, view.Retryable)
}

func TestList_UnknownEntity(t *testing.T) {
	f := newFixture(t)
	_, err := f.controller.List(context.Background(), newSessionClient(), admin, "payroll", Params{Page: 1})
	assert.ErrorIs(t, err, ErrUnknownEntity)
}

func TestMutations_InvalidateOnlyTheirFamilies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := newSessionClient()

	for _, entity := range []string{"student", "class", "exam"} {
		_, err := f.controller.List(ctx, session, admin, entity, Params{Page: 1})
		require.NoError(t, err)
	}
	f.db.ResetCalls()

	inv := &recordingInvalidator{target: session}
	created, err := f.controller.Create(ctx, inv, admin, "student", backend.Row{"name": "Ana Nueva", "class_id": "c1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"attendance", "result", "student"}, inv.domains)

	for _, entity := range []string{"student", "class", "exam"} {
		_, err := f.controller.List(ctx, session, admin, entity, Params{Page: 1})
		require.NoError(t, err)
	}

	assert.Equal(t, 1, f.db.CallsTo("student"), "student pages refetch")
	assert.Zero(t, f.db.CallsTo("class"), "class pages stay cached")
	assert.Zero(t, f.db.CallsTo("exam"), "exam pages stay cached")

	view, err := f.controller.List(ctx, session, admin, "student", Params{Page: 5})
	require.NoError(t, err)
	assert.Equal(t, 44, view.Count)

	f.published.mu.Lock()
	defer f.published.mu.Unlock()
	assert.Equal(t, []string{fmt.Sprintf("student:insert:%s", created["id"])}, f.published.changes)
}

func TestMutations_RoleChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := &recordingInvalidator{}

	_, err := f.controller.Create(ctx, inv, teacher, "student", backend.Row{"name": "x"})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.controller.Update(ctx, inv, teacher, "assignment", "as2", backend.Row{"title": "Carthage"})
	assert.ErrorIs(t, err, ErrForbidden, "assignment of another teacher's lesson")

	row, err := f.controller.Update(ctx, inv, teacher, "assignment", "as1", backend.Row{"title": "Decimals"})
	require.NoError(t, err)
	assert.Equal(t, "Decimals", row["title"])
	assert.Equal(t, []string{"assignment", "result"}, inv.domains)

	_, err = f.controller.Delete(ctx, inv, admin, "assignment", "missing")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestMutations_WrittenRowStaysInScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := &recordingInvalidator{}

	_, err := f.controller.Create(ctx, inv, teacher, "assignment", backend.Row{"lesson_id": "l2", "title": "Sparta"})
	assert.ErrorIs(t, err, ErrForbidden, "insert onto another teacher's lesson")

	_, err = f.controller.Update(ctx, inv, teacher, "assignment", "as1", backend.Row{"lesson_id": "l2"})
	assert.ErrorIs(t, err, ErrForbidden, "move onto another teacher's lesson")
	assert.Empty(t, f.db.Mutations(), "rejected writes never reach the backend")

	row, err := f.controller.Create(ctx, inv, teacher, "assignment", backend.Row{"lesson_id": "l1", "title": "Percentages"})
	require.NoError(t, err)
	assert.Equal(t, "l1", row["lesson_id"])

	_, err = f.controller.Create(ctx, inv, admin, "assignment", backend.Row{"lesson_id": "l2", "title": "Athens"})
	assert.NoError(t, err, "admins are not scoped")
}

func TestDetail_Scoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	student := scope.Session{UserID: "s01", Role: scope.RoleStudent}
	session := newSessionClient()

	own, err := f.controller.Detail(ctx, session, student, "class", "c2")
	require.NoError(t, err)
	require.Equal(t, StateTable, own.State)
	assert.Equal(t, "1B", own.Rows[0]["name"])

	other, err := f.controller.Detail(ctx, session, student, "class", "c1")
	require.NoError(t, err)
	assert.Equal(t, StateEmpty, other.State)
}

func TestServerAndSessionKeysMatch(t *testing.T) {
	f := newFixture(t)
	e := mustEntity(t, f, "student")

	fromURL := ParseParams(mustQuery(t, "search=%20Ana%20&page=02&classId=c1&sort=name"), e)
	fromState := Params{Page: 2, Search: "Ana", Filters: map[string]string{"classId": "c1"}}

	for _, s := range []scope.Session{admin, teacher, {UserID: "p1", Role: scope.RoleParent}} {
		server, _, err := f.controller.Query(s, "student", fromURL)
		require.NoError(t, err)
		client, _, err := f.controller.Query(s, "student", fromState)
		require.NoError(t, err)
		assert.True(t, server.Equal(client), "%s != %s", server, client)
	}

	other, _, err := f.controller.Query(teacher, "student", fromState)
	require.NoError(t, err)
	mine, _, err := f.controller.Query(scope.Session{UserID: "t2", Role: scope.RoleTeacher}, "student", fromState)
	require.NoError(t, err)
	assert.False(t, other.Equal(mine), "sessions never share a scoped key")
}

func TestPrefetchHydrateList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	params := ParseParams(mustQuery(t, "page=1"), mustEntity(t, f, "student"))

	server := newSessionClient()
	require.NoError(t, f.controller.Prefetch(ctx, server, teacher, "student", params))
	snapshot, err := hydrate.Dehydrate(server, nil)
	require.NoError(t, err)
	encoded, err := snapshot.Encode()
	require.NoError(t, err)

	session := newSessionClient()
	_, err = hydrate.NewHydrator(session, nil).ApplyEncoded(encoded)
	require.NoError(t, err)

	view, err := f.controller.List(ctx, session, teacher, "student", ParseParams(mustQuery(t, "page=1"), mustEntity(t, f, "student")))
	require.NoError(t, err)

	assert.Equal(t, StateTable, view.State)
	assert.Equal(t, 21, view.Count)
	assert.Len(t, view.Rows, 10)
	assert.Equal(t, 1, f.db.CallsTo("student"), "the session reuses the prefetched page")
}

func TestObserveAndRender(t *testing.T) {
	f := newFixture(t)
	obs, err := f.controller.Observe(newSessionClient(), admin, "class", Params{Page: 1})
	require.NoError(t, err)
	defer obs.Close()

	require.Eventually(t, func() bool {
		return Render(obs.Result(), Params{Page: 1}).State == StateTable
	}, time.Second, time.Millisecond)

	view := Render(obs.Result(), Params{Page: 1})
	assert.Equal(t, 2, view.Count)
	assert.False(t, view.HasNext)
}

func TestRender(t *testing.T) {
	boom := errors.New("timeout")
	rows := []backend.Row{{"id": "1"}}

	tests := []struct {
		name   string
		result query.Result[Page]
		want   State
		check  func(t *testing.T, v View)
	}{
		{
			name:   "loading",
			result: query.Result[Page]{IsLoading: true},
			want:   StateLoading,
		},
		{
			name:   "error",
			result: query.Result[Page]{Err: boom},
			want:   StateError,
			check: func(t *testing.T, v View) {
				assert.Equal(t, "timeout", v.Error)
				assert.True(t, v.Retryable)
			},
		},
		{
			name:   "no retry while a refetch is running",
			result: query.Result[Page]{Err: boom, IsFetching: true},
			want:   StateError,
			check: func(t *testing.T, v View) {
				assert.True(t, v.IsFetching)
				assert.False(t, v.Retryable)
			},
		},
		{
			name:   "invalid key is not retryable",
			result: query.Result[Page]{Err: &cache.InvalidKeyError{Reason: "bad"}},
			want:   StateError,
			check: func(t *testing.T, v View) {
				assert.False(t, v.Retryable)
			},
		},
		{
			name:   "stale data with error",
			result: query.Result[Page]{HasData: true, Data: Page{Rows: rows, Count: 1}, Err: boom},
			want:   StateTable,
			check: func(t *testing.T, v View) {
				assert.Equal(t, "timeout", v.Error)
				assert.Len(t, v.Rows, 1)
			},
		},
		{
			name:   "empty default message",
			result: query.Result[Page]{HasData: true, Data: Page{}},
			want:   StateEmpty,
			check: func(t *testing.T, v View) {
				assert.Equal(t, scope.MsgNoRows, v.EmptyMessage)
				assert.NotNil(t, v.Rows)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Render(tt.result, Params{Page: 1})
			assert.Equal(t, tt.want, v.State)
			if tt.check != nil {
				tt.check(t, v)
			}
		})
	}
}

func TestTotalPages(t *testing.T) {
	cases := map[int]int{0: 0, 1: 1, 10: 1, 11: 2, 42: 5, 50: 5}
	for count, want := range cases {
		assert.Equal(t, want, TotalPages(count), "count %d", count)
	}
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	want := []string{"announcement", "assignment", "attendance", "class", "event", "exam", "lesson", "parent", "result", "student", "subject", "teacher"}
	assert.Equal(t, want, r.Names())
	assert.Equal(t, want, r.Tables(), "every entity is served from the table of its name")

	for _, name := range r.Names() {
		e, _ := r.Get(name)
		for _, dep := range e.Dependents {
			_, ok := r.Get(dep)
			assert.True(t, ok, "%s depends on unknown %s", name, dep)
		}
		assert.True(t, slices.Contains(e.Domains(), name))
	}

	policies := scope.DefaultPolicies()
	for _, name := range r.Names() {
		_, ok := policies[name]
		assert.True(t, ok, "%s has no scope policy", name)
	}
}

func mustEntity(t *testing.T, f *fixture, name string) Entity {
	t.Helper()
	e, ok := f.controller.Registry().Get(name)
	require.True(t, ok)
	return e
}

func mustQuery(t *testing.T, raw string) url.Values {
	t.Helper()
	v, err := url.ParseQuery(raw)
	require.NoError(t, err)
	return v
}
