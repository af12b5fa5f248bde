package di

import (
	"context"
	"testing"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-query-cache/backend"
	"github.com/goliatone/go-query-cache/listpage"
	"github.com/goliatone/go-query-cache/pkg/testsupport"
	"github.com/goliatone/go-query-cache/query"
	"github.com/goliatone/go-query-cache/repositorycache"
	"github.com/goliatone/go-query-cache/scope"
)

// Announcement is the typed model of the announcement table.
type Announcement struct {
	ID      string `json:"id" bun:"id,pk"`
	Title   string `json:"title" bun:"title"`
	ClassID string `json:"class_id" bun:"class_id"`
	Date    string `json:"date" bun:"date"`
}

// memoryRepository writes typed records into a backend.Memory table.
// Methods it does not override panic through the nil embedded interface.
type memoryRepository struct {
	repository.Repository[Announcement]
	mem   *backend.Memory
	table string
}

func (m *memoryRepository) Create(ctx context.Context, a Announcement, criteria ...repository.InsertCriteria) (Announcement, error) {
	_, err := m.mem.Mutate(ctx, backend.Mutation{
		Table:  m.table,
		Op:     backend.OpInsert,
		Values: backend.Row{"id": a.ID, "title": a.Title, "class_id": a.ClassID, "date": a.Date},
	})
	return a, err
}

func (m *memoryRepository) Delete(ctx context.Context, a Announcement) error {
	_, err := m.mem.Mutate(ctx, backend.Mutation{Table: m.table, Op: backend.OpDelete, ID: a.ID})
	return err
}

type recordedChange struct {
	table string
	op    backend.MutationOp
	id    string
}

type recordingPublisher struct{ changes []recordedChange }

func (p *recordingPublisher) Publish(ctx context.Context, table string, op backend.MutationOp, id string) error {
	p.changes = append(p.changes, recordedChange{table, op, id})
	return nil
}

func seededMemory() *backend.Memory {
	return testsupport.NewSchool()
}

func TestEndToEndSessionFlow(t *testing.T) {
	ctx := context.Background()
	mem := seededMemory()
	container, err := NewContainer(mem, WithQueryDefaults(query.WithRetry(nil)))
	if err != nil {
		t.Fatal(err)
	}

	teacher := scope.Session{UserID: "t1", Role: scope.RoleTeacher}
	sess := container.Sessions().Open("", teacher)
	ctrl := container.Controller()

	view, err := ctrl.List(ctx, sess.Client, teacher, "student", listpage.Params{Page: 2})
	if err != nil {
		t.Fatal(err)
	}
	if view.State != listpage.StateTable || view.Count != 12 || len(view.Rows) != 2 {
		t.Fatalf("page 2 = %+v", view)
	}

	// the second read is served by the session client
	if _, err := ctrl.List(ctx, sess.Client, teacher, "student", listpage.Params{Page: 2}); err != nil {
		t.Fatal(err)
	}
	if got := mem.CallsTo("student"); got != 1 {
		t.Errorf("student selects = %d, want 1", got)
	}

	// a teacher only sees announcements of its classes
	view, err = ctrl.List(ctx, sess.Client, teacher, "announcement", listpage.Params{Page: 1})
	if err != nil {
		t.Fatal(err)
	}
	if view.Count != 1 || view.Rows[0]["id"] != "a1" {
		t.Errorf("announcements = %+v", view)
	}
}

func TestInvalidatingRepositoryRefreshesSessions(t *testing.T) {
	ctx := context.Background()
	mem := seededMemory()
	pub := &recordingPublisher{}
	container, err := NewContainer(mem, WithPublisher(pub), WithQueryDefaults(query.WithRetry(nil)))
	if err != nil {
		t.Fatal(err)
	}

	admin := scope.Session{UserID: "a1", Role: scope.RoleAdmin}
	teacher := scope.Session{UserID: "t1", Role: scope.RoleTeacher}
	adminSess := container.Sessions().Open("", admin)
	teacherSess := container.Sessions().Open("", teacher)
	ctrl := container.Controller()

	list := func(sess scope.Session, client *query.Client) listpage.View {
		t.Helper()
		v, err := ctrl.List(ctx, client, sess, "announcement", listpage.Params{Page: 1})
		if err != nil {
			t.Fatal(err)
		}
		return v
	}
	if v := list(admin, adminSess.Client); v.Count != 2 {
		t.Fatalf("admin announcements = %d", v.Count)
	}
	if v := list(teacher, teacherSess.Client); v.Count != 1 {
		t.Fatalf("teacher announcements = %d", v.Count)
	}

	repo := NewInvalidatingRepository[Announcement](container,
		&memoryRepository{mem: mem, table: "announcement"},
		repositorycache.WithTable("announcement"))

	if _, err := repo.Create(ctx, Announcement{ID: "a3", Title: "Sports day", ClassID: "c1", Date: "2024-05-03"}); err != nil {
		t.Fatal(err)
	}

	for _, s := range []struct {
		sess   scope.Session
		client *query.Client
		want   int
	}{
		{admin, adminSess.Client, 3},
		{teacher, teacherSess.Client, 2},
	} {
		if v := list(s.sess, s.client); v.Count != s.want {
			t.Errorf("%s sees %d announcements after the write, want %d", s.sess.Role, v.Count, s.want)
		}
	}

	want := []recordedChange{{"announcement", backend.OpInsert, "a3"}}
	if len(pub.changes) != 1 || pub.changes[0] != want[0] {
		t.Errorf("published %v, want %v", pub.changes, want)
	}
}

func TestInvalidatingRepositoryFailedWrite(t *testing.T) {
	ctx := context.Background()
	mem := seededMemory()
	container, err := NewContainer(mem)
	if err != nil {
		t.Fatal(err)
	}

	repo := NewInvalidatingRepository[Announcement](container,
		&memoryRepository{mem: mem, table: "announcement"},
		repositorycache.WithTable("announcement"))

	if err := repo.Delete(ctx, Announcement{ID: "missing"}); err == nil {
		t.Fatal("deleting a missing row should fail")
	}
}
