package scope

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/goliatone/go-query-cache/backend"
	"github.com/goliatone/go-query-cache/cache"
)

func newTestPlanner(t *testing.T) (*Planner, *backend.Memory) {
	t.Helper()

	db := backend.NewMemory()
	db.Seed("student",
		backend.Row{"id": "s1", "class_id": "c1", "parent_id": "p1"},
		backend.Row{"id": "s2", "class_id": "c2", "parent_id": "p1"},
		backend.Row{"id": "s3", "parent_id": "p2"},
		backend.Row{"id": "s4", "class_id": "c1"},
	)
	db.Seed("lesson",
		backend.Row{"id": "l1", "class_id": "c1", "teacher_id": "t1"},
		backend.Row{"id": "l2", "class_id": "c2", "teacher_id": "t1"},
		backend.Row{"id": "l3", "class_id": "c1", "teacher_id": "t2"},
	)

	svc, err := cache.NewCacheService(cache.Config{
		Capacity:           100,
		NumShards:          2,
		TTL:                time.Minute,
		EvictionPercentage: 10,
	})
	if err != nil {
		t.Fatalf("NewCacheService: %v", err)
	}

	return NewPlanner(NewBackendDirectory(db), svc), db
}

func TestPlanner_Plan(t *testing.T) {
	base := []backend.Filter{backend.ILike("name", "%ana%")}

	tests := []struct {
		name    string
		session Session
		entity  string
		want    Plan
	}{
		{
			name:    "admin keeps base filters",
			session: Session{UserID: "a1", Role: RoleAdmin},
			entity:  "student",
			want:    Plan{Filters: base},
		},
		{
			name:    "teacher lessons by teaching fk",
			session: Session{UserID: "t1", Role: RoleTeacher},
			entity:  "lesson",
			want:    Plan{Filters: []backend.Filter{backend.Eq("teacher_id", "t1"), base[0]}},
		},
		{
			name:    "teacher assignments through lessons",
			session: Session{UserID: "t1", Role: RoleTeacher},
			entity:  "assignment",
			want:    Plan{Filters: []backend.Filter{backend.InStrings("lesson_id", []string{"l1", "l2"}), base[0]}},
		},
		{
			name:    "teacher students through lesson classes",
			session: Session{UserID: "t1", Role: RoleTeacher},
			entity:  "student",
			want:    Plan{Filters: []backend.Filter{backend.InStrings("class_id", []string{"c1", "c2"}), base[0]}},
		},
		{
			name:    "student own class",
			session: Session{UserID: "s1", Role: RoleStudent},
			entity:  "class",
			want:    Plan{Filters: []backend.Filter{backend.Eq("id", "c1"), base[0]}},
		},
		{
			name:    "student personal records",
			session: Session{UserID: "s1", Role: RoleStudent},
			entity:  "result",
			want:    Plan{Filters: []backend.Filter{backend.Eq("student_id", "s1"), base[0]}},
		},
		{
			name:    "student teachers of class lessons",
			session: Session{UserID: "s1", Role: RoleStudent},
			entity:  "teacher",
			want:    Plan{Filters: []backend.Filter{backend.InStrings("id", []string{"t1", "t2"}), base[0]}},
		},
		{
			name:    "student events include public rows",
			session: Session{UserID: "s1", Role: RoleStudent},
			entity:  "event",
			want:    Plan{Filters: []backend.Filter{backend.InOrNull("class_id", "c1"), base[0]}},
		},
		{
			name:    "student without class sees only public events",
			session: Session{UserID: "s3", Role: RoleStudent},
			entity:  "announcement",
			want:    Plan{Filters: []backend.Filter{backend.InOrNull("class_id"), base[0]}},
		},
		{
			name:    "student without class",
			session: Session{UserID: "s3", Role: RoleStudent},
			entity:  "class",
			want:    Plan{Empty: true, Message: MsgNoClass},
		},
		{
			name:    "parent children classes",
			session: Session{UserID: "p1", Role: RoleParent},
			entity:  "class",
			want:    Plan{Filters: []backend.Filter{backend.InStrings("id", []string{"c1", "c2"}), base[0]}},
		},
		{
			name:    "parent children attendance",
			session: Session{UserID: "p1", Role: RoleParent},
			entity:  "attendance",
			want:    Plan{Filters: []backend.Filter{backend.InStrings("student_id", []string{"s1", "s2"}), base[0]}},
		},
		{
			name:    "parent without children",
			session: Session{UserID: "p3", Role: RoleParent},
			entity:  "student",
			want:    Plan{Empty: true, Message: MsgNoStudents},
		},
		{
			name:    "parent without children gets no public events",
			session: Session{UserID: "p3", Role: RoleParent},
			entity:  "event",
			want:    Plan{Empty: true, Message: MsgNoStudents},
		},
		{
			name:    "parent whose child has no class",
			session: Session{UserID: "p2", Role: RoleParent},
			entity:  "lesson",
			want:    Plan{Empty: true, Message: MsgNoClass},
		},
		{
			name:    "teacher cannot list parents",
			session: Session{UserID: "t1", Role: RoleTeacher},
			entity:  "parent",
			want:    Plan{Empty: true, Message: MsgDenied},
		},
		{
			name:    "unknown role fails closed",
			session: Session{UserID: "x1", Role: Role("janitor")},
			entity:  "student",
			want:    Plan{Empty: true, Message: MsgDenied},
		},
		{
			name:    "unknown entity fails closed",
			session: Session{UserID: "t1", Role: RoleTeacher},
			entity:  "payroll",
			want:    Plan{Empty: true, Message: MsgDenied},
		},
		{
			name:    "missing user id fails closed",
			session: Session{Role: RoleStudent},
			entity:  "class",
			want:    Plan{Empty: true, Message: MsgDenied},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			planner, _ := newTestPlanner(t)

			got, err := planner.Plan(context.Background(), tt.session, tt.entity, base)
			if err != nil {
				t.Fatalf("Plan returned error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Plan = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPlanner_TeacherWithoutLessonsSkipsSecondQuery(t *testing.T) {
	planner, db := newTestPlanner(t)

	plan, err := planner.Plan(context.Background(), Session{UserID: "t9", Role: RoleTeacher}, "assignment", nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !plan.Empty || plan.Message != MsgNoLessons {
		t.Fatalf("expected empty plan with %q, got %+v", MsgNoLessons, plan)
	}
	if got := len(db.Calls()); got != 1 {
		t.Errorf("expected only the lesson lookup, got %d backend calls", got)
	}
	if db.CallsTo("assignment") != 0 {
		t.Error("assignment table must not be queried")
	}
}

func TestPlanner_LookupsAreCachedPerSession(t *testing.T) {
	planner, db := newTestPlanner(t)
	ctx := context.Background()
	s := Session{UserID: "s3", Role: RoleStudent}

	for range 3 {
		plan, err := planner.Plan(ctx, s, "class", nil)
		if err != nil {
			t.Fatalf("Plan: %v", err)
		}
		if !plan.Empty {
			t.Fatalf("expected empty plan, got %+v", plan)
		}
	}
	if got := db.CallsTo("student"); got != 1 {
		t.Errorf("student lookup ran %d times, want 1", got)
	}

	if err := planner.Forget(ctx, s); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if _, err := planner.Plan(ctx, s, "class", nil); err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if got := db.CallsTo("student"); got != 2 {
		t.Errorf("student lookup ran %d times after Forget, want 2", got)
	}
}

func TestPlanner_Refresh(t *testing.T) {
	planner, db := newTestPlanner(t)
	ctx := context.Background()
	s := Session{UserID: "t1", Role: RoleTeacher}

	if _, err := planner.Plan(ctx, s, "exam", nil); err != nil {
		t.Fatalf("Plan: %v", err)
	}

	dropped, err := planner.Refresh(ctx, "exam")
	if err != nil || dropped {
		t.Fatalf("Refresh(exam) = %v, %v; want false, nil", dropped, err)
	}

	db.Seed("lesson", backend.Row{"id": "l4", "class_id": "c3", "teacher_id": "t1"})
	dropped, err = planner.Refresh(ctx, "lesson")
	if err != nil || !dropped {
		t.Fatalf("Refresh(lesson) = %v, %v; want true, nil", dropped, err)
	}

	plan, err := planner.Plan(ctx, s, "exam", nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	want := backend.InStrings("lesson_id", []string{"l1", "l2", "l4"})
	if !reflect.DeepEqual(plan.Filters, []backend.Filter{want}) {
		t.Errorf("Filters = %v, want %v", plan.Filters, want)
	}
}

func TestPlanner_LookupFailure(t *testing.T) {
	planner, db := newTestPlanner(t)
	boom := errors.New("backend unavailable")
	db.Fail("lesson", boom)

	_, err := planner.Plan(context.Background(), Session{UserID: "t1", Role: RoleTeacher}, "assignment", nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected lookup error, got %v", err)
	}

	db.Fail("lesson", nil)
	plan, err := planner.Plan(context.Background(), Session{UserID: "t1", Role: RoleTeacher}, "assignment", nil)
	if err != nil || plan.Empty {
		t.Fatalf("failed lookups must not be cached: %+v, %v", plan, err)
	}
}

func TestPlan_Err(t *testing.T) {
	if err := (Plan{}).Err(); err != nil {
		t.Errorf("non empty plan returned %v", err)
	}
	err := sentinel(MsgNoStudents).Err()
	if !errors.Is(err, ErrScopeDenied) {
		t.Errorf("expected ErrScopeDenied, got %v", err)
	}
}

func TestPolicies_Validate(t *testing.T) {
	if err := DefaultPolicies().Validate(); err != nil {
		t.Fatalf("DefaultPolicies invalid: %v", err)
	}

	bad := Policies{"exam": {RoleTeacher: {Source: SourceLessons}}}
	if err := bad.Validate(); err == nil {
		t.Error("expected error for rule without column")
	}

	unknown := Policies{"exam": {RoleTeacher: {Column: "x", Source: Source("friends")}}}
	if err := unknown.Validate(); err == nil {
		t.Error("expected error for unknown source")
	}
}

func TestParseRole(t *testing.T) {
	cases := map[string]bool{
		"admin":     true,
		" Teacher ": true,
		"STUDENT":   true,
		"parent":    true,
		"":          false,
		"root":      false,
	}
	for in, ok := range cases {
		if _, got := ParseRole(in); got != ok {
			t.Errorf("ParseRole(%q) ok = %v, want %v", in, got, ok)
		}
	}
}
