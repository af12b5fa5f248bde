package scope

import (
	"context"
	"fmt"

	"github.com/goliatone/go-query-cache/backend"
)

// Student is the part of a student record scoping needs.
type Student struct {
	ID      string `json:"id"`
	ClassID string `json:"classId,omitempty"`
}

// Lesson is the part of a lesson record scoping needs.
type Lesson struct {
	ID        string `json:"id"`
	ClassID   string `json:"classId,omitempty"`
	TeacherID string `json:"teacherId,omitempty"`
}

// Directory answers the identity lookups scoping depends on.
type Directory interface {
	// Student returns the student record, found is false when it does not exist.
	Student(ctx context.Context, id string) (student Student, found bool, err error)
	// Children returns the students linked to a parent.
	Children(ctx context.Context, parentID string) ([]Student, error)
	// TeacherLessons returns the lessons given by a teacher.
	TeacherLessons(ctx context.Context, teacherID string) ([]Lesson, error)
	// ClassLessons returns the lessons of the given classes.
	ClassLessons(ctx context.Context, classIDs []string) ([]Lesson, error)
}

// Table and column names the backend directory reads.
const (
	StudentTable = "student"
	LessonTable  = "lesson"
)

// BackendDirectory resolves lookups with plain selects against a backend.
type BackendDirectory struct {
	backend backend.Backend
}

// NewBackendDirectory creates a Directory over b.
func NewBackendDirectory(b backend.Backend) *BackendDirectory {
	return &BackendDirectory{backend: b}
}

func (d *BackendDirectory) Student(ctx context.Context, id string) (Student, bool, error) {
	res, err := d.backend.Select(ctx, backend.Query{
		Table:   StudentTable,
		Columns: []string{"id", "class_id"},
		Filters: []backend.Filter{backend.Eq("id", id)},
		Range:   backend.Range{Limit: 1},
	})
	if err != nil {
		return Student{}, false, fmt.Errorf("lookup student %s: %w", id, err)
	}
	if len(res.Rows) == 0 {
		return Student{}, false, nil
	}
	return studentFromRow(res.Rows[0]), true, nil
}

func (d *BackendDirectory) Children(ctx context.Context, parentID string) ([]Student, error) {
	res, err := d.backend.Select(ctx, backend.Query{
		Table:   StudentTable,
		Columns: []string{"id", "class_id"},
		Filters: []backend.Filter{backend.Eq("parent_id", parentID)},
		Order:   []backend.Order{{Column: "id"}},
	})
	if err != nil {
		return nil, fmt.Errorf("lookup children of %s: %w", parentID, err)
	}
	out := make([]Student, 0, len(res.Rows))
	for _, row := range res.Rows {
		out = append(out, studentFromRow(row))
	}
	return out, nil
}

func (d *BackendDirectory) TeacherLessons(ctx context.Context, teacherID string) ([]Lesson, error) {
	return d.lessons(ctx, backend.Eq("teacher_id", teacherID))
}

func (d *BackendDirectory) ClassLessons(ctx context.Context, classIDs []string) ([]Lesson, error) {
	if len(classIDs) == 0 {
		return nil, nil
	}
	return d.lessons(ctx, backend.InStrings("class_id", classIDs))
}

func (d *BackendDirectory) lessons(ctx context.Context, filter backend.Filter) ([]Lesson, error) {
	res, err := d.backend.Select(ctx, backend.Query{
		Table:   LessonTable,
		Columns: []string{"id", "class_id", "teacher_id"},
		Filters: []backend.Filter{filter},
		Order:   []backend.Order{{Column: "id"}},
	})
	if err != nil {
		return nil, fmt.Errorf("lookup lessons (%s): %w", filter, err)
	}
	out := make([]Lesson, 0, len(res.Rows))
	for _, row := range res.Rows {
		out = append(out, Lesson{
			ID:        str(row["id"]),
			ClassID:   str(row["class_id"]),
			TeacherID: str(row["teacher_id"]),
		})
	}
	return out, nil
}

func studentFromRow(row backend.Row) Student {
	return Student{ID: str(row["id"]), ClassID: str(row["class_id"])}
}

func str(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	}
	return fmt.Sprint(v)
}
