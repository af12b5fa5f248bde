package listpage

import (
	"slices"
	"sort"

	"github.com/goliatone/go-query-cache/backend"
	"github.com/goliatone/go-query-cache/scope"
)

// PageSize is the number of rows per list page.
const PageSize = 10

// Entity describes one list page.
type Entity struct {
	// Name is the cache key domain and, unless Table is set, the table name.
	Name  string
	Table string
	// SearchColumns are matched against the search term.
	SearchColumns []string
	// Filters maps accepted URL parameters to columns.
	Filters map[string]string
	Order   []backend.Order
	// Dependents are the domains whose lists embed this entity and must be
	// invalidated with it.
	Dependents []string
	// Writers are the roles allowed to mutate rows. Empty means admin only.
	Writers []scope.Role
}

// TableName returns the backend table of e.
func (e Entity) TableName() string {
	if e.Table != "" {
		return e.Table
	}
	return e.Name
}

// CanWrite reports whether role may create, update or delete rows.
func (e Entity) CanWrite(role scope.Role) bool {
	if role == scope.RoleAdmin {
		return true
	}
	return slices.Contains(e.Writers, role)
}

// Domains returns the cache domains a write to e invalidates.
func (e Entity) Domains() []string {
	out := append([]string{e.Name}, e.Dependents...)
	slices.Sort(out)
	return slices.Compact(out)
}

// Registry holds the entities served by the dashboard.
type Registry struct {
	entities map[string]Entity
	byTable  map[string]string
}

// NewRegistry creates a registry. Later entities replace earlier ones with the same name.
func NewRegistry(entities ...Entity) *Registry {
	r := &Registry{
		entities: make(map[string]Entity, len(entities)),
		byTable:  make(map[string]string, len(entities)),
	}
	for _, e := range entities {
		r.entities[e.Name] = e
		r.byTable[e.TableName()] = e.Name
	}
	return r
}

// Get returns the entity called name.
func (r *Registry) Get(name string) (Entity, bool) {
	e, ok := r.entities[name]
	return e, ok
}

// ByTable returns the entity served from table.
func (r *Registry) ByTable(table string) (Entity, bool) {
	name, ok := r.byTable[table]
	if !ok {
		return Entity{}, false
	}
	return r.Get(name)
}

// Names returns the entity names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.entities))
	for name := range r.entities {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Tables returns the backend tables of all entities, sorted.
func (r *Registry) Tables() []string {
	out := make([]string, 0, len(r.byTable))
	for table := range r.byTable {
		out = append(out, table)
	}
	sort.Strings(out)
	return out
}

var (
	byClass   = map[string]string{"classId": "class_id"}
	byLesson  = map[string]string{"lessonId": "lesson_id"}
	byStudent = map[string]string{"studentId": "student_id", "lessonId": "lesson_id"}
	byID      = []backend.Order{{Column: "id"}}
)

var staff = []scope.Role{scope.RoleTeacher}

// DefaultRegistry returns the school dashboard entities.
func DefaultRegistry() *Registry {
	return NewRegistry(
		Entity{
			Name:          "student",
			SearchColumns: []string{"name", "surname"},
			Filters:       byClass,
			Order:         byID,
			Dependents:    []string{"result", "attendance"},
		},
		Entity{
			Name:          "teacher",
			SearchColumns: []string{"name", "surname"},
			Order:         byID,
			Dependents:    []string{"lesson", "class"},
		},
		Entity{
			Name:          "class",
			SearchColumns: []string{"name"},
			Filters:       map[string]string{"teacherId": "supervisor_id"},
			Order:         byID,
			Dependents:    []string{"student", "lesson", "event", "announcement"},
		},
		Entity{
			Name:          "lesson",
			SearchColumns: []string{"name"},
			Filters:       map[string]string{"classId": "class_id", "teacherId": "teacher_id"},
			Order:         byID,
			Dependents:    []string{"assignment", "exam", "result", "attendance"},
		},
		Entity{
			Name:          "assignment",
			SearchColumns: []string{"title"},
			Filters:       byLesson,
			Order:         byID,
			Dependents:    []string{"result"},
			Writers:       staff,
		},
		Entity{
			Name:          "exam",
			SearchColumns: []string{"title"},
			Filters:       byLesson,
			Order:         byID,
			Dependents:    []string{"result"},
			Writers:       staff,
		},
		Entity{
			Name:          "result",
			SearchColumns: []string{"title"},
			Filters:       byStudent,
			Order:         byID,
			Writers:       staff,
		},
		Entity{
			Name:          "attendance",
			SearchColumns: []string{"date"},
			Filters:       byStudent,
			Order:         []backend.Order{{Column: "date", Desc: true}, {Column: "id"}},
			Writers:       staff,
		},
		Entity{
			Name:          "parent",
			SearchColumns: []string{"name", "surname"},
			Order:         byID,
			Dependents:    []string{"student"},
		},
		Entity{
			Name:          "event",
			SearchColumns: []string{"title"},
			Filters:       byClass,
			Order:         []backend.Order{{Column: "start_time", Desc: true}, {Column: "id"}},
		},
		Entity{
			Name:          "announcement",
			SearchColumns: []string{"title"},
			Filters:       byClass,
			Order:         []backend.Order{{Column: "date", Desc: true}, {Column: "id"}},
		},
		Entity{
			Name:          "subject",
			SearchColumns: []string{"name"},
			Order:         byID,
			Dependents:    []string{"lesson", "teacher"},
		},
	)
}
