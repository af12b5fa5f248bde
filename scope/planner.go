package scope

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/goliatone/go-query-cache/backend"
	"github.com/goliatone/go-query-cache/cache"
)

// ErrScopeDenied is wrapped by Plan.Err when no restriction could be
// established for the session.
var ErrScopeDenied = errors.New("scope: no rows visible for this session")

// Messages shown in place of an empty list.
const (
	MsgNoClass    = "No tienes una clase asignada"
	MsgNoStudents = "No tienes estudiantes vinculados"
	MsgNoLessons  = "No tienes lecciones asignadas"
	MsgDenied     = "No tienes acceso a este recurso"
	MsgNoRows     = "No hay registros para mostrar"
)

// Domain is the cache key domain of every lookup the planner caches.
const Domain = "scope"

// Plan is the effective filter set of a list query. When Empty is set the
// query must not be issued and Message explains why.
type Plan struct {
	Filters []backend.Filter `json:"filters,omitempty"`
	Empty   bool             `json:"empty,omitempty"`
	Message string           `json:"message,omitempty"`
}

// Err returns an error wrapping ErrScopeDenied for empty plans.
func (p Plan) Err() error {
	if !p.Empty {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrScopeDenied, p.Message)
}

func sentinel(message string) Plan {
	return Plan{Empty: true, Message: message}
}

// Planner adds the role restriction to list queries.
type Planner struct {
	policies  Policies
	directory Directory
	cache     cache.CacheService
	logger    *slog.Logger
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithPolicies replaces DefaultPolicies.
func WithPolicies(p Policies) PlannerOption {
	return func(pl *Planner) {
		if p != nil {
			pl.policies = p
		}
	}
}

// WithLogger sets the logger used for denied plans.
func WithLogger(l *slog.Logger) PlannerOption {
	return func(pl *Planner) {
		if l != nil {
			pl.logger = l
		}
	}
}

// NewPlanner creates a Planner resolving identities through dir and
// caching the lookups in svc.
func NewPlanner(dir Directory, svc cache.CacheService, opts ...PlannerOption) *Planner {
	p := &Planner{
		policies:  DefaultPolicies(),
		directory: dir,
		cache:     svc,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Policies returns the policy table in use.
func (p *Planner) Policies() Policies { return p.policies }

// Plan returns the filters a list of entity must apply for s. The role
// restriction comes first, followed by base. Lookup failures are returned as
// errors; an impossible restriction is an empty plan, never an error.
func (p *Planner) Plan(ctx context.Context, s Session, entity string, base []backend.Filter) (Plan, error) {
	if !s.Role.Valid() || (s.Role != RoleAdmin && s.UserID == "") {
		p.logger.WarnContext(ctx, "scope denied", "entity", entity, "role", string(s.Role), "reason", "unknown session")
		return sentinel(MsgDenied), nil
	}

	rule, ok := p.policies.Rule(entity, s.Role)
	if !ok {
		p.logger.DebugContext(ctx, "scope denied", "entity", entity, "role", string(s.Role), "reason", "no policy")
		return sentinel(MsgDenied), nil
	}
	if rule.Source == SourceAll {
		return Plan{Filters: slices.Clone(base)}, nil
	}

	set, err := p.resolve(ctx, s, rule.Source)
	if err != nil {
		return Plan{}, err
	}

	var restriction backend.Filter
	switch {
	case len(set.ids) == 0 && rule.AllowNull && !set.final:
		restriction = backend.InOrNull(rule.Column)
	case len(set.ids) == 0:
		p.logger.DebugContext(ctx, "scope empty", "entity", entity, "role", string(s.Role), "source", string(rule.Source))
		return sentinel(set.message), nil
	case rule.AllowNull:
		restriction = backend.InOrNull(rule.Column, strings2any(set.ids)...)
	case len(set.ids) == 1:
		restriction = backend.Eq(rule.Column, set.ids[0])
	default:
		restriction = backend.InStrings(rule.Column, set.ids)
	}

	filters := make([]backend.Filter, 0, len(base)+1)
	filters = append(filters, restriction)
	filters = append(filters, base...)
	return Plan{Filters: filters}, nil
}

// idSet is a resolved source. When ids is empty, message says why, and final
// marks sets that must never fall back to public rows.
type idSet struct {
	ids     []string
	message string
	final   bool
}

func (p *Planner) resolve(ctx context.Context, s Session, source Source) (idSet, error) {
	switch source {
	case SourceSelf:
		return idSet{ids: []string{s.UserID}}, nil
	case SourceStudents:
		return p.students(ctx, s)
	case SourceClasses:
		return p.classes(ctx, s)
	case SourceLessons:
		return p.lessons(ctx, s)
	case SourceTeachers:
		return p.teachers(ctx, s)
	}
	return idSet{message: MsgDenied, final: true}, nil
}

func (p *Planner) students(ctx context.Context, s Session) (idSet, error) {
	switch s.Role {
	case RoleStudent:
		return idSet{ids: []string{s.UserID}}, nil
	case RoleParent:
		children, err := p.children(ctx, s.UserID)
		if err != nil {
			return idSet{}, err
		}
		if len(children) == 0 {
			return idSet{message: MsgNoStudents, final: true}, nil
		}
		ids := make([]string, 0, len(children))
		for _, c := range children {
			ids = append(ids, c.ID)
		}
		return idSet{ids: uniqueSorted(ids)}, nil
	}
	return idSet{message: MsgDenied, final: true}, nil
}

func (p *Planner) classes(ctx context.Context, s Session) (idSet, error) {
	switch s.Role {
	case RoleStudent:
		st, found, err := p.student(ctx, s.UserID)
		if err != nil {
			return idSet{}, err
		}
		if !found || st.ClassID == "" {
			return idSet{message: MsgNoClass}, nil
		}
		return idSet{ids: []string{st.ClassID}}, nil

	case RoleParent:
		children, err := p.children(ctx, s.UserID)
		if err != nil {
			return idSet{}, err
		}
		if len(children) == 0 {
			return idSet{message: MsgNoStudents, final: true}, nil
		}
		var ids []string
		for _, c := range children {
			if c.ClassID != "" {
				ids = append(ids, c.ClassID)
			}
		}
		if len(ids) == 0 {
			return idSet{message: MsgNoClass}, nil
		}
		return idSet{ids: uniqueSorted(ids)}, nil

	case RoleTeacher:
		lessons, err := p.teacherLessons(ctx, s.UserID)
		if err != nil {
			return idSet{}, err
		}
		var ids []string
		for _, l := range lessons {
			if l.ClassID != "" {
				ids = append(ids, l.ClassID)
			}
		}
		if len(ids) == 0 {
			return idSet{message: MsgNoLessons}, nil
		}
		return idSet{ids: uniqueSorted(ids)}, nil
	}
	return idSet{message: MsgDenied, final: true}, nil
}

func (p *Planner) lessons(ctx context.Context, s Session) (idSet, error) {
	if s.Role == RoleTeacher {
		lessons, err := p.teacherLessons(ctx, s.UserID)
		if err != nil {
			return idSet{}, err
		}
		if len(lessons) == 0 {
			return idSet{message: MsgNoLessons}, nil
		}
		return idSet{ids: lessonIDs(lessons)}, nil
	}

	lessons, set, err := p.lessonsOfClasses(ctx, s)
	if err != nil || len(set.ids) == 0 {
		return set, err
	}
	if len(lessons) == 0 {
		return idSet{message: MsgNoRows}, nil
	}
	return idSet{ids: lessonIDs(lessons)}, nil
}

func (p *Planner) teachers(ctx context.Context, s Session) (idSet, error) {
	if s.Role == RoleTeacher {
		return idSet{ids: []string{s.UserID}}, nil
	}

	lessons, set, err := p.lessonsOfClasses(ctx, s)
	if err != nil || len(set.ids) == 0 {
		return set, err
	}
	var ids []string
	for _, l := range lessons {
		if l.TeacherID != "" {
			ids = append(ids, l.TeacherID)
		}
	}
	if len(ids) == 0 {
		return idSet{message: MsgNoRows}, nil
	}
	return idSet{ids: uniqueSorted(ids)}, nil
}

// lessonsOfClasses returns the lessons of the session's classes together
// with the class set. When the class set is empty the lessons are nil.
func (p *Planner) lessonsOfClasses(ctx context.Context, s Session) ([]Lesson, idSet, error) {
	classes, err := p.classes(ctx, s)
	if err != nil || len(classes.ids) == 0 {
		return nil, classes, err
	}
	lessons, err := p.classLessons(ctx, classes.ids)
	if err != nil {
		return nil, idSet{}, err
	}
	return lessons, classes, nil
}

type studentLookup struct {
	Student Student
	Found   bool
}

func (p *Planner) student(ctx context.Context, id string) (Student, bool, error) {
	key, err := lookupKey("student", id)
	if err != nil {
		return Student{}, false, err
	}
	res, err := cache.GetOrFetch(ctx, p.cache, key, func(ctx context.Context) (studentLookup, error) {
		st, found, err := p.directory.Student(ctx, id)
		return studentLookup{Student: st, Found: found}, err
	})
	return res.Student, res.Found, err
}

func (p *Planner) children(ctx context.Context, parentID string) ([]Student, error) {
	key, err := lookupKey("children", parentID)
	if err != nil {
		return nil, err
	}
	return cache.GetOrFetch(ctx, p.cache, key, func(ctx context.Context) ([]Student, error) {
		return p.directory.Children(ctx, parentID)
	})
}

func (p *Planner) teacherLessons(ctx context.Context, teacherID string) ([]Lesson, error) {
	key, err := lookupKey("teacher_lessons", teacherID)
	if err != nil {
		return nil, err
	}
	return cache.GetOrFetch(ctx, p.cache, key, func(ctx context.Context) ([]Lesson, error) {
		return p.directory.TeacherLessons(ctx, teacherID)
	})
}

func (p *Planner) classLessons(ctx context.Context, classIDs []string) ([]Lesson, error) {
	key, err := cache.BuildKey(Domain, "class_lessons", map[string]any{"classes": classIDs})
	if err != nil {
		return nil, err
	}
	return cache.GetOrFetch(ctx, p.cache, key.String(), func(ctx context.Context) ([]Lesson, error) {
		return p.directory.ClassLessons(ctx, classIDs)
	})
}

// Forget drops the cached lookups of the session's identity, e.g. on sign out.
func (p *Planner) Forget(ctx context.Context, s Session) error {
	if s.UserID == "" {
		return nil
	}
	var keys []string
	for _, resource := range []string{"student", "children", "teacher_lessons"} {
		key, err := lookupKey(resource, s.UserID)
		if err != nil {
			return err
		}
		keys = append(keys, key)
	}
	return p.cache.InvalidateKeys(ctx, keys)
}

// Refresh drops every cached lookup when entity is one the lookups read
// from. It reports whether anything was dropped.
func (p *Planner) Refresh(ctx context.Context, entity string) (bool, error) {
	switch entity {
	case StudentTable, LessonTable, "class", "parent", "teacher":
	default:
		return false, nil
	}
	if err := p.cache.DeleteByPrefix(ctx, cache.FamilyPrefix(Domain)); err != nil {
		return false, err
	}
	return true, nil
}

func lookupKey(resource, id string) (string, error) {
	key, err := cache.BuildKey(Domain, resource, map[string]any{"id": id})
	if err != nil {
		return "", err
	}
	return key.String(), nil
}

func lessonIDs(lessons []Lesson) []string {
	ids := make([]string, 0, len(lessons))
	for _, l := range lessons {
		ids = append(ids, l.ID)
	}
	return uniqueSorted(ids)
}

func uniqueSorted(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

func strings2any(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
