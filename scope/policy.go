package scope

import (
	"fmt"
	"sort"
)

// Source names the set of ids a restriction is built from. How a source is
// resolved depends on the role of the session.
type Source string

const (
	// SourceAll adds no restriction.
	SourceAll Source = "all"
	// SourceSelf is the session's own user id.
	SourceSelf Source = "self"
	// SourceStudents is the student itself, or the children of a parent.
	SourceStudents Source = "students"
	// SourceClasses is the student's class, the classes of a parent's
	// children or the classes a teacher gives lessons in.
	SourceClasses Source = "classes"
	// SourceLessons is a teacher's lessons, or the lessons of the classes
	// a student or parent belongs to.
	SourceLessons Source = "lessons"
	// SourceTeachers is the teacher itself, or the teachers of the lessons
	// of a student's or parent's classes.
	SourceTeachers Source = "teachers"
)

// Rule restricts Column to the ids of Source. With AllowNull, rows where
// Column is NULL (public rows) are kept as well.
type Rule struct {
	Column    string `json:"column"`
	Source    Source `json:"source"`
	AllowNull bool   `json:"allowNull,omitempty"`
}

// Policy is the rule per role for one entity. Roles absent from the map are
// denied. Admins are never restricted.
type Policy map[Role]Rule

// Policies is the single policy table consulted by every list.
type Policies map[string]Policy

// Rule returns the rule for entity and role.
func (p Policies) Rule(entity string, role Role) (Rule, bool) {
	if role == RoleAdmin {
		return Rule{Source: SourceAll}, true
	}
	policy, ok := p[entity]
	if !ok {
		return Rule{}, false
	}
	rule, ok := policy[role]
	return rule, ok
}

// Entities returns the entities that have a policy, sorted.
func (p Policies) Entities() []string {
	out := make([]string, 0, len(p))
	for name := range p {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Validate checks every rule names a column and a known source.
func (p Policies) Validate() error {
	for entity, policy := range p {
		for role, rule := range policy {
			if !role.Valid() {
				return fmt.Errorf("scope: %s: unknown role %q", entity, role)
			}
			switch rule.Source {
			case SourceAll:
				continue
			case SourceSelf, SourceStudents, SourceClasses, SourceLessons, SourceTeachers:
			default:
				return fmt.Errorf("scope: %s/%s: unknown source %q", entity, role, rule.Source)
			}
			if rule.Column == "" {
				return fmt.Errorf("scope: %s/%s: rule without column", entity, role)
			}
		}
	}
	return nil
}

// DefaultPolicies is the policy table of the school dashboard.
func DefaultPolicies() Policies {
	byClass := func(column string, allowNull bool) Policy {
		return Policy{
			RoleTeacher: {Column: column, Source: SourceClasses, AllowNull: allowNull},
			RoleStudent: {Column: column, Source: SourceClasses, AllowNull: allowNull},
			RoleParent:  {Column: column, Source: SourceClasses, AllowNull: allowNull},
		}
	}
	byLesson := Policy{
		RoleTeacher: {Column: "lesson_id", Source: SourceLessons},
		RoleStudent: {Column: "lesson_id", Source: SourceLessons},
		RoleParent:  {Column: "lesson_id", Source: SourceLessons},
	}
	personal := Policy{
		RoleTeacher: {Column: "lesson_id", Source: SourceLessons},
		RoleStudent: {Column: "student_id", Source: SourceSelf},
		RoleParent:  {Column: "student_id", Source: SourceStudents},
	}

	return Policies{
		"student": {
			RoleTeacher: {Column: "class_id", Source: SourceClasses},
			RoleStudent: {Column: "id", Source: SourceSelf},
			RoleParent:  {Column: "id", Source: SourceStudents},
		},
		"teacher": {
			RoleTeacher: {Column: "id", Source: SourceSelf},
			RoleStudent: {Column: "id", Source: SourceTeachers},
			RoleParent:  {Column: "id", Source: SourceTeachers},
		},
		"class":  byClass("id", false),
		"lesson": {
			RoleTeacher: {Column: "teacher_id", Source: SourceSelf},
			RoleStudent: {Column: "class_id", Source: SourceClasses},
			RoleParent:  {Column: "class_id", Source: SourceClasses},
		},
		"assignment":   byLesson,
		"exam":         byLesson,
		"result":       personal,
		"attendance":   personal,
		"parent":       {RoleParent: {Column: "id", Source: SourceSelf}},
		"event":        byClass("class_id", true),
		"announcement": byClass("class_id", true),
		"subject": {
			RoleTeacher: {Source: SourceAll},
			RoleStudent: {Source: SourceAll},
			RoleParent:  {Source: SourceAll},
		},
	}
}
