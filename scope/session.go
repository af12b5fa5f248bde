package scope

import (
	"net/http"
	"strings"
)

// Role is the dashboard role of a signed in user.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
	RoleParent  Role = "parent"
)

// Roles lists every known role.
var Roles = []Role{RoleAdmin, RoleTeacher, RoleStudent, RoleParent}

// ParseRole maps s to a known role. Matching ignores case and surrounding space.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if r.Valid() {
		return r, true
	}
	return r, false
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleTeacher, RoleStudent, RoleParent:
		return true
	}
	return false
}

// Session is the identity a request runs as.
type Session struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// Subject is the identity that becomes part of role sensitive cache keys.
// Admins see the same rows regardless of who they are, so it is empty for them.
func (s Session) Subject() string {
	if s.Role == RoleAdmin {
		return ""
	}
	return s.UserID
}

// IsZero reports whether s carries no identity.
func (s Session) IsZero() bool {
	return s.UserID == "" && s.Role == ""
}

// SessionProvider resolves the session of an incoming request. Authentication
// itself happens upstream.
type SessionProvider interface {
	Session(r *http.Request) (Session, bool)
}

// SessionProviderFunc adapts a function to SessionProvider.
type SessionProviderFunc func(r *http.Request) (Session, bool)

func (f SessionProviderFunc) Session(r *http.Request) (Session, bool) { return f(r) }
