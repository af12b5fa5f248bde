package httpapi

import (
	"net/http"
	"strings"

	"github.com/goliatone/go-query-cache/scope"
)

// Headers set by the authenticating proxy in front of the dashboard.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

// HeaderSessions reads the signed-in user from proxy headers. Authentication
// itself happens upstream.
var HeaderSessions = scope.SessionProviderFunc(func(r *http.Request) (scope.Session, bool) {
	role, ok := scope.ParseRole(r.Header.Get(HeaderUserRole))
	if !ok {
		return scope.Session{}, false
	}
	id := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if id == "" && role != scope.RoleAdmin {
		return scope.Session{}, false
	}
	return scope.Session{UserID: id, Role: role}, true
})
