// Package httpapi serves the dashboard list pages over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-query-cache/backend"
	"github.com/goliatone/go-query-cache/hydrate"
	"github.com/goliatone/go-query-cache/listpage"
	"github.com/goliatone/go-query-cache/query"
	"github.com/goliatone/go-query-cache/scope"
)

// SessionCookie names the cookie holding the browser session id.
const SessionCookie = "dashboard_sid"

const maxBodyBytes = 1 << 20

// Server wires the list page controller to HTTP.
type Server struct {
	controller *listpage.Controller
	sessions   *Sessions
	provider   scope.SessionProvider
	logger     *slog.Logger
	observer   RequestObserver
	metrics    http.Handler
	origins    []string
	// serverClient builds the per-request client used for prefetching.
	serverClient func() *query.Client
}

// Option configures a Server.
type Option func(*Server)

// WithSessionProvider replaces HeaderSessions.
func WithSessionProvider(p scope.SessionProvider) Option {
	return func(s *Server) {
		if p != nil {
			s.provider = p
		}
	}
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRequestObserver records every request.
func WithRequestObserver(o RequestObserver) Option {
	return func(s *Server) { s.observer = o }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithAllowedOrigins sets the CORS origins. Defaults to any origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.origins = origins
		}
	}
}

// WithServerClient sets the factory of per-request prefetch clients.
func WithServerClient(fn func() *query.Client) Option {
	return func(s *Server) {
		if fn != nil {
			s.serverClient = fn
		}
	}
}

// New creates a Server.
func New(controller *listpage.Controller, sessions *Sessions, opts ...Option) *Server {
	s := &Server{
		controller:   controller,
		sessions:     sessions,
		provider:     HeaderSessions,
		logger:       slog.New(slog.DiscardHandler),
		origins:      []string{"*"},
		serverClient: func() *query.Client { return query.NewClient() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(recoverer(s.logger))
	r.Use(requestID)
	r.Use(accessLog(s.logger, s.observer))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", HeaderRequestID, HeaderUserID, HeaderUserRole},
		ExposedHeaders:   []string{HeaderRequestID},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": s.sessions.Len()})
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/pages/{entity}", s.page)

		r.Route("/api/v1", func(r chi.Router) {
			r.Post("/session/focus", s.focus)
			r.Post("/session/signout", s.signOut)

			r.Get("/{entity}", s.list)
			r.Post("/{entity}", s.create)
			r.Get("/{entity}/{id}", s.detail)
			r.Put("/{entity}/{id}", s.update)
			r.Delete("/{entity}/{id}", s.remove)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, goerrors.New("route not found", goerrors.CategoryNotFound).
			WithCode(http.StatusNotFound).WithTextCode("NOT_FOUND"))
	})
	return r
}

type sessionKey struct{}

// authenticate resolves the user and the browser session of the request.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.provider.Session(r)
		if !ok {
			writeError(w, r, errUnauthenticated)
			return
		}

		id := ""
		if c, err := r.Cookie(SessionCookie); err == nil {
			id = c.Value
		}
		sess := s.sessions.Open(id, user)
		if sess.ID != id {
			http.SetCookie(w, &http.Cookie{
				Name:     SessionCookie,
				Value:    sess.ID,
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, sess)))
	})
}

func sessionFrom(r *http.Request) *Session {
	sess, _ := r.Context().Value(sessionKey{}).(*Session)
	return sess
}

func (s *Server) params(r *http.Request) (string, listpage.Params, error) {
	entity := chi.URLParam(r, "entity")
	e, ok := s.controller.Registry().Get(entity)
	if !ok {
		return "", listpage.Params{}, listpage.ErrUnknownEntity
	}
	return entity, listpage.ParseParams(r.URL.Query(), e), nil
}

// PageResponse is the server render of a list page: the view and the
// snapshot the browser hydrates its session client from.
type PageResponse struct {
	View     listpage.View `json:"view"`
	Snapshot string        `json:"snapshot"`
	Hydrated hydrate.Stats `json:"hydrated"`
}

// page prefetches the requested page and the next one on a request scoped
// client, dehydrates them and hands the snapshot to the session.
func (s *Server) page(w http.ResponseWriter, r *http.Request) {
	entity, p, err := s.params(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sess := sessionFrom(r)
	ctx := r.Context()

	tasks := make([]hydrate.Task, 0, 2)
	for _, page := range []listpage.Params{p, p.WithPage(p.Page + 1)} {
		task, err := s.controller.PrefetchTask(sess.User, entity, page)
		if err != nil {
			writeError(w, r, err)
			return
		}
		tasks = append(tasks, task)
	}

	server := s.serverClient()
	if err := hydrate.PrefetchAll(ctx, server, 2, tasks...); err != nil {
		// failed pages are left out of the snapshot and fetched by the session
		s.logger.Warn("prefetch failed", "entity", entity, "error", err, "request_id", RequestID(ctx))
	}

	snapshot, err := hydrate.Dehydrate(server, nil)
	if err != nil {
		writeError(w, r, err)
		return
	}
	encoded, err := snapshot.Encode()
	if err != nil {
		writeError(w, r, err)
		return
	}
	stats, err := sess.Hydrator.ApplyEncoded(encoded)
	if err != nil {
		writeError(w, r, err)
		return
	}

	view, err := s.controller.List(ctx, sess.Client, sess.User, entity, p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PageResponse{View: view, Snapshot: encoded, Hydrated: stats})
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	entity, p, err := s.params(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sess := sessionFrom(r)
	view, err := s.controller.List(r.Context(), sess.Client, sess.User, entity, p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) detail(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	view, err := s.controller.Detail(r.Context(), sess.Client, sess.User, chi.URLParam(r, "entity"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	values, err := decodeRow(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	row, err := s.controller.Create(r.Context(), s.sessions, sessionFrom(r).User, chi.URLParam(r, "entity"), values)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	values, err := decodeRow(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	row, err := s.controller.Update(r.Context(), s.sessions, sessionFrom(r).User, chi.URLParam(r, "entity"), chi.URLParam(r, "id"), values)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	_, err := s.controller.Delete(r.Context(), s.sessions, sessionFrom(r).User, chi.URLParam(r, "entity"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) focus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := sessionFrom(r).Client.Focus(ctx); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) signOut(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.SignOut(r.Context(), sessionFrom(r).ID); err != nil {
		writeError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}

func decodeRow(r *http.Request) (backend.Row, error) {
	var row backend.Row
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&row); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("request body is empty")
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "invalid JSON body").
			WithCode(http.StatusBadRequest).WithTextCode("BAD_REQUEST")
	}
	if len(row) == 0 {
		return nil, goerrors.New("request body has no fields", goerrors.CategoryBadInput).
			WithCode(http.StatusBadRequest).WithTextCode("BAD_REQUEST")
	}
	return row, nil
}
