package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/goliatone/go-query-cache/hydrate"
	"github.com/goliatone/go-query-cache/query"
	"github.com/goliatone/go-query-cache/scope"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// Forgetter drops the cached scope lookups of a user. *scope.Planner implements it.
type Forgetter interface {
	Forget(ctx context.Context, s scope.Session) error
}

// SessionObserver is told when sessions come and go.
type SessionObserver interface {
	SessionOpened()
	SessionClosed()
}

// Session is one browser session: its user and its own query client.
type Session struct {
	ID       string
	User     scope.Session
	Client   *query.Client
	Hydrator *hydrate.Hydrator

	lastSeen atomic.Int64
}

func (s *Session) touch(now time.Time) { s.lastSeen.Store(now.UnixNano()) }

// LastSeen returns the time of the last request of the session.
func (s *Session) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

// Sessions holds a query client per browser session. It implements the
// invalidator interfaces by fanning out to every session.
type Sessions struct {
	sessions  *xsync.MapOf[string, *Session]
	newClient func() *query.Client
	forgetter Forgetter
	observer  SessionObserver
	logger    *slog.Logger
	idle      time.Duration
	now       func() time.Time
}

// SessionsOption configures Sessions.
type SessionsOption func(*Sessions)

// WithIdleTimeout sets how long an unused session is kept by Sweep.
func WithIdleTimeout(d time.Duration) SessionsOption {
	return func(s *Sessions) {
		if d > 0 {
			s.idle = d
		}
	}
}

// WithForgetter drops scope lookups on sign-out.
func WithForgetter(f Forgetter) SessionsOption {
	return func(s *Sessions) { s.forgetter = f }
}

// WithSessionObserver reports session counts, e.g. to metrics.
func WithSessionObserver(o SessionObserver) SessionsOption {
	return func(s *Sessions) { s.observer = o }
}

// WithSessionLogger sets the logger.
func WithSessionLogger(l *slog.Logger) SessionsOption {
	return func(s *Sessions) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSessions creates an empty registry. newClient builds the client of
// each new session.
func NewSessions(newClient func() *query.Client, opts ...SessionsOption) *Sessions {
	s := &Sessions{
		sessions:  xsync.NewMapOf[string, *Session](),
		newClient: newClient,
		logger:    slog.New(slog.DiscardHandler),
		idle:      30 * time.Minute,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open returns the session id for user, creating it when id is unknown. A
// known id that belongs to another user is replaced: clients are never
// shared between users.
func (s *Sessions) Open(id string, user scope.Session) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now()

	for {
		sess, loaded := s.sessions.LoadOrCompute(id, func() *Session {
			return s.create(id, user)
		})
		if !loaded {
			sess.touch(now)
			return sess
		}
		if sess.User == user {
			sess.touch(now)
			return sess
		}
		// a different user behind the same cookie gets a fresh id
		s.logger.Info("session user changed", "session", id)
		id = uuid.NewString()
	}
}

func (s *Sessions) create(id string, user scope.Session) *Session {
	c := s.newClient()
	sess := &Session{
		ID:       id,
		User:     user,
		Client:   c,
		Hydrator: hydrate.NewHydrator(c, s.logger),
	}
	if s.observer != nil {
		s.observer.SessionOpened()
	}
	s.logger.Debug("session opened", "session", id, "role", string(user.Role))
	return sess
}

// Get returns the session id.
func (s *Sessions) Get(id string) (*Session, bool) {
	return s.sessions.Load(id)
}

// Len returns the number of open sessions.
func (s *Sessions) Len() int { return s.sessions.Size() }

// SignOut drops the session client and the user's scope lookups.
func (s *Sessions) SignOut(ctx context.Context, id string) error {
	sess, ok := s.sessions.LoadAndDelete(id)
	if !ok {
		return nil
	}
	s.closed(sess)
	if s.forgetter != nil {
		return s.forgetter.Forget(ctx, sess.User)
	}
	return nil
}

func (s *Sessions) closed(sess *Session) {
	if s.observer != nil {
		s.observer.SessionClosed()
	}
	s.logger.Debug("session closed", "session", sess.ID)
}

// InvalidateDomain invalidates domain in every session.
func (s *Sessions) InvalidateDomain(ctx context.Context, domain string) error {
	var errs []error
	s.sessions.Range(func(_ string, sess *Session) bool {
		if err := sess.Client.InvalidateDomain(ctx, domain); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	return errors.Join(errs...)
}

// Sweep closes sessions idle for longer than the idle timeout and collects
// inactive entries of the others. It returns the number of closed sessions.
func (s *Sessions) Sweep() int {
	cutoff := s.now().Add(-s.idle)
	closed := 0
	s.sessions.Range(func(id string, sess *Session) bool {
		if sess.LastSeen().Before(cutoff) {
			if _, ok := s.sessions.LoadAndDelete(id); ok {
				s.closed(sess)
				closed++
			}
			return true
		}
		sess.Client.GC()
		return true
	})
	return closed
}

// Run sweeps every interval until ctx is done.
func (s *Sessions) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Info("idle sessions closed", "count", n, "open", s.Len())
			}
		}
	}
}
