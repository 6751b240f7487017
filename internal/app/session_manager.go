package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voicectl/internal/observe"
)

var (
	// ErrSessionNotFound is returned for an unknown or already closed
	// session id.
	ErrSessionNotFound = errors.New("app: session not found")

	// ErrTooManySessions is returned by [SessionManager.Create] when the
	// configured maximum is reached.
	ErrTooManySessions = errors.New("app: too many sessions")
)

// SessionManager owns the live sessions. All exported methods are safe for
// concurrent use.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	cfg      SessionConfig

	max         int
	idleTimeout time.Duration
	metrics     *observe.Metrics
	now         func() time.Time
}

// SessionManagerOption configures a [SessionManager].
type SessionManagerOption func(*SessionManager)

// WithMaxSessions caps concurrent sessions. Zero is unlimited.
func WithMaxSessions(n int) SessionManagerOption {
	return func(sm *SessionManager) { sm.max = n }
}

// WithIdleTimeout sets how long a session may stay without input before
// [SessionManager.Expire] closes it. Zero disables expiry.
func WithIdleTimeout(d time.Duration) SessionManagerOption {
	return func(sm *SessionManager) { sm.idleTimeout = d }
}

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) SessionManagerOption {
	return func(sm *SessionManager) { sm.now = now }
}

// NewSessionManager returns a manager building sessions from cfg.
func NewSessionManager(cfg SessionConfig, opts ...SessionManagerOption) *SessionManager {
	sm := &SessionManager{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		now:      time.Now,
	}
	for _, o := range opts {
		o(sm)
	}
	sm.metrics = cfg.Metrics
	if sm.metrics == nil {
		sm.metrics = observe.DefaultMetrics()
		sm.cfg.Metrics = sm.metrics
	}
	return sm
}

// Reconfigure replaces the template for sessions created from now on.
// Running sessions keep their configuration.
func (sm *SessionManager) Reconfigure(fn func(*SessionConfig)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	fn(&sm.cfg)
}

// Create starts a new session showing the welcome screen.
func (sm *SessionManager) Create(ctx context.Context) (*Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.max > 0 && len(sm.sessions) >= sm.max {
		return nil, fmt.Errorf("app: create session (max %d): %w", sm.max, ErrTooManySessions)
	}

	s := newSession(uuid.NewString(), sm.cfg, sm.now())
	s.start()
	sm.sessions[s.ID] = s
	sm.metrics.ActiveSessions.Add(ctx, 1)

	observe.Logger(ctx).Info("session started", "session_id", s.ID, "active", len(sm.sessions))
	return s, nil
}

// Get returns the session with id.
func (sm *SessionManager) Get(id string) (*Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[id]
	if !ok {
		return nil, fmt.Errorf("app: session %q: %w", id, ErrSessionNotFound)
	}
	return s, nil
}

// Close ends and forgets the session with id.
func (sm *SessionManager) Close(ctx context.Context, id string) error {
	sm.mu.Lock()
	s, ok := sm.sessions[id]
	if ok {
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()

	if !ok {
		return fmt.Errorf("app: close session %q: %w", id, ErrSessionNotFound)
	}
	sm.closeSession(ctx, s, "closed")
	return nil
}

// Expire closes every session idle for longer than the idle timeout and
// returns how many were closed.
func (sm *SessionManager) Expire(ctx context.Context) int {
	if sm.idleTimeout <= 0 {
		return 0
	}
	cutoff := sm.now().Add(-sm.idleTimeout)

	sm.mu.Lock()
	var stale []*Session
	for id, s := range sm.sessions {
		if s.LastActive().Before(cutoff) && len(s.Waiting()) == 0 {
			stale = append(stale, s)
			delete(sm.sessions, id)
		}
	}
	sm.mu.Unlock()

	for _, s := range stale {
		sm.closeSession(ctx, s, "idle")
	}
	return len(stale)
}

// Len returns the number of live sessions.
func (sm *SessionManager) Len() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// CloseAll ends every session.
func (sm *SessionManager) CloseAll(ctx context.Context) {
	sm.mu.Lock()
	all := make([]*Session, 0, len(sm.sessions))
	for id, s := range sm.sessions {
		all = append(all, s)
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()

	for _, s := range all {
		sm.closeSession(ctx, s, "shutdown")
	}
}

// RunJanitor calls Expire every interval until ctx ends. It always returns
// nil.
func (sm *SessionManager) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 || sm.idleTimeout <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := sm.Expire(ctx); n > 0 {
				slog.Info("session janitor: expired idle sessions", "count", n)
			}
		}
	}
}

func (sm *SessionManager) closeSession(ctx context.Context, s *Session, reason string) {
	if err := s.Close(); err != nil {
		slog.Warn("session: close error", "session_id", s.ID, "err", err)
	}
	sm.metrics.ActiveSessions.Add(ctx, -1)
	observe.Logger(ctx).Info("session stopped",
		"session_id", s.ID,
		"reason", reason,
		"duration", sm.now().Sub(s.Created).Round(time.Second),
	)
}
