// Package memorystore implements sessions.Store in process memory. It is the
// only store the router uses: a live channel cannot leave the process that
// created it.
package memorystore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ggoodman/spotify-mcp-go/sessions"
)

const (
	defaultTombstones   = 4096
	defaultCloseTimeout = 10 * time.Second
)

// Store implements sessions.Store with an RWMutex-guarded map.
type Store[S sessions.Session] struct {
	mu       sync.RWMutex
	sessions map[string]S

	// closed ids in FIFO order; bounded so long-running processes do not grow
	// without limit.
	tombstones    map[string]struct{}
	tombstoneFIFO []string
	maxTombstones int

	maxSessions  int
	idleTTL      time.Duration
	closeTimeout time.Duration
	log          *slog.Logger
	now          func() time.Time
}

// Option configures the memory store.
type Option func(*config)

type config struct {
	maxSessions   int
	maxTombstones int
	idleTTL       time.Duration
	closeTimeout  time.Duration
	log           *slog.Logger
	now           func() time.Time
}

// WithMaxSessions caps the number of live sessions; 0 means unlimited.
func WithMaxSessions(n int) Option {
	return func(c *config) { c.maxSessions = n }
}

// WithIdleTTL sets the idle time after which Sweep closes a session; 0
// disables eviction.
func WithIdleTTL(ttl time.Duration) Option {
	return func(c *config) { c.idleTTL = ttl }
}

// WithCloseTimeout bounds each Close issued by Sweep. Defaults to 10s.
func WithCloseTimeout(d time.Duration) Option {
	return func(c *config) { c.closeTimeout = d }
}

// WithTombstoneLimit bounds how many closed ids are remembered.
func WithTombstoneLimit(n int) Option {
	return func(c *config) { c.maxTombstones = n }
}

// WithLogger sets the logger used by the sweeper.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithClock overrides time.Now for idle computations.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// New creates a new memory-based session store.
func New[S sessions.Session](opts ...Option) *Store[S] {
	cfg := config{maxTombstones: defaultTombstones, closeTimeout: defaultCloseTimeout, log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxTombstones <= 0 {
		cfg.maxTombstones = defaultTombstones
	}
	if cfg.closeTimeout <= 0 {
		cfg.closeTimeout = defaultCloseTimeout
	}
	return &Store[S]{
		sessions:      make(map[string]S),
		tombstones:    make(map[string]struct{}),
		maxTombstones: cfg.maxTombstones,
		maxSessions:   cfg.maxSessions,
		idleTTL:       cfg.idleTTL,
		closeTimeout:  cfg.closeTimeout,
		log:           cfg.log,
		now:           cfg.now,
	}
}

var _ sessions.Store[sessions.Session] = (*Store[sessions.Session])(nil)

func (s *Store[S]) Insert(sess S) error {
	id := sess.SessionID()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tombstones[id]; ok {
		return sessions.ErrSessionClosed
	}
	if _, ok := s.sessions[id]; ok {
		return sessions.ErrSessionExists
	}
	if s.maxSessions > 0 && len(s.sessions) >= s.maxSessions {
		return sessions.ErrStoreFull
	}
	s.sessions[id] = sess
	return nil
}

func (s *Store[S]) Lookup(id, userID string) (S, error) {
	var zero S
	if id == "" {
		return zero, sessions.ErrSessionNotFound
	}
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok || sess.UserID() != userID {
		return zero, sessions.ErrSessionNotFound
	}
	return sess, nil
}

func (s *Store[S]) Remove(id string) (S, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.tombstoneLocked(id)
	return sess, ok
}

func (s *Store[S]) tombstoneLocked(id string) {
	if _, ok := s.tombstones[id]; ok {
		return
	}
	s.tombstones[id] = struct{}{}
	s.tombstoneFIFO = append(s.tombstoneFIFO, id)
	for len(s.tombstoneFIFO) > s.maxTombstones {
		delete(s.tombstones, s.tombstoneFIFO[0])
		s.tombstoneFIFO = s.tombstoneFIFO[1:]
	}
}

func (s *Store[S]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Full reports whether a new session would be rejected with ErrStoreFull.
func (s *Store[S]) Full() bool {
	if s.maxSessions <= 0 {
		return false
	}
	return s.Len() >= s.maxSessions
}

func (s *Store[S]) Range(fn func(S) bool) {
	s.mu.RLock()
	snap := make([]S, 0, len(s.sessions))
	for _, sess := range s.sessions {
		snap = append(snap, sess)
	}
	s.mu.RUnlock()
	for _, sess := range snap {
		if !fn(sess) {
			return
		}
	}
}

// Sweep closes every session idle for longer than the configured TTL and
// returns how many were closed. Sessions are closed concurrently outside the
// store lock, each under its own close timeout; their own close path removes
// them.
func (s *Store[S]) Sweep(ctx context.Context) int {
	if s.idleTTL <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.idleTTL)
	var idle []S
	s.Range(func(sess S) bool {
		if sess.LastActivity().Before(cutoff) {
			idle = append(idle, sess)
		}
		return true
	})
	var g errgroup.Group
	for _, sess := range idle {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, s.closeTimeout)
			defer cancel()
			if err := sess.Close(cctx, sessions.CloseReasonIdle); err != nil {
				s.log.WarnContext(ctx, "session.sweep.close_fail", slog.String("session_id", sess.SessionID()), slog.String("err", err.Error()))
				return nil
			}
			s.log.InfoContext(ctx, "session.sweep.closed", slog.String("session_id", sess.SessionID()))
			return nil
		})
	}
	_ = g.Wait()
	return len(idle)
}

// Run sweeps at a quarter of the idle TTL until ctx is done. It returns
// immediately when eviction is disabled.
func (s *Store[S]) Run(ctx context.Context) {
	if s.idleTTL <= 0 {
		return
	}
	interval := s.idleTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}
