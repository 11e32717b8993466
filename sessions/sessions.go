package sessions

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned for ids that were never live, are closed,
	// or belong to a different user.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when inserting an id that is already live.
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionClosed is returned when inserting an id that was closed before.
	ErrSessionClosed = errors.New("session closed")
	// ErrStoreFull is returned when the store is at its session limit.
	ErrStoreFull = errors.New("session store full")
)

// Session is the view of a live session the Store needs. Implementations
// MUST be safe for concurrent use.
type Session interface {
	SessionID() string
	// UserID is the authenticated subject that created the session.
	UserID() string
	// LastActivity reports when the session last served a request or had a
	// stream attached.
	LastActivity() time.Time
	// Close tears the session down. It is idempotent.
	Close(ctx context.Context, reason string) error
}

// Store maps session ids to live sessions. Insert and Remove are atomic with
// respect to Lookup.
type Store[S Session] interface {
	// Insert publishes s under its id.
	Insert(s S) error
	// Lookup returns the live session for id if it is owned by userID.
	Lookup(id, userID string) (S, error)
	// Remove unpublishes id and tombstones it so it can never be inserted
	// again. It reports whether a live session was removed.
	Remove(id string) (S, bool)
	Len() int
	// Range calls fn for a snapshot of live sessions until fn returns false.
	Range(fn func(S) bool)
}

// Close reasons recorded in logs and metrics.
const (
	CloseReasonDeleted    = "deleted"
	CloseReasonIdle       = "idle"
	CloseReasonShutdown   = "shutdown"
	CloseReasonDisconnect = "disconnect"
	CloseReasonInitFailed = "init_failed"
)
