package memoryhost

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/ggoodman/spotify-mcp-go/sessions"
)

// DefaultCapacity is the number of events retained per session.
const DefaultCapacity = 1024

// Host opens in-memory event logs and tracks them for cleanup.
type Host struct {
	capacity int

	mu   sync.Mutex
	logs map[string]*eventLog
}

// Option configures a Host.
type Option func(*Host)

// WithCapacity sets the per-session retention; non-positive values keep the default.
func WithCapacity(n int) Option {
	return func(h *Host) {
		if n > 0 {
			h.capacity = n
		}
	}
}

func New(opts ...Option) *Host {
	h := &Host{capacity: DefaultCapacity, logs: make(map[string]*eventLog)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

var _ sessions.EventLogFactory = (*Host)(nil).Open

// Open returns a fresh log for sessionID. Opening an id that already has a
// log is an error.
func (h *Host) Open(ctx context.Context, sessionID string) (sessions.EventLog, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.logs[sessionID]; ok {
		return nil, fmt.Errorf("event log for session %s already open", sessionID)
	}
	l := &eventLog{host: h, sessionID: sessionID, ring: make([]sessions.Event, h.capacity)}
	h.logs[sessionID] = l
	return l, nil
}

// Len reports the number of open logs.
func (h *Host) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.logs)
}

func (h *Host) release(sessionID string) {
	h.mu.Lock()
	delete(h.logs, sessionID)
	h.mu.Unlock()
}

type eventLog struct {
	host      *Host
	sessionID string

	mu     sync.Mutex
	ring   []sessions.Event
	seq    uint64 // id of the newest event; ids start at 1
	count  int    // number of retained events
	closed bool
}

func (l *eventLog) Append(ctx context.Context, data []byte) (sessions.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return sessions.Event{}, sessions.ErrEventLogClosed
	}
	l.seq++
	ev := sessions.Event{ID: strconv.FormatUint(l.seq, 10), Data: append([]byte(nil), data...)}
	l.ring[int((l.seq-1)%uint64(len(l.ring)))] = ev
	if l.count < len(l.ring) {
		l.count++
	}
	return ev, nil
}

func (l *eventLog) After(ctx context.Context, id string) ([]sessions.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, sessions.ErrEventLogClosed
	}
	oldest := l.seq - uint64(l.count) + 1

	from := oldest
	if id != "" {
		n, err := strconv.ParseUint(id, 10, 64)
		// A marker just before the oldest retained event is still gap free.
		if err != nil || n > l.seq || n+1 < oldest {
			return nil, fmt.Errorf("%w: %q", sessions.ErrUnknownEventID, id)
		}
		from = n + 1
	}

	out := make([]sessions.Event, 0, l.seq+1-from)
	for s := from; s <= l.seq; s++ {
		out = append(out, l.ring[int((s-1)%uint64(len(l.ring)))])
	}
	return out, nil
}

func (l *eventLog) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.ring = nil
	l.mu.Unlock()
	l.host.release(l.sessionID)
	return nil
}
