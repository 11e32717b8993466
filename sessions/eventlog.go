package sessions

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownEventID is returned by EventLog.After when the marker was never
// issued by the log or has already been trimmed.
var ErrUnknownEventID = errors.New("unknown event id")

// ErrEventLogClosed is returned by operations on a closed EventLog.
var ErrEventLogClosed = errors.New("event log closed")

// Event is one entry of a session event log.
type Event struct {
	ID   string
	Data []byte
}

// EventLog is the ordered, append-only message record of a single session.
// Ids are opaque to callers and strictly increasing in append order.
//
// Implementations need not serialize concurrent Append calls against After;
// the owning channel does that.
type EventLog interface {
	Append(ctx context.Context, data []byte) (Event, error)
	// After returns the retained events strictly after id, in order. An empty
	// id returns every retained event.
	After(ctx context.Context, id string) ([]Event, error)
	// Close releases the log's storage.
	Close(ctx context.Context) error
}

// EventLogFactory opens the event log for a newly assigned session id.
type EventLogFactory func(ctx context.Context, sessionID string) (EventLog, error)

// ReplayPolicy decides what a resuming stream receives when its
// Last-Event-ID is unknown.
type ReplayPolicy int

const (
	// ReplayReject fails the resume; the client must reconnect without a marker.
	ReplayReject ReplayPolicy = iota
	// ReplayAll replays every retained event.
	ReplayAll
)

func (p ReplayPolicy) String() string {
	switch p {
	case ReplayReject:
		return "reject"
	case ReplayAll:
		return "replay-all"
	default:
		return fmt.Sprintf("ReplayPolicy(%d)", int(p))
	}
}

// ParseReplayPolicy maps the configuration spelling to a ReplayPolicy.
func ParseReplayPolicy(s string) (ReplayPolicy, error) {
	switch s {
	case "", "reject":
		return ReplayReject, nil
	case "replay-all", "all":
		return ReplayAll, nil
	default:
		return ReplayReject, fmt.Errorf("unknown replay policy %q", s)
	}
}
