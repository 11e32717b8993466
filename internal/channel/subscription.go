package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/spotify-mcp-go/sessions"
)

// ErrSubscriberOverflow ends a stream that fell too far behind the live
// event rate. The client resumes with the last id it saw.
var ErrSubscriberOverflow = errors.New("stream subscriber fell behind")

// Subscription is one attached server-to-client stream.
type Subscription struct {
	ch       *Channel
	replay   []sessions.Event
	live     chan sessions.Event
	overflow atomic.Bool
	once     sync.Once
}

// Subscribe attaches a stream. Events after lastEventID are replayed first,
// then live events follow with no gap and no duplicate. An empty
// lastEventID replays nothing. An unknown id is resolved by the replay
// policy: ReplayReject returns sessions.ErrUnknownEventID, ReplayAll
// replays every retained event.
func (c *Channel) Subscribe(ctx context.Context, lastEventID string) (*Subscription, error) {
	switch c.State() {
	case StateActive:
	case StateInitializing:
		return nil, ErrNotInitialized
	case StateClosing:
		return nil, ErrClosing
	default:
		return nil, ErrClosed
	}

	sub := &Subscription{ch: c, live: make(chan sessions.Event, c.cfg.SubscriberBuffer)}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if c.events == nil {
		return nil, ErrClosed
	}
	if lastEventID != "" {
		evs, err := c.events.After(ctx, lastEventID)
		if errors.Is(err, sessions.ErrUnknownEventID) && c.cfg.Replay == sessions.ReplayAll {
			c.log.InfoContext(ctx, "stream.replay.unknown_id", slog.String("last_event_id", lastEventID))
			evs, err = c.events.After(ctx, "")
		}
		if err != nil {
			return nil, err
		}
		sub.replay = evs
	}
	c.subs[sub] = struct{}{}
	c.streams.Add(1)
	c.cfg.Metrics.EventsReplayed(len(sub.replay))
	return sub, nil
}

// Deliver sends the replayed events then live events to fn, in order, until
// ctx is done, fn fails, or the channel closes. A nil error means the
// channel closed.
func (s *Subscription) Deliver(ctx context.Context, fn func(sessions.Event) error) error {
	defer s.Close()
	for _, ev := range s.replay {
		if err := fn(ev); err != nil {
			return err
		}
	}
	s.replay = nil
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.live:
			if !ok {
				if s.overflow.Load() {
					return ErrSubscriberOverflow
				}
				return nil
			}
			if err := fn(ev); err != nil {
				return err
			}
		}
	}
}

// Replayed reports how many events were queued for replay.
func (s *Subscription) Replayed() int { return len(s.replay) }

// Close detaches the stream. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		c := s.ch
		c.pubMu.Lock()
		if _, ok := c.subs[s]; ok {
			delete(c.subs, s)
			close(s.live)
		}
		c.pubMu.Unlock()
		c.streams.Add(-1)
		c.touch()
	})
}
