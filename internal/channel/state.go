package channel

import (
	"context"
	"fmt"
)

// State is the lifecycle state of a Channel.
type State int32

const (
	StateInitializing State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Observer receives every state transition synchronously, in order, outside
// the channel's locks. An error returned for the transition to StateActive
// aborts initialization; errors for other transitions are logged.
type Observer interface {
	Transition(ctx context.Context, ch *Channel, from, to State) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ch *Channel, from, to State) error

func (f ObserverFunc) Transition(ctx context.Context, ch *Channel, from, to State) error {
	return f(ctx, ch, from, to)
}

type nopObserver struct{}

func (nopObserver) Transition(context.Context, *Channel, State, State) error { return nil }
