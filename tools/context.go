package tools

import (
	"context"

	"github.com/ggoodman/spotify-mcp-go/mcp"
)

// ProgressReporter reports progress of a long-running tool call. The session
// installs one on the call context when the client asked for progress.
type ProgressReporter interface {
	Report(ctx context.Context, progress, total float64, message string) error
}

// Notifier emits notifications/message to the calling session.
type Notifier interface {
	Notify(ctx context.Context, level mcp.LoggingLevel, data any) error
}

type progressKey struct{}

type notifierKey struct{}

// WithProgressReporter returns a new context carrying the provided reporter.
func WithProgressReporter(ctx context.Context, pr ProgressReporter) context.Context {
	if pr == nil {
		return ctx
	}
	return context.WithValue(ctx, progressKey{}, pr)
}

// ProgressFrom retrieves a ProgressReporter from the context if present.
func ProgressFrom(ctx context.Context) (ProgressReporter, bool) {
	pr, ok := ctx.Value(progressKey{}).(ProgressReporter)
	return pr, ok && pr != nil
}

// WithNotifier returns a new context carrying the session notifier.
func WithNotifier(ctx context.Context, n Notifier) context.Context {
	if n == nil {
		return ctx
	}
	return context.WithValue(ctx, notifierKey{}, n)
}

// Notify sends a log message to the calling session. It is a no-op outside a
// session call context.
func Notify(ctx context.Context, level mcp.LoggingLevel, data any) error {
	n, ok := ctx.Value(notifierKey{}).(Notifier)
	if !ok || n == nil {
		return nil
	}
	return n.Notify(ctx, level, data)
}
