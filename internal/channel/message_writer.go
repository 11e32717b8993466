package channel

import (
	"context"

	"github.com/ggoodman/spotify-mcp-go/internal/jsonrpc"
)

// MessageWriter receives request-scoped server messages such as progress
// notifications for the POST stream that carries the request.
type MessageWriter interface {
	WriteMessage(ctx context.Context, msg jsonrpc.Message) error
}

type MessageWriterFunc func(ctx context.Context, msg jsonrpc.Message) error

func (f MessageWriterFunc) WriteMessage(ctx context.Context, msg jsonrpc.Message) error {
	return f(ctx, msg)
}
