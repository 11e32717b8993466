package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/ggoodman/spotify-mcp-go/mcp"
)

// ResponseWriter lets a tool handler compose a CallToolResult incrementally
// and emit progress while it runs.
//
// Writes after Result are rejected with ErrFinalized. Mutating methods return
// the context error once the call context is done.
type ResponseWriter interface {
	AppendText(text string) error
	AppendBlocks(blocks ...mcp.ContentBlock) error
	SetError(isError bool)
	SetMeta(key string, v any)
	// SetStructured attaches a machine-readable object mirroring the text.
	SetStructured(v any) error
	// SendProgress is a no-op unless the client supplied a progress token.
	SendProgress(progress, total float64, message string) error
	// Result finalizes and returns the accumulated result. It is idempotent.
	Result() *mcp.CallToolResult
}

// ErrFinalized is returned when attempting to write after Result() was called.
var ErrFinalized = errors.New("result already finalized")

type responseWriter struct {
	ctx       context.Context
	mu        sync.Mutex
	finalized bool

	blocks     []mcp.ContentBlock
	isError    bool
	meta       map[string]any
	structured map[string]any
}

var _ ResponseWriter = (*responseWriter)(nil)

func newResponseWriter(ctx context.Context) *responseWriter {
	return &responseWriter{ctx: ctx}
}

func (w *responseWriter) AppendText(text string) error {
	if text == "" {
		return nil
	}
	return w.AppendBlocks(mcp.ContentBlock{Type: mcp.ContentTypeText, Text: text})
}

func (w *responseWriter) AppendBlocks(blocks ...mcp.ContentBlock) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return ErrFinalized
	}
	w.blocks = append(w.blocks, blocks...)
	return nil
}

func (w *responseWriter) SetError(isError bool) {
	w.mu.Lock()
	w.isError = isError
	w.mu.Unlock()
}

func (w *responseWriter) SetMeta(key string, v any) {
	if key == "" {
		return
	}
	w.mu.Lock()
	if w.meta == nil {
		w.meta = make(map[string]any)
	}
	w.meta[key] = v
	w.mu.Unlock()
}

func (w *responseWriter) SetStructured(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal structured content: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("structured content must be an object: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return ErrFinalized
	}
	w.structured = m
	return nil
}

func (w *responseWriter) SendProgress(progress, total float64, message string) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	if pr, ok := ProgressFrom(w.ctx); ok {
		return pr.Report(w.ctx, progress, total, message)
	}
	return nil
}

func (w *responseWriter) Result() *mcp.CallToolResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.finalized = true
	res := &mcp.CallToolResult{
		Content:           append([]mcp.ContentBlock{}, w.blocks...),
		IsError:           w.isError,
		StructuredContent: maps.Clone(w.structured),
	}
	if len(w.meta) > 0 {
		res.Meta = maps.Clone(w.meta)
	}
	return res
}
