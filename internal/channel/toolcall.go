package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/ggoodman/spotify-mcp-go/internal/jsonrpc"
	"github.com/ggoodman/spotify-mcp-go/internal/logctx"
	"github.com/ggoodman/spotify-mcp-go/internal/metrics"
	"github.com/ggoodman/spotify-mcp-go/mcp"
	"github.com/ggoodman/spotify-mcp-go/tools"
)

var errToolTimeout = errors.New("tool call timed out")

type callOutcome struct {
	res      *mcp.CallToolResult
	err      error
	panicked any
	stack    []byte
}

func (c *Channel) handleToolCall(ctx context.Context, req *jsonrpc.Request, out MessageWriter) *jsonrpc.Response {
	start := time.Now()
	log := c.log.With(slog.String("method", req.Method))

	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		log.InfoContext(ctx, "tool.call.invalid")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})

	c.mu.RLock()
	h, ok := c.byName[params.Name]
	c.mu.RUnlock()
	if !ok {
		log.InfoContext(ctx, "tool.call.unknown", slog.String("tool", params.Name))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, fmt.Sprintf("unknown tool: %s", params.Name), nil)
	}

	reqID := req.ID.String()
	toolCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(c.life, func() { cancel(ErrClosed) })
	defer stop()

	c.mu.Lock()
	if _, exists := c.cancels[reqID]; exists {
		c.mu.Unlock()
		log.InfoContext(ctx, "tool.call.duplicate_id", slog.String("request_id", reqID))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "duplicate request id", nil)
	}
	c.cancels[reqID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.cancels, reqID)
		c.mu.Unlock()
	}()

	if c.cfg.ToolTimeout > 0 {
		var cancelTimeout context.CancelFunc
		toolCtx, cancelTimeout = context.WithTimeoutCause(toolCtx, c.cfg.ToolTimeout, errToolTimeout)
		defer cancelTimeout()
	}

	toolCtx = tools.WithNotifier(toolCtx, c)
	if params.Meta != nil && params.Meta.ProgressToken != nil && out != nil {
		toolCtx = tools.WithProgressReporter(toolCtx, &progressReporter{token: params.Meta.ProgressToken, out: out})
	}

	done := make(chan callOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callOutcome{panicked: r, stack: debug.Stack()}
			}
		}()
		res, err := h.Call(toolCtx, &params)
		done <- callOutcome{res: res, err: err}
	}()

	var oc callOutcome
	interrupted := false
	select {
	case oc = <-done:
	case <-toolCtx.Done():
		interrupted = true
	}
	if oc.panicked == nil && oc.err != nil && toolCtx.Err() != nil {
		// The handler gave up because its context ended.
		interrupted = true
	}
	cause := context.Cause(toolCtx)

	outcome := metrics.OutcomeOK
	var resp *jsonrpc.Response
	switch {
	case oc.panicked != nil:
		outcome = metrics.OutcomePanic
		log.ErrorContext(ctx, "tool.call.panic",
			slog.Any("panic", oc.panicked),
			slog.String("stack", string(oc.stack)),
		)
		resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	case interrupted && errors.Is(cause, errToolTimeout):
		outcome = metrics.OutcomeTimeout
		resp = c.toolResult(ctx, req, tools.Errorf("tool %q timed out after %s", params.Name, c.cfg.ToolTimeout))
	case interrupted && errors.Is(cause, ErrClosed):
		outcome = metrics.OutcomeCancel
		resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeServerError, ErrClosing.Error(), nil)
	case interrupted:
		outcome = metrics.OutcomeCancel
		resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "request cancelled", nil)
	case oc.err != nil:
		outcome = metrics.OutcomeError
		log.InfoContext(ctx, "tool.call.error", slog.String("err", oc.err.Error()))
		resp = c.toolResult(ctx, req, tools.Errorf("%s", oc.err.Error()))
	case oc.res == nil:
		resp = c.toolResult(ctx, req, &mcp.CallToolResult{Content: []mcp.ContentBlock{}})
	default:
		if oc.res.IsError {
			outcome = metrics.OutcomeError
		}
		resp = c.toolResult(ctx, req, oc.res)
	}

	dur := time.Since(start)
	c.cfg.Metrics.ToolCall(params.Name, outcome, dur)
	log.InfoContext(ctx, "tool.call.done", slog.String("outcome", outcome), slog.Duration("dur", dur))
	return resp
}

func (c *Channel) toolResult(ctx context.Context, req *jsonrpc.Request, res *mcp.CallToolResult) *jsonrpc.Response {
	if res.Content == nil {
		res.Content = []mcp.ContentBlock{}
	}
	resp, err := jsonrpc.NewResultResponse(req.ID, res)
	if err != nil {
		c.log.ErrorContext(ctx, "tool.call.marshal", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	return resp
}

// progressReporter writes notifications/progress onto the request's own
// response stream.
type progressReporter struct {
	token mcp.ProgressToken
	out   MessageWriter
}

func (p *progressReporter) Report(ctx context.Context, progress, total float64, message string) error {
	note, err := jsonrpc.NewNotification(string(mcp.ProgressNotificationMethod), &mcp.ProgressNotificationParams{
		ProgressToken: p.token,
		Progress:      progress,
		Total:         total,
		Message:       message,
	})
	if err != nil {
		return err
	}
	b, err := json.Marshal(note)
	if err != nil {
		return err
	}
	return p.out.WriteMessage(ctx, b)
}
