package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/spotify-mcp-go/auth"
	"github.com/ggoodman/spotify-mcp-go/internal/channel"
	"github.com/ggoodman/spotify-mcp-go/internal/jsonrpc"
	"github.com/ggoodman/spotify-mcp-go/internal/logctx"
	"github.com/ggoodman/spotify-mcp-go/mcp"
	"github.com/ggoodman/spotify-mcp-go/sessions"
)

// handlePostMCP routes one client message. In priority order: a known live
// session gets the message; no session header plus initialize creates a
// session; anything else is rejected without touching the store.
func (h *StreamingHTTPHandler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		h.log.WarnContext(ctx, "content_type.unsupported", slog.String("content_type", r.Header.Get("Content-Type")))
		writeProtocolError(w, errUnsupportedMedia)
		return
	}

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		return
	}
	ctx = auth.WithUserInfo(ctx, userInfo)

	raw, perr := h.readMessage(w, r)
	if perr != nil {
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", perr.Message))
		writeProtocolError(w, perr)
		return
	}
	msg, err := jsonrpc.Decode(raw)
	if err != nil {
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		if errors.Is(err, jsonrpc.ErrBatch) {
			writeProtocolError(w, errBatch)
			return
		}
		writeProtocolError(w, protocolError(http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request: "+err.Error()))
		return
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Kind().String()})

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		req := msg.AsRequest()
		if req == nil || req.Method != string(mcp.InitializeMethod) || req.ID.IsNil() {
			h.log.InfoContext(ctx, "session.id.missing")
			writeProtocolError(w, errSessionRequired.withID(msg.ID))
			return
		}
		h.initialize(ctx, w, r, userInfo, req, start)
		return
	}

	ch, ctx, ok := h.lookup(ctx, sessID, userInfo)
	if !ok {
		writeProtocolError(w, errNoValidSession)
		return
	}
	if !versionMatches(r, ch) {
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", r.Header.Get(mcpProtocolVersionHeader)))
		writeProtocolError(w, errVersionMismatch.withID(msg.ID))
		return
	}
	if spv := ch.ProtocolVersion(); spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}

	req := msg.AsRequest()
	switch {
	case req != nil && req.Method == string(mcp.InitializeMethod):
		h.log.WarnContext(ctx, "session.initialize.redundant")
		writeProtocolError(w, errAlreadyInit.withID(req.ID))
	case req != nil && req.ID.IsNil():
		h.handleNotification(ctx, w, ch, req, start)
	case req != nil:
		h.handleRequest(ctx, w, r, ch, req, start)
	default:
		// This server never issues client-bound requests, so a response has
		// nothing to correlate with.
		h.log.InfoContext(ctx, "response.inbound.ignored")
		w.WriteHeader(http.StatusAccepted)
	}
}

// readMessage reads a single JSON value from the body.
func (h *StreamingHTTPHandler) readMessage(w http.ResponseWriter, r *http.Request) (json.RawMessage, *ProtocolError) {
	body := http.MaxBytesReader(w, r.Body, h.cfg.maxBodyBytes)
	var raw json.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errTooLarge
		}
		return nil, errParse
	}
	return raw, nil
}

func (h *StreamingHTTPHandler) initialize(ctx context.Context, w http.ResponseWriter, r *http.Request, user auth.UserInfo, req *jsonrpc.Request, start time.Time) {
	if r.Header.Get("Accept") != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, requestResponseTypes); err != nil {
			h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
			writeProtocolError(w, errNotAcceptable.withID(req.ID))
			return
		}
	}
	if h.store.Full() {
		h.log.WarnContext(ctx, "session.initialize.capacity")
		writeProtocolError(w, errCapacity.withID(req.ID))
		return
	}

	ch := h.newChannel(user.UserID())
	if _, err := h.registry.Materialize(ch); err != nil {
		_ = ch.Close(ctx, sessions.CloseReasonInitFailed)
		h.log.ErrorContext(ctx, "session.materialize.fail", slog.String("err", err.Error()))
		writeProtocolError(w, errInternal.withID(req.ID))
		return
	}

	resp, err := ch.Initialize(ctx, req)
	if err != nil {
		var rpcErr *jsonrpc.Error
		switch {
		case errors.As(err, &rpcErr):
			writeProtocolError(w, protocolError(http.StatusBadRequest, rpcErr.Code, rpcErr.Message).withID(req.ID))
		case errors.Is(err, sessions.ErrStoreFull):
			writeProtocolError(w, errCapacity.withID(req.ID))
		default:
			h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
			writeProtocolError(w, errInternal.withID(req.ID))
		}
		return
	}

	w.Header().Set(mcpSessionIDHeader, ch.SessionID())
	w.Header().Set(mcpProtocolVersionHeader, ch.ProtocolVersion())
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "http.post.initialize.ok", slog.String("session_id", ch.SessionID()), slog.Duration("dur", time.Since(start)))
}

func (h *StreamingHTTPHandler) handleNotification(ctx context.Context, w http.ResponseWriter, ch *channel.Channel, note *jsonrpc.Request, start time.Time) {
	if err := ch.HandleNotification(ctx, note); err != nil {
		if errors.Is(err, channel.ErrClosing) || errors.Is(err, channel.ErrClosed) {
			h.log.InfoContext(ctx, "notification.inbound.closed")
			writeProtocolError(w, errNoValidSession)
			return
		}
		h.log.ErrorContext(ctx, "notification.inbound.fail", slog.String("err", err.Error()))
		writeProtocolError(w, errInternal)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
}

func (h *StreamingHTTPHandler) handleRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, ch *channel.Channel, req *jsonrpc.Request, start time.Time) {
	asStream := true
	if r.Header.Get("Accept") != "" {
		mt, _, err := contenttype.GetAcceptableMediaType(r, requestResponseTypes)
		if err != nil {
			h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
			writeProtocolError(w, errNotAcceptable.withID(req.ID))
			return
		}
		asStream = mt.Matches(eventStreamMediaType)
	}

	var sse *sseWriter
	var out channel.MessageWriter
	if asStream {
		f, ok := w.(http.Flusher)
		if !ok {
			h.log.ErrorContext(ctx, "flusher.missing")
			writeProtocolError(w, errInternal.withID(req.ID))
			return
		}
		sse = newSSEWriter(ctx, w, f)
		out = channel.MessageWriterFunc(func(ctx context.Context, msg jsonrpc.Message) error {
			return sse.writeEvent("", msg)
		})
	}

	resp, err := ch.HandleRequest(ctx, req, out)
	if err != nil {
		if sse != nil && sse.started() {
			h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
			return
		}
		if errors.Is(err, channel.ErrClosed) || errors.Is(err, channel.ErrNotInitialized) {
			h.log.InfoContext(ctx, "rpc.inbound.closed")
			writeProtocolError(w, errNoValidSession.withID(req.ID))
			return
		}
		h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
		writeProtocolError(w, errInternal.withID(req.ID))
		return
	}

	b, err := json.Marshal(resp)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		if sse == nil || !sse.started() {
			writeProtocolError(w, errInternal.withID(req.ID))
		}
		return
	}

	if sse != nil {
		if err := sse.writeEvent("", b); err != nil {
			h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return
		}
	} else {
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(b); err != nil {
			h.log.WarnContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
		}
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}
