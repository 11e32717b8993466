package streaminghttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/spotify-mcp-go/internal/channel"
	"github.com/ggoodman/spotify-mcp-go/sessions"
)

// sseWriter serializes SSE frames onto one response. The status line and
// stream headers are committed lazily on the first frame so a request that
// fails before producing output can still get a plain error response.
type sseWriter struct {
	w   http.ResponseWriter
	f   http.Flusher
	ctx context.Context

	mu    sync.Mutex
	once  sync.Once
	begun bool
}

func newSSEWriter(ctx context.Context, w http.ResponseWriter, f http.Flusher) *sseWriter {
	return &sseWriter{w: w, f: f, ctx: ctx}
}

func (s *sseWriter) startLocked() {
	s.once.Do(func() {
		hdr := s.w.Header()
		hdr.Set("Content-Type", eventStreamMediaType.String())
		hdr.Set("Cache-Control", "no-cache")
		hdr.Set("Connection", "keep-alive")
		hdr.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.f.Flush()
		s.begun = true
	})
}

func (s *sseWriter) started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begun
}

// start commits the stream headers without sending a frame.
func (s *sseWriter) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked()
}

// writeEvent writes one frame. Multi-line payloads are split across data
// lines.
func (s *sseWriter) writeEvent(id string, payload []byte) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	var b strings.Builder
	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	for _, line := range strings.Split(string(payload), "\n") {
		b.WriteString("data: ")
		b.WriteString(strings.TrimSuffix(line, "\r"))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return s.write(b.String())
}

func (s *sseWriter) writeComment(text string) error {
	return s.write(": " + text + "\n\n")
}

func (s *sseWriter) write(frame string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ctx.Err(); err != nil {
		return err
	}
	s.startLocked()
	if _, err := s.w.Write([]byte(frame)); err != nil {
		return fmt.Errorf("write SSE frame: %w", err)
	}
	s.f.Flush()
	return nil
}

// handleGetMCP attaches a server-to-client event stream to a live session,
// replaying events after Last-Event-ID first.
func (h *StreamingHTTPHandler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		h.log.WarnContext(ctx, "http.get.unsupported_media_type", slog.String("accept", r.Header.Get("Accept")))
		writeProtocolError(w, errStreamNotAccepted)
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		writeProtocolError(w, errInternal)
		return
	}

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.log.WarnContext(ctx, "session.id.missing")
		writeProtocolError(w, errSessionRequired)
		return
	}
	ch, ctx, ok := h.lookup(ctx, sessID, userInfo)
	if !ok {
		writeProtocolError(w, errSessionNotFound)
		return
	}
	if !versionMatches(r, ch) {
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", r.Header.Get(mcpProtocolVersionHeader)))
		writeProtocolError(w, errVersionMismatch)
		return
	}

	lastEventID := r.Header.Get(lastEventIDHeader)
	sub, err := ch.Subscribe(ctx, lastEventID)
	if err != nil {
		switch {
		case errors.Is(err, sessions.ErrUnknownEventID):
			h.log.InfoContext(ctx, "stream.replay.unknown_id", slog.String("last_event_id", lastEventID))
			writeProtocolError(w, errUnknownEventID)
		case errors.Is(err, channel.ErrClosing), errors.Is(err, channel.ErrClosed):
			writeProtocolError(w, errSessionNotFound)
		default:
			h.log.ErrorContext(ctx, "stream.subscribe.fail", slog.String("err", err.Error()))
			writeProtocolError(w, errInternal)
		}
		return
	}

	if spv := ch.ProtocolVersion(); spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}
	sse := newSSEWriter(ctx, w, f)
	sse.start()
	h.log.InfoContext(ctx, "sse.stream.start", slog.String("last_event_id", lastEventID), slog.Int("replay", sub.Replayed()))

	streamCtx, cancel := context.WithCancel(ctx)
	kaDone := make(chan struct{})
	if h.cfg.keepAlive > 0 {
		go func() {
			defer close(kaDone)
			h.keepAlive(streamCtx, sse)
		}()
	} else {
		close(kaDone)
	}
	// The heartbeat must not touch the ResponseWriter once the handler returns.
	defer func() {
		cancel()
		<-kaDone
	}()

	err = sub.Deliver(streamCtx, func(ev sessions.Event) error {
		return sse.writeEvent(ev.ID, ev.Data)
	})
	switch {
	case err == nil:
		h.log.InfoContext(ctx, "sse.stream.session_closed")
	case errors.Is(err, channel.ErrSubscriberOverflow):
		h.log.WarnContext(ctx, "sse.stream.overflow")
	case errors.Is(err, context.Canceled):
		h.log.InfoContext(ctx, "sse.stream.disconnect")
		if h.cfg.closeOnDisconnect && ch.Streams() == 0 {
			if cerr := ch.Close(context.WithoutCancel(ctx), sessions.CloseReasonDisconnect); cerr != nil {
				h.log.WarnContext(ctx, "session.close.fail", slog.String("err", cerr.Error()))
			}
		}
	default:
		h.log.WarnContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

func (h *StreamingHTTPHandler) keepAlive(ctx context.Context, sse *sseWriter) {
	t := time.NewTicker(h.cfg.keepAlive)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := sse.writeComment("ping"); err != nil {
				return
			}
		}
	}
}
