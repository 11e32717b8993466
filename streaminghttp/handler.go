package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/spotify-mcp-go/auth"
	"github.com/ggoodman/spotify-mcp-go/internal/channel"
	"github.com/ggoodman/spotify-mcp-go/internal/logctx"
	"github.com/ggoodman/spotify-mcp-go/internal/metrics"
	"github.com/ggoodman/spotify-mcp-go/internal/wellknown"
	"github.com/ggoodman/spotify-mcp-go/sessions"
	"github.com/ggoodman/spotify-mcp-go/sessions/memoryhost"
	"github.com/ggoodman/spotify-mcp-go/sessions/memorystore"
	"github.com/ggoodman/spotify-mcp-go/tools"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	_ http.Handler = (*StreamingHTTPHandler)(nil)
)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
	// Order matters: an Accept header that ranks both equally gets a stream.
	requestResponseTypes  = []contenttype.MediaType{eventStreamMediaType, jsonMediaType}
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	authorizationHeader      = "Authorization"
	wwwAuthenticateHeader    = "WWW-Authenticate"

	defaultMaxBodyBytes = 4 << 20
	defaultKeepAlive    = 15 * time.Second
)

// StreamingHTTPHandler implements the streaming HTTP transport of the Model
// Context Protocol. It routes every request to the live session named by its
// Mcp-Session-Id header, creates sessions on initialize, and rejects
// everything else.
type StreamingHTTPHandler struct {
	mux *http.ServeMux
	log *slog.Logger
	cfg *newConfig

	serverURL          *url.URL
	prmURL             string
	prmDocument        wellknown.ProtectedResourceMetadata
	authServerMetadata wellknown.AuthServerMetadata
	requiredScopes     []string
	realm              string

	auth     auth.Authenticator
	registry *tools.Registry
	store    *memorystore.Store[*channel.Channel]
	metrics  *metrics.Recorder

	stopSweeper context.CancelFunc
}

// New constructs a StreamingHTTPHandler.
//
// Required:
//   - publicEndpoint: externally visible URL of the MCP endpoint (scheme, host, path)
//   - registry: the tools every session materializes at initialize
//   - authenticator: verifies bearer tokens (may also implement auth.SecurityDescriptor)
//
// Security metadata is taken from WithSecurityConfig, else from the
// authenticator when it implements auth.SecurityDescriptor. The idle sweeper
// runs until ctx is done or Shutdown is called.
func New(ctx context.Context, publicEndpoint string, registry *tools.Registry, authenticator auth.Authenticator, opts ...Option) (*StreamingHTTPHandler, error) {
	if registry == nil {
		return nil, errors.New("tool registry is required")
	}
	if authenticator == nil {
		return nil, errors.New("authenticator is required")
	}

	mcpURL, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", publicEndpoint, err)
	}
	if mcpURL.Scheme != "https" && mcpURL.Scheme != "http" {
		return nil, fmt.Errorf("server URL must use HTTP or HTTPS scheme, got %q", mcpURL.Scheme)
	}

	cfg := &newConfig{
		logger:       slog.Default(),
		keepAlive:    defaultKeepAlive,
		maxBodyBytes: defaultMaxBodyBytes,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.eventLogs == nil {
		cfg.eventLogs = memoryhost.New().Open
	}

	var resolved *auth.SecurityConfig
	if cfg.securityConfig != nil {
		cc := cfg.securityConfig.Copy()
		resolved = &cc
	} else if sd, ok := authenticator.(auth.SecurityDescriptor); ok {
		cc := sd.SecurityConfig().Copy()
		resolved = &cc
	}

	log := slog.New(logctx.New(cfg.logger.Handler()))

	h := &StreamingHTTPHandler{
		log:       log,
		cfg:       cfg,
		serverURL: mcpURL,
		auth:      authenticator,
		registry:  registry,
		metrics:   cfg.metrics,
		realm:     cfg.realm,
		store: memorystore.New[*channel.Channel](
			memorystore.WithMaxSessions(cfg.maxSessions),
			memorystore.WithIdleTTL(cfg.idleTTL),
			memorystore.WithCloseTimeout(2*cfg.drainTimeout),
			memorystore.WithLogger(log),
		),
	}

	mux := http.NewServeMux()
	mcpPath := pathOnly(mcpURL)
	mux.HandleFunc("POST "+mcpPath, h.handlePostMCP)
	mux.HandleFunc("GET "+mcpPath, h.handleGetMCP)
	mux.HandleFunc("DELETE "+mcpPath, h.handleDeleteMCP)

	if resolved != nil {
		h.requiredScopes = resolved.RequiredScopes
	}
	if resolved != nil && resolved.Advertise {
		h.buildDiscoveryDocuments(*resolved)
		prmURL := &url.URL{Scheme: mcpURL.Scheme, Host: mcpURL.Host, Path: "/.well-known/oauth-protected-resource" + strings.TrimSuffix(mcpURL.Path, "/")}
		h.prmURL = prmURL.String()
		prmPath := pathOnly(prmURL)
		mux.HandleFunc("GET "+prmPath, h.handleGetProtectedResourceMetadata)
		mux.HandleFunc("OPTIONS "+prmPath, h.handleOptionsMetadata)
		const asPath = "/.well-known/oauth-authorization-server"
		mux.HandleFunc("GET "+asPath, h.handleGetAuthorizationServerMetadata)
		mux.HandleFunc("OPTIONS "+asPath, h.handleOptionsMetadata)
	}
	h.mux = mux

	sweepCtx, cancel := context.WithCancel(ctx)
	h.stopSweeper = cancel
	go h.store.Run(sweepCtx)

	return h, nil
}

func (h *StreamingHTTPHandler) buildDiscoveryDocuments(sc auth.SecurityConfig) {
	scopes := sc.RequiredScopes
	var extra auth.OIDCExtra
	if sc.OIDC != nil {
		extra = *sc.OIDC
		if len(extra.ScopesSupported) > 0 {
			scopes = extra.ScopesSupported
		}
	}
	h.prmDocument = wellknown.ProtectedResourceMetadata{
		Resource:                          h.serverURL.String(),
		AuthorizationServers:              []string{sc.Issuer},
		JwksURI:                           sc.JWKSURL,
		ScopesSupported:                   scopes,
		BearerMethodsSupported:            []string{"header"},
		ResourceSigningAlgValuesSupported: sc.AllowedAlgs,
		ResourceName:                      h.cfg.serverInfo.Name,
	}
	h.authServerMetadata = wellknown.AuthServerMetadata{
		Issuer:                            sc.Issuer,
		AuthorizationEndpoint:             extra.AuthorizationEndpoint,
		TokenEndpoint:                     extra.TokenEndpoint,
		JwksURI:                           sc.JWKSURL,
		RegistrationEndpoint:              extra.RegistrationEndpoint,
		ScopesSupported:                   scopes,
		ResponseTypesSupported:            extra.ResponseTypesSupported,
		GrantTypesSupported:               extra.GrantTypesSupported,
		CodeChallengeMethodsSupported:     extra.CodeChallengeMethodsSupported,
		TokenEndpointAuthMethodsSupported: extra.TokenEndpointAuthMethods,
	}
}

// pathOnly returns just the URL path or "/" if empty.
func pathOnly(u *url.URL) string {
	if u == nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

// SessionCount reports the number of live sessions.
func (h *StreamingHTTPHandler) SessionCount() int { return h.store.Len() }

// Shutdown stops the idle sweeper and closes every live session with reason
// shutdown. In-flight requests may finish until ctx is done.
func (h *StreamingHTTPHandler) Shutdown(ctx context.Context) error {
	h.stopSweeper()
	var live []*channel.Channel
	h.store.Range(func(ch *channel.Channel) bool {
		live = append(live, ch)
		return true
	})
	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range live {
		g.Go(func() error {
			return ch.Close(gctx, sessions.CloseReasonShutdown)
		})
	}
	err := g.Wait()
	h.log.InfoContext(ctx, "http.shutdown", slog.Int("sessions", len(live)))
	return err
}

// onTransition keeps the store in step with channel lifecycles: a channel
// becomes addressable only once active and stops being addressable the
// moment it closes.
func (h *StreamingHTTPHandler) onTransition(ctx context.Context, ch *channel.Channel, from, to channel.State) error {
	switch to {
	case channel.StateActive:
		if err := h.store.Insert(ch); err != nil {
			h.log.WarnContext(ctx, "session.publish.fail", slog.String("err", err.Error()))
			return err
		}
		h.log.InfoContext(ctx, "session.publish.ok")
	case channel.StateClosed:
		if id := ch.SessionID(); id != "" {
			h.store.Remove(id)
		}
	}
	return nil
}

func (h *StreamingHTTPHandler) newChannel(userID string) *channel.Channel {
	return channel.New(channel.Config{
		UserID:       userID,
		Observer:     channel.ObserverFunc(h.onTransition),
		EventLogs:    h.cfg.eventLogs,
		Replay:       h.cfg.replay,
		ToolTimeout:  h.cfg.toolTimeout,
		DrainTimeout: h.cfg.drainTimeout,
		ServerInfo:   h.cfg.serverInfo,
		Instructions: h.cfg.instructions,
		NewID:        h.cfg.newID,
		Logger:       h.log,
		Metrics:      h.metrics,
	})
}

// trackingWriter records whether the status line was committed so the
// recover boundary knows if it can still write an error envelope.
type trackingWriter struct {
	http.ResponseWriter
	wrote bool
}

func (t *trackingWriter) WriteHeader(code int) {
	t.wrote = true
	t.ResponseWriter.WriteHeader(code)
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	t.wrote = true
	return t.ResponseWriter.Write(p)
}

func (t *trackingWriter) Flush() {
	if f, ok := t.ResponseWriter.(http.Flusher); ok {
		t.wrote = true
		f.Flush()
	}
}

func (t *trackingWriter) Unwrap() http.ResponseWriter { return t.ResponseWriter }

func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	tw := &trackingWriter{ResponseWriter: w}
	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			h.log.ErrorContext(ctx, "http.panic", slog.Any("panic", rec), slog.String("stack", string(debug.Stack())))
			if !tw.wrote {
				writeProtocolError(tw, errInternal)
			}
		}
	}()
	h.mux.ServeHTTP(tw, r.WithContext(ctx))
}

// lookup resolves the session header for an authenticated subject.
func (h *StreamingHTTPHandler) lookup(ctx context.Context, sessID string, user auth.UserInfo) (*channel.Channel, context.Context, bool) {
	ch, err := h.store.Lookup(sessID, user.UserID())
	if err != nil {
		h.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", sessID))
		return nil, ctx, false
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       ch.SessionID(),
		UserID:          ch.UserID(),
		ProtocolVersion: ch.ProtocolVersion(),
		State:           ch.State().String(),
	})
	return ch, ctx, true
}

// versionMatches reports whether the client's protocol version header, when
// present, agrees with what the session negotiated.
func versionMatches(r *http.Request, ch *channel.Channel) bool {
	pv := r.Header.Get(mcpProtocolVersionHeader)
	spv := ch.ProtocolVersion()
	return pv == "" || spv == "" || pv == spv
}

// handleDeleteMCP terminates a session. Teardown errors are logged; the
// session is unaddressable afterwards either way.
func (h *StreamingHTTPHandler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

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

	if err := ch.Close(context.WithoutCancel(ctx), sessions.CloseReasonDeleted); err != nil {
		h.log.ErrorContext(ctx, "session.delete.teardown_fail", slog.String("err", err.Error()))
	}
	if spv := ch.ProtocolVersion(); spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

func (h *StreamingHTTPHandler) handleOptionsMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, Mcp-Protocol-Version")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

// handleGetProtectedResourceMetadata serves the RFC 9728 document.
func (h *StreamingHTTPHandler) handleGetProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	writeMetadata(w, h.prmDocument)
}

// handleGetAuthorizationServerMetadata mirrors the authorization server's
// RFC 8414 metadata for clients that look for it on the resource host. This
// process is not an authorization server.
func (h *StreamingHTTPHandler) handleGetAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	writeMetadata(w, h.authServerMetadata)
}

func writeMetadata(w http.ResponseWriter, doc any) {
	b, err := json.Marshal(doc)
	if err != nil {
		writeProtocolError(w, errInternal)
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.Header().Set("Cache-Control", "public, max-age=300")
	_, _ = w.Write(b)
}
