package streaminghttp

import (
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/spotify-mcp-go/auth"
	"github.com/ggoodman/spotify-mcp-go/internal/metrics"
	"github.com/ggoodman/spotify-mcp-go/mcp"
	"github.com/ggoodman/spotify-mcp-go/sessions"
)

// Option configures the StreamingHTTPHandler.
type Option func(*newConfig)

type newConfig struct {
	logger            *slog.Logger
	serverInfo        mcp.ImplementationInfo
	instructions      string
	eventLogs         sessions.EventLogFactory
	replay            sessions.ReplayPolicy
	toolTimeout       time.Duration
	drainTimeout      time.Duration
	idleTTL           time.Duration
	maxSessions       int
	metrics           *metrics.Recorder
	closeOnDisconnect bool
	keepAlive         time.Duration
	maxBodyBytes      int64
	newID             func() string
	securityConfig    *auth.SecurityConfig
	realm             string
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithServerInfo sets the implementation info returned from initialize. The
// name is also used as the resource name in protected resource metadata.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(c *newConfig) { c.serverInfo = info }
}

// WithInstructions sets the instructions text returned from initialize.
func WithInstructions(s string) Option {
	return func(c *newConfig) { c.instructions = s }
}

// WithEventLog sets the per-session event log backend. Defaults to the
// in-memory ring from sessions/memoryhost.
func WithEventLog(f sessions.EventLogFactory) Option {
	return func(c *newConfig) { c.eventLogs = f }
}

// WithReplayPolicy decides how a GET with an unknown Last-Event-ID is
// answered.
func WithReplayPolicy(p sessions.ReplayPolicy) Option {
	return func(c *newConfig) { c.replay = p }
}

// WithToolTimeout bounds every tool call. Zero disables the bound.
func WithToolTimeout(d time.Duration) Option {
	return func(c *newConfig) { c.toolTimeout = d }
}

// WithDrainTimeout bounds how long terminating a session waits for in-flight
// requests. Requests still running afterwards are answered with "session is
// closing" and their handlers are abandoned. Defaults to 5s.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *newConfig) { c.drainTimeout = d }
}

// WithSessionIdleTTL closes sessions with no request and no attached stream
// for longer than ttl. Zero disables eviction.
func WithSessionIdleTTL(ttl time.Duration) Option {
	return func(c *newConfig) { c.idleTTL = ttl }
}

// WithMaxSessions caps live sessions; further initializations get 503.
func WithMaxSessions(n int) Option {
	return func(c *newConfig) { c.maxSessions = n }
}

func WithMetrics(r *metrics.Recorder) Option {
	return func(c *newConfig) { c.metrics = r }
}

// WithCloseOnDisconnect closes a session when its last GET stream goes away.
//
// It is off by default. A dropped stream then leaves the session open so the
// client can reconnect and resume with Last-Event-ID; abandoned sessions are
// only reclaimed by DELETE or by the idle sweeper (WithSessionIdleTTL). With
// no idle TTL configured, a client that disconnects without DELETE keeps its
// session until shutdown. Enabling it frees sessions promptly but makes
// resumption after a dropped stream impossible.
func WithCloseOnDisconnect(v bool) Option {
	return func(c *newConfig) { c.closeOnDisconnect = v }
}

// WithKeepAlive sets the SSE comment heartbeat interval on GET streams.
// Zero disables heartbeats.
func WithKeepAlive(d time.Duration) Option {
	return func(c *newConfig) { c.keepAlive = d }
}

// WithMaxBodyBytes limits POST bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(c *newConfig) { c.maxBodyBytes = n }
}

// WithSessionIDGenerator replaces the uuid session id generator.
func WithSessionIDGenerator(f func() string) Option {
	return func(c *newConfig) { c.newID = f }
}

// WithSecurityConfig provides a unified security configuration for both
// advertisement and challenge construction. It takes precedence over what the
// authenticator describes.
func WithSecurityConfig(sc auth.SecurityConfig) Option {
	return func(c *newConfig) { cfgCopy := sc.Copy(); c.securityConfig = &cfgCopy }
}

// WithRealm sets the HTTP authentication realm advertised in WWW-Authenticate
// challenges. Empty omits the attribute.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}
