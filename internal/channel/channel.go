// Package channel implements the per-session state machine: it owns the
// session's bound tool handles, its event log and its stream subscribers, and
// publishes its own id to the outside world only once initialize succeeded.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/spotify-mcp-go/internal/jsonrpc"
	"github.com/ggoodman/spotify-mcp-go/internal/logctx"
	"github.com/ggoodman/spotify-mcp-go/internal/metrics"
	"github.com/ggoodman/spotify-mcp-go/mcp"
	"github.com/ggoodman/spotify-mcp-go/sessions"
	"github.com/ggoodman/spotify-mcp-go/tools"
	"github.com/google/uuid"
)

var (
	// ErrClosing is returned for work submitted while the channel drains.
	ErrClosing = errors.New("session is closing")
	// ErrClosed is returned for work submitted after the channel closed.
	ErrClosed = errors.New("session closed")
	// ErrNotInitialized is returned when a stream is requested before initialize.
	ErrNotInitialized = errors.New("session not initialized")
	// ErrAlreadyInitialized is returned by a second initialize.
	ErrAlreadyInitialized = errors.New("session already initialized")
)

const (
	defaultSubscriberBuffer = 64
	defaultDrainTimeout     = 5 * time.Second
)

// Config configures a Channel. Only EventLogs is required.
type Config struct {
	// UserID is the authenticated subject that owns the session.
	UserID string
	// Observer receives state transitions.
	Observer Observer
	// EventLogs opens the session's event log once its id is assigned.
	EventLogs sessions.EventLogFactory
	// Replay decides how an unknown Last-Event-ID is treated.
	Replay sessions.ReplayPolicy
	// ToolTimeout bounds every tool call when positive.
	ToolTimeout time.Duration
	// DrainTimeout bounds how long Close lets in-flight requests finish
	// before canceling them. Defaults to 5s.
	DrainTimeout time.Duration

	ServerInfo   mcp.ImplementationInfo
	Instructions string

	// NewID generates session ids. Defaults to uuid.NewString.
	NewID func() string

	Logger  *slog.Logger
	Metrics *metrics.Recorder

	// SubscriberBuffer is the per-stream live event buffer. A stream that
	// falls further behind is dropped and must resume with Last-Event-ID.
	SubscriberBuffer int
}

// Channel is one MCP session. It is safe for concurrent use.
type Channel struct {
	cfg     Config
	log     *slog.Logger
	created time.Time

	// life is canceled when the channel closes; every tool call and stream
	// derives from it.
	life       context.Context
	cancelLife context.CancelCauseFunc

	mu              sync.RWMutex
	state           State
	id              string
	protocolVersion string
	clientInfo      mcp.ImplementationInfo
	logLevel        mcp.LoggingLevel
	handles         []*tools.Handle
	byName          map[string]*tools.Handle
	cancels         map[string]context.CancelCauseFunc
	closeReason     string
	published       bool

	inflight sync.WaitGroup
	done     chan struct{}

	// pubMu serializes event log appends with subscriber registration so a
	// resuming stream sees every event exactly once.
	pubMu  sync.Mutex
	events sessions.EventLog
	subs   map[*Subscription]struct{}

	lastActivity atomic.Int64
	streams      atomic.Int32
	active       atomic.Int32
}

// New creates a Channel in StateInitializing.
func New(cfg Config) *Channel {
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	life, cancel := context.WithCancelCause(context.Background())
	c := &Channel{
		cfg:        cfg,
		log:        cfg.Logger,
		created:    time.Now(),
		life:       life,
		cancelLife: cancel,
		state:      StateInitializing,
		logLevel:   mcp.LoggingLevelInfo,
		byName:     make(map[string]*tools.Handle),
		cancels:    make(map[string]context.CancelCauseFunc),
		done:       make(chan struct{}),
		subs:       make(map[*Subscription]struct{}),
	}
	c.touch()
	return c
}

var _ tools.Binder = (*Channel)(nil)
var _ sessions.Session = (*Channel)(nil)

// SessionID is empty until initialize assigned the id.
func (c *Channel) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

func (c *Channel) UserID() string { return c.cfg.UserID }

func (c *Channel) CreatedAt() time.Time { return c.created }

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Channel) ProtocolVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.protocolVersion
}

// LastActivity reports now while a stream is attached or a request is being
// served.
func (c *Channel) LastActivity() time.Time {
	if c.streams.Load() > 0 || c.active.Load() > 0 {
		return time.Now()
	}
	return time.Unix(0, c.lastActivity.Load())
}

// Streams reports the number of attached stream subscribers.
func (c *Channel) Streams() int { return int(c.streams.Load()) }

// Done is closed once the channel reached StateClosed.
func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

// BindTools replaces the callable tool set.
func (c *Channel) BindTools(handles []*tools.Handle) error {
	byName := make(map[string]*tools.Handle, len(handles))
	for _, h := range handles {
		byName[h.Name()] = h
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state >= StateClosing {
		return ErrClosed
	}
	c.handles = append([]*tools.Handle(nil), handles...)
	c.byName = byName
	return nil
}

func (c *Channel) sessionContext(ctx context.Context) context.Context {
	c.mu.RLock()
	sd := &logctx.SessionData{
		SessionID:       c.id,
		UserID:          c.cfg.UserID,
		ProtocolVersion: c.protocolVersion,
		State:           c.state.String(),
	}
	c.mu.RUnlock()
	return logctx.WithSessionData(ctx, sd)
}

// transition emits from->to to the observer. Callers must not hold c.mu.
func (c *Channel) transition(ctx context.Context, from, to State) error {
	c.log.DebugContext(ctx, "channel.transition", slog.String("from", from.String()), slog.String("to", to.String()))
	return c.cfg.Observer.Transition(ctx, c, from, to)
}

// Initialize runs the initialize handshake. On success the session id is
// assigned, the event log opened, and the observer told about StateActive as
// the final step. On failure nothing is published and the channel is closed;
// a returned *jsonrpc.Error describes a client fault.
func (c *Channel) Initialize(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := c.log.With(slog.String("method", req.Method))

	c.mu.Lock()
	if c.state != StateInitializing {
		c.mu.Unlock()
		return nil, ErrAlreadyInitialized
	}
	c.mu.Unlock()

	fail := func(err error) (*jsonrpc.Response, error) {
		log.InfoContext(ctx, "session.initialize.fail", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		_ = c.Close(ctx, sessions.CloseReasonInitFailed)
		return nil, err
	}

	var params mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return fail(jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "invalid initialize params"))
	}
	if req.ID.IsNil() {
		return fail(jsonrpc.NewError(jsonrpc.ErrorCodeInvalidRequest, "initialize must be a request"))
	}

	id := c.cfg.NewID()
	if id == "" {
		return fail(errors.New("session id generator returned an empty id"))
	}
	events, err := c.cfg.EventLogs(ctx, id)
	if err != nil {
		return fail(fmt.Errorf("open event log: %w", err))
	}

	c.mu.RLock()
	handles := len(c.handles)
	c.mu.RUnlock()

	res := &mcp.InitializeResult{
		ProtocolVersion: mcp.NegotiateProtocolVersion(params.ProtocolVersion),
		ServerInfo:      c.cfg.ServerInfo,
		Instructions:    c.cfg.Instructions,
		Capabilities: mcp.ServerCapabilities{
			Logging: &struct{}{},
		},
	}
	if handles > 0 {
		res.Capabilities.Tools = &struct {
			ListChanged bool `json:"listChanged"`
		}{}
	}
	resp, err := jsonrpc.NewResultResponse(req.ID, res)
	if err != nil {
		_ = events.Close(context.WithoutCancel(ctx))
		return fail(err)
	}

	c.mu.Lock()
	if c.state != StateInitializing {
		// Closed concurrently.
		c.mu.Unlock()
		_ = events.Close(context.WithoutCancel(ctx))
		return nil, ErrClosed
	}
	c.id = id
	c.protocolVersion = res.ProtocolVersion
	c.clientInfo = params.ClientInfo
	c.state = StateActive
	c.mu.Unlock()

	c.pubMu.Lock()
	c.events = events
	c.pubMu.Unlock()

	ctx = c.sessionContext(ctx)
	if err := c.transition(ctx, StateInitializing, StateActive); err != nil {
		return fail(fmt.Errorf("publish session: %w", err))
	}
	c.mu.Lock()
	c.published = true
	c.mu.Unlock()
	c.cfg.Metrics.SessionOpened()
	c.touch()

	log.InfoContext(ctx, "session.initialize.ok",
		slog.String("client", params.ClientInfo.Name),
		slog.String("protocol_version", res.ProtocolVersion),
		slog.Int("tools", handles),
		slog.Duration("dur", time.Since(start)),
	)
	return resp, nil
}

// begin admits one request. It must be paired with c.end.
func (c *Channel) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateActive:
		c.inflight.Add(1)
		c.active.Add(1)
		return nil
	case StateInitializing:
		return ErrNotInitialized
	case StateClosing:
		return ErrClosing
	default:
		return ErrClosed
	}
}

// end releases a request admitted by begin. The activity stamp is refreshed
// before the request stops counting as active so a sweep never observes a
// stale idle time.
func (c *Channel) end() {
	c.touch()
	c.active.Add(-1)
	c.inflight.Done()
}

// HandleRequest dispatches one JSON-RPC request. It returns ErrClosed or
// ErrNotInitialized when the channel cannot serve requests at all; every
// other outcome, including a draining channel, is a JSON-RPC response. out
// may be nil when the transport cannot carry request-scoped messages.
func (c *Channel) HandleRequest(ctx context.Context, req *jsonrpc.Request, out MessageWriter) (*jsonrpc.Response, error) {
	if err := c.begin(); err != nil {
		if errors.Is(err, ErrClosing) {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeServerError, ErrClosing.Error(), nil), nil
		}
		return nil, err
	}
	defer c.end()
	c.touch()

	ctx = c.sessionContext(ctx)
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: jsonrpc.KindRequest.String()})

	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, ErrAlreadyInitialized.Error(), nil), nil
	case mcp.PingMethod:
		return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
	case mcp.ToolsListMethod:
		return c.handleToolsList(ctx, req)
	case mcp.ToolsCallMethod:
		return c.handleToolCall(ctx, req, out), nil
	case mcp.LoggingSetLevelMethod:
		return c.handleSetLoggingLevel(ctx, req)
	}

	c.log.InfoContext(ctx, "channel.handle_request.unsupported")
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found", nil), nil
}

// HandleNotification processes a client notification.
func (c *Channel) HandleNotification(ctx context.Context, note *jsonrpc.Request) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.end()
	c.touch()
	ctx = c.sessionContext(ctx)

	switch mcp.Method(note.Method) {
	case mcp.InitializedNotificationMethod:
		c.log.InfoContext(ctx, "session.initialized")
	case mcp.CancelledNotificationMethod:
		var params mcp.CancelledNotification
		if err := json.Unmarshal(note.Params, &params); err != nil {
			c.log.InfoContext(ctx, "channel.cancel.invalid", slog.String("err", err.Error()))
			return nil
		}
		var rid jsonrpc.RequestID
		if err := json.Unmarshal(params.RequestID, &rid); err != nil {
			c.log.InfoContext(ctx, "channel.cancel.invalid", slog.String("err", err.Error()))
			return nil
		}
		found := c.cancelInFlight(rid.String(), params.Reason)
		c.log.InfoContext(ctx, "channel.cancel", slog.String("request_id", rid.String()), slog.Bool("found", found))
	default:
		c.log.DebugContext(ctx, "channel.notification.ignored", slog.String("method", note.Method))
	}
	return nil
}

func (c *Channel) cancelInFlight(reqID, reason string) bool {
	if reqID == "" {
		return false
	}
	c.mu.RLock()
	cancel, ok := c.cancels[reqID]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	if reason == "" {
		reason = "cancelled"
	}
	cancel(errors.New(reason))
	return true
}

func (c *Channel) handleToolsList(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.ListToolsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			c.log.InfoContext(ctx, "channel.handle_request.invalid", slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}
	c.mu.RLock()
	list := make([]mcp.Tool, 0, len(c.handles))
	for _, h := range c.handles {
		list = append(list, h.Descriptor())
	}
	c.mu.RUnlock()
	return jsonrpc.NewResultResponse(req.ID, &mcp.ListToolsResult{Tools: list})
}

func (c *Channel) handleSetLoggingLevel(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.SetLevelRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || !mcp.IsValidLoggingLevel(params.Level) {
		c.log.InfoContext(ctx, "channel.handle_request.invalid", slog.String("level", string(params.Level)))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}
	c.mu.Lock()
	c.logLevel = params.Level
	c.mu.Unlock()
	return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
}

// Notify publishes a notifications/message event when level passes the
// session's logging level.
func (c *Channel) Notify(ctx context.Context, level mcp.LoggingLevel, data any) error {
	c.mu.RLock()
	floor := c.logLevel
	c.mu.RUnlock()
	if !floor.Enabled(level) {
		return nil
	}
	note, err := jsonrpc.NewNotification(string(mcp.LoggingMessageNotificationMethod), &mcp.LoggingMessageNotification{
		Level:  level,
		Data:   data,
		Logger: c.cfg.ServerInfo.Name,
	})
	if err != nil {
		return err
	}
	_, err = c.Publish(ctx, note)
	return err
}

// Publish appends msg to the event log and fans it out to live streams.
func (c *Channel) Publish(ctx context.Context, msg any) (sessions.Event, error) {
	if st := c.State(); st != StateActive && st != StateClosing {
		return sessions.Event{}, ErrClosed
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return sessions.Event{}, fmt.Errorf("marshal event: %w", err)
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if c.events == nil {
		return sessions.Event{}, ErrClosed
	}
	ev, err := c.events.Append(ctx, b)
	if err != nil {
		return sessions.Event{}, fmt.Errorf("append event: %w", err)
	}
	for sub := range c.subs {
		select {
		case sub.live <- ev:
		default:
			// Too slow; the client resumes from its last seen id.
			delete(c.subs, sub)
			sub.overflow.Store(true)
			close(sub.live)
			c.log.WarnContext(ctx, "channel.subscriber.dropped", slog.String("session_id", c.SessionID()))
		}
	}
	return ev, nil
}

// Close drains and tears the channel down. In-flight requests may finish
// until ctx is done or the drain timeout passes, whichever comes first; after
// that they are canceled and answered with "session is closing" while their
// handlers are abandoned. Close is idempotent; the observer always sees
// StateClosed, even when teardown fails.
func (c *Channel) Close(ctx context.Context, reason string) (err error) {
	c.mu.Lock()
	from := c.state
	switch from {
	case StateClosing, StateClosed:
		c.mu.Unlock()
		select {
		case <-c.done:
		case <-ctx.Done():
		}
		return nil
	case StateInitializing:
		c.state = StateClosed
	default:
		c.state = StateClosing
	}
	c.closeReason = reason
	published := c.published
	c.mu.Unlock()

	ctx = c.sessionContext(ctx)
	start := time.Now()
	defer close(c.done)

	if from == StateInitializing {
		c.cancelLife(ErrClosed)
		c.cfg.Metrics.SessionClosed(reason, false)
		return c.transition(ctx, StateInitializing, StateClosed)
	}

	if err := c.transition(ctx, StateActive, StateClosing); err != nil {
		c.log.WarnContext(ctx, "channel.transition.fail", slog.String("err", err.Error()))
	}

	defer func() {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		if terr := c.transition(ctx, StateClosing, StateClosed); terr != nil {
			err = errors.Join(err, terr)
		}
		c.cfg.Metrics.SessionClosed(reason, published)
		c.log.InfoContext(ctx, "session.closed", slog.String("reason", reason), slog.Duration("dur", time.Since(start)))
	}()

	drained := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(drained)
	}()
	drainTimer := time.NewTimer(c.cfg.DrainTimeout)
	defer drainTimer.Stop()
	select {
	case <-drained:
	case <-drainTimer.C:
		c.log.WarnContext(ctx, "channel.close.drain_timeout", slog.Int("active", int(c.active.Load())))
	case <-ctx.Done():
		c.log.WarnContext(ctx, "channel.close.drain_canceled", slog.Int("active", int(c.active.Load())))
	}
	c.cancelLife(ErrClosed)

	c.pubMu.Lock()
	for sub := range c.subs {
		close(sub.live)
	}
	c.subs = make(map[*Subscription]struct{})
	if c.events != nil {
		if cerr := c.events.Close(context.WithoutCancel(ctx)); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close event log: %w", cerr))
		}
		c.events = nil
	}
	c.pubMu.Unlock()

	return err
}
