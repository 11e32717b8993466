package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ggoodman/spotify-mcp-go/mcp"
)

// ErrDuplicateName is returned by Register when an entry's name is already
// taken.
var ErrDuplicateName = errors.New("tools: duplicate tool name")

// ErrInvalidEntry is returned by Register for entries without a name or handler.
var ErrInvalidEntry = errors.New("tools: invalid entry")

// Handler executes one tool invocation. A returned error is reported to the
// client as a tool-level failure (isError result), not a protocol error.
type Handler func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

// Binder is the callable-tool surface of a session. Materialize hands it the
// complete set of handles; a second bind replaces the first.
type Binder interface {
	// SessionID is empty until the session id has been assigned.
	SessionID() string
	BindTools(handles []*Handle) error
}

// Entry is one tool registration. Entries are copied into the registry and
// never mutated afterwards.
type Entry struct {
	Name        string
	Title       string
	Description string
	InputSchema mcp.ToolInputSchema
	Annotations *mcp.ToolAnnotations
	Handler     Handler

	// factory, when set, produces the handler per Binder at materialization.
	factory func(Binder) Handler
}

// Descriptor returns the tools/list representation of the entry.
func (e Entry) Descriptor() mcp.Tool {
	schema := e.InputSchema
	if schema.Type == "" {
		schema.Type = "object"
	}
	return mcp.Tool{
		Name:        e.Name,
		Title:       e.Title,
		Description: e.Description,
		InputSchema: schema,
		Annotations: e.Annotations,
	}
}

// FromFactory adapts a per-session handler factory to an Entry. factory runs
// once per Materialize call with the Binder being populated.
func FromFactory(name, description string, schema mcp.ToolInputSchema, factory func(Binder) Handler) Entry {
	return Entry{Name: name, Description: description, InputSchema: schema, factory: factory}
}

// Handle is a tool entry bound to one session.
type Handle struct {
	desc    mcp.Tool
	handler Handler
}

func (h *Handle) Name() string { return h.desc.Name }

func (h *Handle) Descriptor() mcp.Tool { return h.desc }

// Call invokes the bound handler.
func (h *Handle) Call(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	return h.handler(ctx, req)
}

// Registry is an ordered set of tool entries keyed by unique name. It is safe
// for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries []Entry
	byName  map[string]int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]int)}
}

// Register appends entries in order. The call is all-or-nothing: if any entry
// is invalid or its name collides with an existing or earlier entry, the
// registry is left unchanged.
func (r *Registry) Register(entries ...Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.Name == "" {
			return fmt.Errorf("%w: empty name", ErrInvalidEntry)
		}
		if e.Handler == nil && e.factory == nil {
			return fmt.Errorf("%w: %q has no handler", ErrInvalidEntry, e.Name)
		}
		if _, ok := r.byName[e.Name]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateName, e.Name)
		}
		if _, ok := seen[e.Name]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateName, e.Name)
		}
		seen[e.Name] = struct{}{}
	}
	for _, e := range entries {
		r.byName[e.Name] = len(r.entries)
		r.entries = append(r.entries, e)
	}
	return nil
}

// List returns the descriptors in registration order.
func (r *Registry) List() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcp.Tool, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Descriptor())
	}
	return out
}

// Len reports the number of registered entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Materialize binds every entry to b and returns the handles in registration
// order. Registration after Materialize does not affect already bound
// sessions.
func (r *Registry) Materialize(b Binder) ([]*Handle, error) {
	if b == nil {
		return nil, errors.New("tools: nil binder")
	}
	r.mu.RLock()
	entries := append([]Entry(nil), r.entries...)
	r.mu.RUnlock()

	handles := make([]*Handle, 0, len(entries))
	for _, e := range entries {
		h := e.Handler
		if e.factory != nil {
			h = e.factory(b)
			if h == nil {
				return nil, fmt.Errorf("%w: factory for %q returned nil", ErrInvalidEntry, e.Name)
			}
		}
		handles = append(handles, &Handle{desc: e.Descriptor(), handler: h})
	}
	if err := b.BindTools(handles); err != nil {
		return nil, fmt.Errorf("bind tools: %w", err)
	}
	return handles, nil
}
