package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ggoodman/spotify-mcp-go/mcp"
)

type fakeBinder struct {
	id    string
	binds [][]*Handle
	err   error
}

func (b *fakeBinder) SessionID() string { return b.id }

func (b *fakeBinder) BindTools(h []*Handle) error {
	if b.err != nil {
		return b.err
	}
	b.binds = append(b.binds, h)
	return nil
}

func echo(text string) Handler {
	return func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		return TextResult(text), nil
	}
}

func TestRegistryOrderAndDuplicates(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(
		Entry{Name: "b", Handler: echo("b")},
		Entry{Name: "a", Handler: echo("a")},
	); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(Entry{Name: "c", Handler: echo("c")}); err != nil {
		t.Fatalf("register: %v", err)
	}

	t.Run("list keeps registration order", func(t *testing.T) {
		got := reg.List()
		want := []string{"b", "a", "c"}
		if len(got) != len(want) {
			t.Fatalf("want %d tools got %d", len(want), len(got))
		}
		for i := range want {
			if got[i].Name != want[i] {
				t.Fatalf("want %v at %d got %v", want[i], i, got[i].Name)
			}
			if got[i].InputSchema.Type != "object" {
				t.Fatalf("want default object schema got %q", got[i].InputSchema.Type)
			}
		}
	})

	t.Run("duplicate leaves registry unchanged", func(t *testing.T) {
		err := reg.Register(Entry{Name: "d", Handler: echo("d")}, Entry{Name: "a", Handler: echo("a2")})
		if !errors.Is(err, ErrDuplicateName) {
			t.Fatalf("want ErrDuplicateName got %v", err)
		}
		if reg.Len() != 3 {
			t.Fatalf("want 3 entries got %d", reg.Len())
		}
	})

	t.Run("duplicate within one call", func(t *testing.T) {
		err := reg.Register(Entry{Name: "x", Handler: echo("x")}, Entry{Name: "x", Handler: echo("x")})
		if !errors.Is(err, ErrDuplicateName) {
			t.Fatalf("want ErrDuplicateName got %v", err)
		}
	})

	t.Run("invalid entries", func(t *testing.T) {
		if err := reg.Register(Entry{Handler: echo("")}); !errors.Is(err, ErrInvalidEntry) {
			t.Fatalf("want ErrInvalidEntry for empty name got %v", err)
		}
		if err := reg.Register(Entry{Name: "nohandler"}); !errors.Is(err, ErrInvalidEntry) {
			t.Fatalf("want ErrInvalidEntry for missing handler got %v", err)
		}
	})
}

func TestMaterialize(t *testing.T) {
	reg := NewRegistry()
	var factoryCalls int
	err := reg.Register(
		Entry{Name: "static", Handler: echo("static")},
		FromFactory("whoami", "Reports the session id", mcp.ToolInputSchema{}, func(b Binder) Handler {
			factoryCalls++
			return func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
				return TextResult(b.SessionID()), nil
			}
		}),
	)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	b := &fakeBinder{id: "s-1"}
	handles, err := reg.Materialize(b)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if len(handles) != 2 || handles[0].Name() != "static" || handles[1].Name() != "whoami" {
		t.Fatalf("want [static whoami] got %v", handles)
	}
	res, err := handles[1].Call(context.Background(), &mcp.CallToolRequestReceived{Name: "whoami"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.Content[0].Text != "s-1" {
		t.Fatalf("want s-1 got %q", res.Content[0].Text)
	}

	t.Run("rebinding replaces the set", func(t *testing.T) {
		if _, err := reg.Materialize(b); err != nil {
			t.Fatalf("materialize: %v", err)
		}
		if len(b.binds) != 2 || len(b.binds[1]) != 2 {
			t.Fatalf("want two full binds got %v", b.binds)
		}
		if factoryCalls != 2 {
			t.Fatalf("want factory invoked per bind, got %d", factoryCalls)
		}
	})

	t.Run("bind failure surfaces", func(t *testing.T) {
		boom := errors.New("boom")
		if _, err := reg.Materialize(&fakeBinder{err: boom}); !errors.Is(err, boom) {
			t.Fatalf("want boom got %v", err)
		}
	})
}

type volumeArgs struct {
	Percent  int    `json:"percent" jsonschema:"minimum=0,maximum=100,description=Volume percent"`
	DeviceID string `json:"device_id,omitempty"`
}

func TestNewToolSchemaAndDecoding(t *testing.T) {
	var got volumeArgs
	e := NewTool("set_volume", func(ctx context.Context, w ResponseWriter, r *Request[volumeArgs]) error {
		got = r.Args()
		return w.AppendText("ok")
	}, WithDescription("Set volume"))

	if e.Description != "Set volume" {
		t.Fatalf("want description got %q", e.Description)
	}
	p, ok := e.InputSchema.Properties["percent"]
	if !ok || p.Type != "integer" {
		t.Fatalf("want integer percent property got %+v", e.InputSchema.Properties)
	}
	if p.Maximum == nil || *p.Maximum != 100 {
		t.Fatalf("want maximum 100 got %v", p.Maximum)
	}
	if len(e.InputSchema.Required) != 1 || e.InputSchema.Required[0] != "percent" {
		t.Fatalf("want percent required got %v", e.InputSchema.Required)
	}
	if e.InputSchema.AdditionalProperties {
		t.Fatalf("want strict schema")
	}

	res, err := e.Handler(context.Background(), &mcp.CallToolRequestReceived{
		Name:      "set_volume",
		Arguments: json.RawMessage(`{"percent":40,"device_id":"d1"}`),
	})
	if err != nil || res.IsError {
		t.Fatalf("want success got %v %+v", err, res)
	}
	if got.Percent != 40 || got.DeviceID != "d1" {
		t.Fatalf("want decoded args got %+v", got)
	}

	res, err = e.Handler(context.Background(), &mcp.CallToolRequestReceived{
		Name:      "set_volume",
		Arguments: json.RawMessage(`{"percent":40,"bogus":true}`),
	})
	if err != nil {
		t.Fatalf("want no error got %v", err)
	}
	if !res.IsError {
		t.Fatalf("want isError result for unknown field")
	}
}

func TestNewToolHandlerErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	e := NewTool("fail", func(ctx context.Context, w ResponseWriter, r *Request[struct{}]) error {
		return boom
	})
	if _, err := e.Handler(context.Background(), &mcp.CallToolRequestReceived{Name: "fail"}); !errors.Is(err, boom) {
		t.Fatalf("want boom got %v", err)
	}
}
