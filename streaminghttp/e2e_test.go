package streaminghttp_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/oauth2"

	"github.com/ggoodman/spotify-mcp-go/auth/authtest"
	"github.com/ggoodman/spotify-mcp-go/capabilities"
	"github.com/ggoodman/spotify-mcp-go/mcp"
	"github.com/ggoodman/spotify-mcp-go/sessions/memoryhost"
	"github.com/ggoodman/spotify-mcp-go/spotify"
	"github.com/ggoodman/spotify-mcp-go/streaminghttp"
	"github.com/ggoodman/spotify-mcp-go/tools"
)

// sessionRT injects the bearer token and remembers the session id the server
// assigned.
type sessionRT struct {
	base http.RoundTripper

	mu        sync.Mutex
	sessionID string
}

func (t *sessionRT) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", aliceToken)
	resp, err := t.base.RoundTrip(r)
	if err == nil {
		if id := resp.Header.Get("Mcp-Session-Id"); id != "" {
			t.mu.Lock()
			t.sessionID = id
			t.mu.Unlock()
		}
	}
	return resp, err
}

func (t *sessionRT) session() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// fakeSpotify serves the handful of Web API endpoints the tools touch.
type fakeSpotify struct {
	mu     sync.Mutex
	paused int
}

func (f *fakeSpotify) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method + " " + r.URL.Path {
	case "GET /v1/search":
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tracks": map[string]any{"items": []map[string]any{{
				"id":          "t1",
				"name":        "Teardrop",
				"uri":         "spotify:track:t1",
				"duration_ms": 330000,
				"artists":     []map[string]any{{"id": "a1", "name": "Massive Attack", "uri": "spotify:artist:a1"}},
				"album":       map[string]any{"id": "al1", "name": "Mezzanine", "uri": "spotify:album:al1"},
			}}},
		})
	case "PUT /v1/me/player/pause":
		f.mu.Lock()
		f.paused++
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	case "GET /v1/me/player/devices":
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"devices":[{"id":"d1","name":"Kitchen","type":"Speaker","is_active":true,"volume_percent":40}]}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"status":404,"message":"not found"}}`))
	}
}

func (f *fakeSpotify) pauses() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func mustSpotifyServer(t *testing.T) (*httptest.Server, *fakeSpotify, *streaminghttp.StreamingHTTPHandler) {
	t.Helper()
	fake := &fakeSpotify{}
	api := httptest.NewServer(fake)
	t.Cleanup(api.Close)

	client := spotify.New(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "access"}),
		spotify.WithBaseURL(api.URL+"/v1"),
		spotify.WithRateLimit(0),
		spotify.WithRetry(2, time.Millisecond),
	)
	reg := tools.NewRegistry()
	if err := capabilities.Register(reg, client); err != nil {
		t.Fatalf("register: %v", err)
	}

	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h, err := streaminghttp.New(ctx, srv.URL+"/mcp", reg,
		authtest.NewTokens().Add("alice-token", &authtest.User{ID: "alice"}),
		streaminghttp.WithLogger(slog.New(testLogHandler(t))),
		streaminghttp.WithServerInfo(mcp.ImplementationInfo{Name: "spotify-mcp", Version: "0.0.0"}),
		streaminghttp.WithEventLog(memoryhost.New(memoryhost.WithCapacity(32)).Open),
		streaminghttp.WithKeepAlive(0),
	)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	handler = h
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), time.Second)
		defer scancel()
		_ = h.Shutdown(sctx)
	})
	return srv, fake, h
}

func connect(t *testing.T, srv *httptest.Server) (*sdk.ClientSession, *sessionRT) {
	t.Helper()
	rt := &sessionRT{base: http.DefaultTransport}
	client := sdk.NewClient(&sdk.Implementation{Name: "e2e", Version: "0.0.0"}, &sdk.ClientOptions{})
	transport := &sdk.StreamableClientTransport{
		Endpoint:   srv.URL + "/mcp",
		HTTPClient: &http.Client{Transport: rt},
	}
	cs, err := client.Connect(t.Context(), transport, &sdk.ClientSessionOptions{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })
	return cs, rt
}

func resultText(t *testing.T, res *sdk.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatalf("empty tool result")
	}
	tc, ok := res.Content[0].(*sdk.TextContent)
	if !ok {
		t.Fatalf("want text content got %T", res.Content[0])
	}
	return tc.Text
}

func TestEndToEndToolCalls(t *testing.T) {
	srv, fake, h := mustSpotifyServer(t)
	cs, rt := connect(t, srv)
	ctx := t.Context()

	if rt.session() == "" {
		t.Fatalf("server did not assign a session id")
	}
	if want, got := 1, h.SessionCount(); want != got {
		t.Fatalf("want %d sessions got %d", want, got)
	}

	lt, err := cs.ListTools(ctx, &sdk.ListToolsParams{})
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if want, got := len(capabilities.Names), len(lt.Tools); want != got {
		t.Fatalf("want %d tools got %d", want, got)
	}
	for i, name := range capabilities.Names {
		if lt.Tools[i].Name != name {
			t.Fatalf("want tool %d to be %s got %s", i, name, lt.Tools[i].Name)
		}
	}

	t.Run("search", func(t *testing.T) {
		res, err := cs.CallTool(ctx, &sdk.CallToolParams{Name: "search", Arguments: map[string]any{"query": "teardrop"}})
		if err != nil {
			t.Fatalf("call: %v", err)
		}
		want := "Top track results for \"teardrop\":\n1. Teardrop by Massive Attack (5:30) [spotify:track:t1]"
		if got := resultText(t, res); want != got {
			t.Fatalf("want %q got %q", want, got)
		}
	})

	t.Run("pause", func(t *testing.T) {
		res, err := cs.CallTool(ctx, &sdk.CallToolParams{Name: "pause", Arguments: map[string]any{}})
		if err != nil {
			t.Fatalf("call: %v", err)
		}
		if res.IsError {
			t.Fatalf("unexpected error result: %s", resultText(t, res))
		}
		if want, got := 1, fake.pauses(); want != got {
			t.Fatalf("want %d pause calls got %d", want, got)
		}
	})

	t.Run("list devices", func(t *testing.T) {
		res, err := cs.CallTool(ctx, &sdk.CallToolParams{Name: "list_devices", Arguments: map[string]any{}})
		if err != nil {
			t.Fatalf("call: %v", err)
		}
		if got := resultText(t, res); !strings.Contains(got, "Kitchen (Speaker) id=d1 [active] volume=40%") {
			t.Fatalf("unexpected devices text %q", got)
		}
	})

	t.Run("invalid arguments", func(t *testing.T) {
		res, err := cs.CallTool(ctx, &sdk.CallToolParams{Name: "set_volume", Arguments: map[string]any{"percent": 150}})
		if err != nil {
			t.Fatalf("call: %v", err)
		}
		if !res.IsError {
			t.Fatalf("want error result got %q", resultText(t, res))
		}
	})
}

func TestEndToEndTermination(t *testing.T) {
	srv, _, h := mustSpotifyServer(t)
	cs, rt := connect(t, srv)
	ctx := t.Context()

	if err := cs.Ping(ctx, &sdk.PingParams{}); err != nil {
		t.Fatalf("ping: %v", err)
	}

	id := rt.session()
	resp := deleteSession(t, srv, aliceToken, id)
	if resp.StatusCode/100 != 2 {
		t.Fatalf("want 2xx on first delete got %d", resp.StatusCode)
	}
	resp = deleteSession(t, srv, aliceToken, id)
	if want, got := http.StatusNotFound, resp.StatusCode; want != got {
		t.Fatalf("want status %d on repeated delete got %d", want, got)
	}
	waitFor(t, func() bool { return h.SessionCount() == 0 })

	if _, err := cs.CallTool(ctx, &sdk.CallToolParams{Name: "pause", Arguments: map[string]any{}}); err == nil {
		t.Fatalf("want error calling a tool on a terminated session")
	}
}
