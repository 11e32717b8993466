package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/ggoodman/spotify-mcp-go/auth"
	"github.com/ggoodman/spotify-mcp-go/capabilities"
	"github.com/ggoodman/spotify-mcp-go/internal/config"
	"github.com/ggoodman/spotify-mcp-go/internal/logctx"
	"github.com/ggoodman/spotify-mcp-go/internal/metrics"
	"github.com/ggoodman/spotify-mcp-go/mcp"
	"github.com/ggoodman/spotify-mcp-go/sessions"
	"github.com/ggoodman/spotify-mcp-go/sessions/memoryhost"
	"github.com/ggoodman/spotify-mcp-go/sessions/redishost"
	"github.com/ggoodman/spotify-mcp-go/spotify"
	"github.com/ggoodman/spotify-mcp-go/streaminghttp"
	"github.com/ggoodman/spotify-mcp-go/tools"
)

const (
	shutdownTimeout = 20 * time.Second

	instructions = "Tools control the user's Spotify playback. Use list_devices before " +
		"transfer_playback, and search to find URIs for play."
)

type serveFlags struct {
	listen         string
	publicEndpoint string
	logLevel       string
}

func newServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddr = f.listen
			}
			if cmd.Flags().Changed("public-endpoint") {
				cfg.PublicEndpoint = f.publicEndpoint
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = f.logLevel
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&f.listen, "listen", ":8080", "Address to listen on (LISTEN_ADDR)")
	cmd.Flags().StringVar(&f.publicEndpoint, "public-endpoint", "", "Externally visible MCP endpoint URL (PUBLIC_ENDPOINT)")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "Log level: debug, info, warn, error (LOG_LEVEL)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	lvl, _ := cfg.SlogLevel()
	var level slog.LevelVar
	level.Set(lvl)
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(log)

	srv, cleanup, err := newServer(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.InfoContext(ctx, "server.listen", slog.String("addr", cfg.ListenAddr), slog.String("endpoint", cfg.PublicEndpoint))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.InfoContext(ctx, "server.shutdown.start")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		// Sessions go first so their GET streams end and the HTTP server can
		// drain.
		serr := srv.mcp.Shutdown(sctx)
		herr := httpSrv.Shutdown(sctx)
		log.InfoContext(ctx, "server.shutdown.done")
		return errors.Join(serr, herr)
	})
	return g.Wait()
}

type server struct {
	router http.Handler
	mcp    *streaminghttp.StreamingHTTPHandler
}

// newServer wires the full stack. cleanup releases what newServer opened.
func newServer(ctx context.Context, cfg config.Config, log *slog.Logger) (*server, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*server, func(), error) {
		cleanup()
		return nil, nil, err
	}

	authenticator, err := newAuthenticator(ctx, cfg)
	if err != nil {
		return fail(fmt.Errorf("authenticator: %w", err))
	}

	ts, err := newTokenSource(ctx, cfg, log)
	if err != nil {
		return fail(err)
	}
	if c, ok := ts.(interface{ Close() error }); ok {
		closers = append(closers, func() { _ = c.Close() })
	}
	client := spotify.New(ts,
		spotify.WithBaseURL(cfg.Spotify.APIURL),
		spotify.WithRateLimit(cfg.Spotify.RateLimit),
		spotify.WithLogger(slog.New(logctx.New(log.Handler()))),
	)

	reg := tools.NewRegistry()
	if err := capabilities.Register(reg, client); err != nil {
		return fail(err)
	}

	eventLogs, closeLogs, err := newEventLogs(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeLogs)

	replay, _ := cfg.Replay()
	rec := metrics.New()
	h, err := streaminghttp.New(ctx, cfg.PublicEndpoint, reg, authenticator,
		streaminghttp.WithLogger(log),
		streaminghttp.WithServerInfo(mcp.ImplementationInfo{Name: "spotify-mcp", Version: version}),
		streaminghttp.WithInstructions(instructions),
		streaminghttp.WithEventLog(eventLogs),
		streaminghttp.WithReplayPolicy(replay),
		streaminghttp.WithToolTimeout(cfg.ToolTimeout),
		streaminghttp.WithDrainTimeout(cfg.DrainTimeout),
		streaminghttp.WithSessionIdleTTL(cfg.SessionIdleTTL),
		streaminghttp.WithMaxSessions(cfg.MaxSessions),
		streaminghttp.WithCloseOnDisconnect(cfg.CloseOnDisconnect),
		streaminghttp.WithRealm(cfg.AuthRealm),
		streaminghttp.WithMetrics(rec),
	)
	if err != nil {
		return fail(fmt.Errorf("streaming handler: %w", err))
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/healthz"))
	r.Handle("/metrics", rec.Handler())
	r.Handle("/*", h)

	return &server{router: r, mcp: h}, cleanup, nil
}

func newAuthenticator(ctx context.Context, cfg config.Config) (auth.Authenticator, error) {
	if cfg.JWKSURL != "" {
		sec := auth.SecurityConfig{
			Issuer:         cfg.OIDCIssuer,
			Audiences:      []string{cfg.Audience()},
			JWKSURL:        cfg.JWKSURL,
			RequiredScopes: cfg.Scopes(),
			Advertise:      true,
		}
		return sec.NewManualJWTAuthenticator(ctx)
	}
	var opts []auth.AccessTokenAuthOption
	if scopes := cfg.Scopes(); len(scopes) > 0 {
		opts = append(opts, auth.WithRequiredScopes(scopes...))
	}
	return auth.NewFromDiscovery(ctx, cfg.OIDCIssuer, cfg.Audience(), opts...)
}

func newTokenSource(ctx context.Context, cfg config.Config, log *slog.Logger) (oauth2.TokenSource, error) {
	creds := cfg.Spotify.Credentials()
	if cfg.Spotify.RefreshTokenFile != "" {
		fts, err := spotify.NewFileTokenSource(ctx, creds, cfg.Spotify.RefreshTokenFile, log)
		if err != nil {
			return nil, fmt.Errorf("refresh token file: %w", err)
		}
		return fts, nil
	}
	return spotify.NewRefreshTokenSource(ctx, creds, cfg.Spotify.RefreshToken), nil
}

func newEventLogs(ctx context.Context, cfg config.Config) (sessions.EventLogFactory, func(), error) {
	if cfg.EventLogBackend == config.BackendRedis {
		host, err := redishost.New(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("event log: %w", err)
		}
		return host.Open, func() { _ = host.Close() }, nil
	}
	host := memoryhost.New(memoryhost.WithCapacity(cfg.EventLogCapacity))
	return host.Open, func() {}, nil
}
