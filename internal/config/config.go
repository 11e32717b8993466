// Package config loads the server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/ggoodman/spotify-mcp-go/sessions"
	"github.com/ggoodman/spotify-mcp-go/sessions/redishost"
	"github.com/ggoodman/spotify-mcp-go/spotify"
	"github.com/joeshaw/envdecode"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is decoded with envdecode. Required values are checked by Validate
// rather than by tags so command-line flags can still supply them.
type Config struct {
	ListenAddr     string `env:"LISTEN_ADDR,default=:8080"`
	PublicEndpoint string `env:"PUBLIC_ENDPOINT"`

	OIDCIssuer     string `env:"OIDC_ISSUER"`
	OIDCAudience   string `env:"OIDC_AUDIENCE"`
	JWKSURL        string `env:"JWKS_URL"`
	RequiredScopes string `env:"REQUIRED_SCOPES"`
	AuthRealm      string `env:"AUTH_REALM"`

	LogLevel string `env:"LOG_LEVEL,default=info"`

	SessionIdleTTL    time.Duration `env:"SESSION_IDLE_TTL,default=0s"`
	MaxSessions       int           `env:"MAX_SESSIONS,default=0"`
	ToolTimeout       time.Duration `env:"TOOL_TIMEOUT,default=0s"`
	DrainTimeout      time.Duration `env:"DRAIN_TIMEOUT,default=5s"`
	ReplayPolicy      string        `env:"REPLAY_POLICY,default=reject"`
	CloseOnDisconnect bool          `env:"CLOSE_ON_DISCONNECT,default=false"`

	EventLogBackend  string `env:"EVENT_LOG_BACKEND,default=memory"`
	EventLogCapacity int    `env:"EVENT_LOG_CAPACITY,default=1024"`
	Redis            redishost.Config

	Spotify Spotify
}

type Spotify struct {
	ClientID         string  `env:"SPOTIFY_CLIENT_ID"`
	ClientSecret     string  `env:"SPOTIFY_CLIENT_SECRET"`
	RefreshToken     string  `env:"SPOTIFY_REFRESH_TOKEN"`
	RefreshTokenFile string  `env:"SPOTIFY_REFRESH_TOKEN_FILE"`
	APIURL           string  `env:"SPOTIFY_API_URL,default=https://api.spotify.com/v1"`
	TokenURL         string  `env:"SPOTIFY_TOKEN_URL,default=https://accounts.spotify.com/api/token"`
	RateLimit        float64 `env:"SPOTIFY_RATE_LIMIT,default=10"`
}

// Credentials returns the token endpoint credentials.
func (s Spotify) Credentials() spotify.Credentials {
	return spotify.Credentials{ClientID: s.ClientID, ClientSecret: s.ClientSecret, TokenURL: s.TokenURL}
}

// Load decodes the environment. It does not validate.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.PublicEndpoint == "" {
		errs = append(errs, errors.New("PUBLIC_ENDPOINT is required"))
	} else if u, err := url.Parse(c.PublicEndpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("PUBLIC_ENDPOINT %q must be an absolute http(s) URL", c.PublicEndpoint))
	}
	if c.OIDCIssuer == "" {
		errs = append(errs, errors.New("OIDC_ISSUER is required"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Replay(); err != nil {
		errs = append(errs, fmt.Errorf("REPLAY_POLICY: %w", err))
	}
	switch c.EventLogBackend {
	case BackendMemory, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("EVENT_LOG_BACKEND %q must be %s or %s", c.EventLogBackend, BackendMemory, BackendRedis))
	}
	if c.EventLogCapacity <= 0 {
		errs = append(errs, errors.New("EVENT_LOG_CAPACITY must be positive"))
	}
	if c.SessionIdleTTL < 0 || c.ToolTimeout < 0 {
		errs = append(errs, errors.New("SESSION_IDLE_TTL and TOOL_TIMEOUT must not be negative"))
	}
	if c.DrainTimeout <= 0 {
		errs = append(errs, errors.New("DRAIN_TIMEOUT must be positive"))
	}
	if c.MaxSessions < 0 {
		errs = append(errs, errors.New("MAX_SESSIONS must not be negative"))
	}
	if c.Spotify.ClientID == "" {
		errs = append(errs, errors.New("SPOTIFY_CLIENT_ID is required"))
	}
	if c.Spotify.RefreshToken == "" && c.Spotify.RefreshTokenFile == "" {
		errs = append(errs, errors.New("one of SPOTIFY_REFRESH_TOKEN or SPOTIFY_REFRESH_TOKEN_FILE is required"))
	}
	return errors.Join(errs...)
}

// Scopes splits REQUIRED_SCOPES on commas and whitespace.
func (c Config) Scopes() []string {
	return strings.FieldsFunc(c.RequiredScopes, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
}

// Audience defaults to the public endpoint.
func (c Config) Audience() string {
	if c.OIDCAudience != "" {
		return c.OIDCAudience
	}
	return c.PublicEndpoint
}

func (c Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return lvl, nil
}

func (c Config) Replay() (sessions.ReplayPolicy, error) {
	return sessions.ParseReplayPolicy(c.ReplayPolicy)
}
