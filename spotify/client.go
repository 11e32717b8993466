package spotify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL  = "https://api.spotify.com/v1"
	DefaultTokenURL = "https://accounts.spotify.com/api/token"

	defaultRateLimit  = 10
	defaultMaxTries   = 4
	defaultProfileTTL = 5 * time.Minute
)

// ErrNoActiveDevice is matched by player commands issued while no device is
// available to receive them.
var ErrNoActiveDevice = errors.New("no active device")

// Client is the music-service surface the tools depend on.
type Client interface {
	Search(ctx context.Context, query string, kind SearchKind, limit int) (*SearchResults, error)
	Play(ctx context.Context, opts PlayOptions) error
	Pause(ctx context.Context, deviceID string) error
	Next(ctx context.Context, deviceID string) error
	Previous(ctx context.Context, deviceID string) error
	SetVolume(ctx context.Context, percent int, deviceID string) error
	Devices(ctx context.Context) ([]Device, error)
	Profile(ctx context.Context) (*Profile, error)
	NowPlaying(ctx context.Context) (*NowPlaying, error)
	TransferPlayback(ctx context.Context, deviceID string, play bool) error
}

// APIError is a non-2xx answer from the Web API.
type APIError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("spotify: HTTP %d", e.Status)
	}
	return fmt.Sprintf("spotify: HTTP %d: %s", e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	if target != ErrNoActiveDevice {
		return false
	}
	return e.Reason == "NO_ACTIVE_DEVICE" ||
		(e.Status == http.StatusNotFound && strings.Contains(strings.ToLower(e.Message), "no active device"))
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithBaseURL points the client at another API root (tests, proxies).
func WithBaseURL(u string) Option {
	return func(c *HTTPClient) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient sets the transport used beneath the oauth2 layer.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.base = hc }
}

// WithRateLimit caps outbound requests per second. Zero or less disables
// limiting.
func WithRateLimit(rps float64) Option {
	return func(c *HTTPClient) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRetry sets the attempt budget and the initial backoff interval for
// 429 and 5xx responses.
func WithRetry(maxTries uint, initial time.Duration) Option {
	return func(c *HTTPClient) {
		c.maxTries = maxTries
		c.retryInitial = initial
	}
}

// WithProfileTTL sets how long Profile results are cached.
func WithProfileTTL(ttl time.Duration) Option {
	return func(c *HTTPClient) { c.profileTTL = ttl }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *HTTPClient) { c.log = l }
}

// HTTPClient implements Client against the Web API.
type HTTPClient struct {
	baseURL      string
	base         *http.Client
	hc           *http.Client
	limiter      *rate.Limiter
	maxTries     uint
	retryInitial time.Duration
	profileTTL   time.Duration
	log          *slog.Logger

	sf         singleflight.Group
	mu         sync.Mutex
	profile    *Profile
	profileExp time.Time
}

var _ Client = (*HTTPClient)(nil)

// New returns a client that authorizes every request with tokens from ts.
func New(ts oauth2.TokenSource, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:      DefaultBaseURL,
		limiter:      rate.NewLimiter(defaultRateLimit, defaultRateLimit),
		maxTries:     defaultMaxTries,
		retryInitial: 250 * time.Millisecond,
		profileTTL:   defaultProfileTTL,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	ctx := context.Background()
	if c.base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.base)
	}
	c.hc = oauth2.NewClient(ctx, ts)
	return c
}

func (c *HTTPClient) Search(ctx context.Context, query string, kind SearchKind, limit int) (*SearchResults, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("search query is required")
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("type", string(kind))
	q.Set("limit", strconv.Itoa(limit))

	var raw struct {
		Tracks    struct{ Items []Track }     `json:"tracks"`
		Albums    struct{ Items []Album }     `json:"albums"`
		Artists   struct{ Items []Artist }    `json:"artists"`
		Playlists struct{ Items []*Playlist } `json:"playlists"`
	}
	if err := c.do(ctx, http.MethodGet, "/search", q, nil, &raw); err != nil {
		return nil, err
	}
	res := &SearchResults{
		Tracks:  raw.Tracks.Items,
		Albums:  raw.Albums.Items,
		Artists: raw.Artists.Items,
	}
	// The playlist page can contain null entries for unavailable playlists.
	for _, p := range raw.Playlists.Items {
		if p != nil {
			res.Playlists = append(res.Playlists, *p)
		}
	}
	return res, nil
}

func (c *HTTPClient) Play(ctx context.Context, opts PlayOptions) error {
	var body any
	switch {
	case opts.ContextURI != "":
		body = map[string]any{"context_uri": opts.ContextURI}
	case len(opts.URIs) > 0:
		body = map[string]any{"uris": opts.URIs}
	}
	return c.do(ctx, http.MethodPut, "/me/player/play", deviceQuery(opts.DeviceID), body, nil)
}

func (c *HTTPClient) Pause(ctx context.Context, deviceID string) error {
	return c.do(ctx, http.MethodPut, "/me/player/pause", deviceQuery(deviceID), nil, nil)
}

func (c *HTTPClient) Next(ctx context.Context, deviceID string) error {
	return c.do(ctx, http.MethodPost, "/me/player/next", deviceQuery(deviceID), nil, nil)
}

func (c *HTTPClient) Previous(ctx context.Context, deviceID string) error {
	return c.do(ctx, http.MethodPost, "/me/player/previous", deviceQuery(deviceID), nil, nil)
}

func (c *HTTPClient) SetVolume(ctx context.Context, percent int, deviceID string) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("volume %d out of range 0..100", percent)
	}
	q := deviceQuery(deviceID)
	q.Set("volume_percent", strconv.Itoa(percent))
	return c.do(ctx, http.MethodPut, "/me/player/volume", q, nil, nil)
}

func (c *HTTPClient) Devices(ctx context.Context) ([]Device, error) {
	var raw struct {
		Devices []Device `json:"devices"`
	}
	if err := c.do(ctx, http.MethodGet, "/me/player/devices", nil, nil, &raw); err != nil {
		return nil, err
	}
	return raw.Devices, nil
}

// Profile returns the account profile. Results are cached and concurrent
// misses share one upstream request.
func (c *HTTPClient) Profile(ctx context.Context) (*Profile, error) {
	c.mu.Lock()
	if c.profile != nil && time.Now().Before(c.profileExp) {
		p := *c.profile
		c.mu.Unlock()
		return &p, nil
	}
	c.mu.Unlock()

	v, err, _ := c.sf.Do("profile", func() (any, error) {
		var p Profile
		if err := c.do(ctx, http.MethodGet, "/me", nil, nil, &p); err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.profile = &p
		c.profileExp = time.Now().Add(c.profileTTL)
		c.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	p := v.(Profile)
	return &p, nil
}

func (c *HTTPClient) NowPlaying(ctx context.Context) (*NowPlaying, error) {
	var raw struct {
		IsPlaying  bool    `json:"is_playing"`
		ProgressMS int     `json:"progress_ms"`
		Item       *Track  `json:"item"`
		Device     *Device `json:"device"`
	}
	found := false
	if err := c.do(ctx, http.MethodGet, "/me/player", nil, nil, &raw, withFound(&found)); err != nil {
		return nil, err
	}
	if !found {
		return &NowPlaying{}, nil
	}
	return &NowPlaying{IsPlaying: raw.IsPlaying, ProgressMS: raw.ProgressMS, Track: raw.Item, Device: raw.Device}, nil
}

func (c *HTTPClient) TransferPlayback(ctx context.Context, deviceID string, play bool) error {
	if deviceID == "" {
		return errors.New("device id is required")
	}
	body := map[string]any{"device_ids": []string{deviceID}, "play": play}
	return c.do(ctx, http.MethodPut, "/me/player", nil, body, nil)
}

func deviceQuery(deviceID string) url.Values {
	q := url.Values{}
	if deviceID != "" {
		q.Set("device_id", deviceID)
	}
	return q
}

type doOption func(*doConfig)

type doConfig struct {
	found *bool
}

// withFound reports whether the response carried a body; the player
// endpoints answer 204 when there is nothing to describe.
func withFound(found *bool) doOption {
	return func(d *doConfig) { d.found = found }
}

// do sends one API call. 429 and 5xx responses are retried with exponential
// backoff; a Retry-After header overrides the computed delay.
func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body, out any, opts ...doOption) error {
	var dc doConfig
	for _, opt := range opts {
		opt(&dc)
	}

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		payload = b
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.retryInitial
	eb.MaxInterval = 20 * c.retryInitial

	var lastAPIErr *APIError
	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		var rdr io.Reader
		if payload != nil {
			rdr = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, rdr)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return struct{}{}, backoff.Permanent(ctx.Err())
			}
			var re *oauth2.RetrieveError
			if errors.As(err, &re) {
				return struct{}{}, backoff.Permanent(fmt.Errorf("refresh access token: %w", err))
			}
			return struct{}{}, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNoContent:
			return struct{}{}, nil
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return struct{}{}, err
			}
			if len(bytes.TrimSpace(data)) == 0 {
				return struct{}{}, nil
			}
			if dc.found != nil {
				*dc.found = true
			}
			if out != nil {
				if err := json.Unmarshal(data, out); err != nil {
					return struct{}{}, backoff.Permanent(fmt.Errorf("decode %s %s: %w", method, path, err))
				}
			}
			return struct{}{}, nil
		}

		apiErr := decodeAPIError(resp)
		lastAPIErr = apiErr
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs >= 0 {
				return struct{}{}, backoff.RetryAfter(secs)
			}
			return struct{}{}, apiErr
		case resp.StatusCode >= 500:
			return struct{}{}, apiErr
		default:
			return struct{}{}, backoff.Permanent(apiErr)
		}
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			c.log.DebugContext(ctx, "spotify.request.retry",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("attempt", attempt),
				slog.Duration("wait", d),
				slog.String("err", err.Error()))
		}),
	)
	if err != nil {
		var ra *backoff.RetryAfterError
		if errors.As(err, &ra) && lastAPIErr != nil {
			err = lastAPIErr
		}
		c.log.DebugContext(ctx, "spotify.request.fail", slog.String("method", method), slog.String("path", path), slog.String("err", err.Error()))
		return err
	}
	return nil
}

func decodeAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{Status: resp.StatusCode}
	var env struct {
		Error json.RawMessage `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &env) == nil && len(env.Error) > 0 {
		// Player errors carry an object; auth errors carry a bare string.
		if json.Unmarshal(env.Error, apiErr) != nil {
			var msg string
			_ = json.Unmarshal(env.Error, &msg)
			apiErr.Message = msg
		}
		apiErr.Status = resp.StatusCode
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
