package spotify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTestClient(t *testing.T, h http.Handler, opts ...Option) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "access-1", TokenType: "Bearer"})
	opts = append([]Option{
		WithBaseURL(srv.URL + "/v1"),
		WithRateLimit(0),
		WithRetry(3, time.Millisecond),
	}, opts...)
	return New(ts, opts...)
}

func TestSearch(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/search", r.URL.Path)
		assert.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))
		assert.Equal(t, "daft punk", r.URL.Query().Get("q"))
		assert.Equal(t, "track", r.URL.Query().Get("type"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		_, _ = io.WriteString(w, `{"tracks":{"items":[
			{"id":"t1","name":"One More Time","uri":"spotify:track:t1","duration_ms":320000,"artists":[{"name":"Daft Punk"}],"album":{"name":"Discovery"}},
			{"id":"t2","name":"Aerodynamic","uri":"spotify:track:t2","artists":[{"name":"Daft Punk"}]}
		]}}`)
	}))

	res, err := c.Search(context.Background(), "daft punk", SearchTrack, 2)
	require.NoError(t, err)
	require.Len(t, res.Tracks, 2)
	assert.Equal(t, "One More Time", res.Tracks[0].Name)
	assert.Equal(t, "Daft Punk", res.Tracks[0].ArtistNames())
	assert.Equal(t, "Discovery", res.Tracks[0].Album.Name)
}

func TestSearchSkipsNullPlaylists(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"playlists":{"items":[null,{"id":"p1","name":"Focus","uri":"spotify:playlist:p1","owner":{"display_name":"me"}}]}}`)
	}))

	res, err := c.Search(context.Background(), "focus", SearchPlaylist, 5)
	require.NoError(t, err)
	require.Len(t, res.Playlists, 1)
	assert.Equal(t, "me", res.Playlists[0].Owner.DisplayName)
}

func TestSearchRequiresQuery(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())
	_, err := c.Search(context.Background(), "  ", SearchTrack, 5)
	require.Error(t, err)
}

func TestPlayerCommands(t *testing.T) {
	type call struct {
		method, path, query string
		body                map[string]any
	}
	var (
		mu    sync.Mutex
		calls []call
	)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cl := call{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&cl.body)
		}
		mu.Lock()
		calls = append(calls, cl)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	ctx := context.Background()

	require.NoError(t, c.Play(ctx, PlayOptions{DeviceID: "d1", URIs: []string{"spotify:track:t1"}}))
	require.NoError(t, c.Play(ctx, PlayOptions{ContextURI: "spotify:album:a1"}))
	require.NoError(t, c.Pause(ctx, ""))
	require.NoError(t, c.Next(ctx, "d1"))
	require.NoError(t, c.Previous(ctx, ""))
	require.NoError(t, c.SetVolume(ctx, 40, "d1"))
	require.NoError(t, c.TransferPlayback(ctx, "d2", true))

	require.Len(t, calls, 7)
	assert.Equal(t, call{method: http.MethodPut, path: "/v1/me/player/play", query: "device_id=d1", body: map[string]any{"uris": []any{"spotify:track:t1"}}}, calls[0])
	assert.Equal(t, map[string]any{"context_uri": "spotify:album:a1"}, calls[1].body)
	assert.Equal(t, "/v1/me/player/pause", calls[2].path)
	assert.Empty(t, calls[2].query)
	assert.Equal(t, http.MethodPost, calls[3].method)
	assert.Equal(t, "/v1/me/player/previous", calls[4].path)
	assert.Equal(t, "device_id=d1&volume_percent=40", calls[5].query)
	assert.Equal(t, map[string]any{"device_ids": []any{"d2"}, "play": true}, calls[6].body)
}

func TestSetVolumeRange(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())
	require.Error(t, c.SetVolume(context.Background(), 101, ""))
	require.Error(t, c.SetVolume(context.Background(), -1, ""))
}

func TestNoActiveDevice(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"status":404,"message":"Player command failed: No active device found","reason":"NO_ACTIVE_DEVICE"}}`)
	}))

	err := c.Pause(context.Background(), "")
	require.ErrorIs(t, err, ErrNoActiveDevice)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"error":{"status":403,"message":"Premium required"}}`)
	}))

	err := c.Next(context.Background(), "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Premium required", apiErr.Message)
	assert.NotErrorIs(t, err, ErrNoActiveDevice)
	assert.EqualValues(t, 1, hits.Load())
}

func TestRetries(t *testing.T) {
	t.Run("server errors", func(t *testing.T) {
		var hits atomic.Int32
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hits.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_, _ = io.WriteString(w, `{"devices":[{"id":"d1","name":"Kitchen","type":"Speaker","is_active":true}]}`)
		}))

		devs, err := c.Devices(context.Background())
		require.NoError(t, err)
		require.Len(t, devs, 1)
		assert.Equal(t, "Kitchen", devs[0].Name)
		assert.EqualValues(t, 3, hits.Load())
	})

	t.Run("retry after", func(t *testing.T) {
		var hits atomic.Int32
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hits.Add(1) == 1 {
				w.Header().Set("Retry-After", "0")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		}))

		require.NoError(t, c.Pause(context.Background(), ""))
		assert.EqualValues(t, 2, hits.Load())
	})

	t.Run("budget exhausted", func(t *testing.T) {
		var hits atomic.Int32
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
		}))

		err := c.Pause(context.Background(), "")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
		assert.EqualValues(t, 3, hits.Load())
	})
}

func TestProfileIsCached(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = io.WriteString(w, `{"id":"u1","display_name":"Ada","country":"GB","product":"premium"}`)
	}))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := c.Profile(context.Background())
			assert.NoError(t, err)
			if p != nil {
				assert.Equal(t, "Ada", p.DisplayName)
			}
		}()
	}
	// Let the callers pile up behind the first request.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	p, err := c.Profile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "premium", p.Product)
	assert.EqualValues(t, 1, hits.Load())
}

func TestNowPlaying(t *testing.T) {
	t.Run("idle", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		np, err := c.NowPlaying(context.Background())
		require.NoError(t, err)
		assert.Nil(t, np.Track)
		assert.False(t, np.IsPlaying)
	})

	t.Run("playing", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/me/player", r.URL.Path)
			_, _ = io.WriteString(w, `{"is_playing":true,"progress_ms":1000,"device":{"id":"d1","name":"Desk"},"item":{"id":"t1","name":"Song","artists":[{"name":"A"},{"name":"B"}]}}`)
		}))
		np, err := c.NowPlaying(context.Background())
		require.NoError(t, err)
		require.NotNil(t, np.Track)
		assert.True(t, np.IsPlaying)
		assert.Equal(t, "A, B", np.Track.ArtistNames())
		assert.Equal(t, "Desk", np.Device.Name)
	})
}

func TestRateLimiterHonorsContext(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), WithRateLimit(0.001))
	ctx := context.Background()
	require.NoError(t, c.Pause(ctx, ""))

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.Error(t, c.Pause(ctx, ""))
}

func TestParseSearchKind(t *testing.T) {
	for in, want := range map[string]SearchKind{"": SearchTrack, "Album": SearchAlbum, " artist ": SearchArtist, "playlist": SearchPlaylist} {
		got, err := ParseSearchKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseSearchKind("podcast")
	require.Error(t, err)
}
