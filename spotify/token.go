package spotify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/oauth2"
)

// Credentials identify the registered application at the token endpoint.
type Credentials struct {
	ClientID     string
	ClientSecret string
	// TokenURL defaults to DefaultTokenURL.
	TokenURL string
}

func (c Credentials) config() *oauth2.Config {
	tokenURL := c.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// NewRefreshTokenSource exchanges refreshToken for access tokens, caching
// each until it expires.
func NewRefreshTokenSource(ctx context.Context, creds Credentials, refreshToken string) oauth2.TokenSource {
	return creds.config().TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
}

// FileTokenSource reads the refresh token from a file and rebuilds its
// token source whenever the file changes, so a rotated credential is picked
// up without a restart.
type FileTokenSource struct {
	ctx   context.Context
	creds Credentials
	path  string
	log   *slog.Logger

	mu      sync.RWMutex
	current string
	src     oauth2.TokenSource

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// NewFileTokenSource loads path and starts watching it. The watcher stops
// when ctx is done or Close is called.
func NewFileTokenSource(ctx context.Context, creds Credentials, path string, log *slog.Logger) (*FileTokenSource, error) {
	if log == nil {
		log = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve refresh token path: %w", err)
	}
	fts := &FileTokenSource{ctx: ctx, creds: creds, path: abs, log: log, done: make(chan struct{})}
	if err := fts.reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: editors and secret mounts replace the file by
	// rename, which drops a watch on the file itself.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	fts.watcher = w
	go fts.watch(ctx)
	return fts, nil
}

func (f *FileTokenSource) Token() (*oauth2.Token, error) {
	f.mu.RLock()
	src := f.src
	f.mu.RUnlock()
	return src.Token()
}

// Close stops watching. It is safe to call more than once.
func (f *FileTokenSource) Close() error {
	var err error
	f.once.Do(func() {
		err = f.watcher.Close()
		<-f.done
	})
	return err
}

func (f *FileTokenSource) reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read refresh token: %w", err)
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return errors.New("refresh token file is empty")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if tok == f.current {
		return nil
	}
	f.current = tok
	f.src = NewRefreshTokenSource(f.ctx, f.creds, tok)
	return nil
}

func (f *FileTokenSource) watch(ctx context.Context) {
	defer close(f.done)
	for {
		select {
		case <-ctx.Done():
			_ = f.watcher.Close()
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != f.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := f.reload(); err != nil {
				// Keep the previous token; a rename is often followed by a create.
				f.log.WarnContext(ctx, "spotify.token.reload.fail", slog.String("path", f.path), slog.String("err", err.Error()))
				continue
			}
			f.log.InfoContext(ctx, "spotify.token.reload.ok", slog.String("path", f.path))
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.log.WarnContext(ctx, "spotify.token.watch.err", slog.String("err", err.Error()))
		}
	}
}

// RefreshToken returns the refresh token currently in use.
func (f *FileTokenSource) RefreshToken() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}
