package redishost

import (
	"context"
	"errors"
	"fmt"

	"github.com/ggoodman/spotify-mcp-go/sessions"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed event log. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: REDIS_KEY_PREFIX
	KeyPrefix string `env:"REDIS_KEY_PREFIX,default=spotify-mcp:"`
	// MaxLen is the approximate per-session retention. ENV: EVENT_LOG_CAPACITY
	MaxLen int64 `env:"EVENT_LOG_CAPACITY,default=1024"`
}

const payloadField = "d"

type Host struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
	owned     bool
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	h := NewWithClient(cl, cfg.KeyPrefix, cfg.MaxLen)
	h.owned = true
	return h, nil
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Host, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(ctx, cfg)
}

// NewWithClient wraps an existing client. The caller keeps ownership of it.
func NewWithClient(cl redis.UniversalClient, keyPrefix string, maxLen int64) *Host {
	if keyPrefix == "" {
		keyPrefix = "spotify-mcp:"
	}
	if maxLen <= 0 {
		maxLen = 1024
	}
	return &Host{client: cl, keyPrefix: keyPrefix, maxLen: maxLen}
}

// Close closes the Redis client if New created it.
func (h *Host) Close() error {
	if !h.owned {
		return nil
	}
	return h.client.Close()
}

func (h *Host) streamKey(sessionID string) string { return h.keyPrefix + "stream:" + sessionID }

var _ sessions.EventLogFactory = (*Host)(nil).Open

// Open returns the log for sessionID. Any stream left behind under the same
// key is discarded first.
func (h *Host) Open(ctx context.Context, sessionID string) (sessions.EventLog, error) {
	key := h.streamKey(sessionID)
	if err := h.client.Del(ctx, key).Err(); err != nil {
		return nil, fmt.Errorf("reset stream %s: %w", key, err)
	}
	return &eventLog{h: h, key: key}, nil
}

type eventLog struct {
	h   *Host
	key string
}

func (l *eventLog) Append(ctx context.Context, data []byte) (sessions.Event, error) {
	id, err := l.h.client.XAdd(ctx, &redis.XAddArgs{
		Stream: l.key,
		MaxLen: l.h.maxLen,
		Approx: true,
		Values: map[string]any{payloadField: data},
	}).Result()
	if err != nil {
		return sessions.Event{}, fmt.Errorf("xadd: %w", err)
	}
	return sessions.Event{ID: id, Data: append([]byte(nil), data...)}, nil
}

func (l *eventLog) After(ctx context.Context, id string) ([]sessions.Event, error) {
	start := "-"
	if id != "" {
		start = id
	}
	msgs, err := l.h.client.XRange(ctx, l.key, start, "+").Result()
	if err != nil {
		// Malformed ids are rejected by the server.
		if id != "" && isInvalidStreamID(err) {
			return nil, fmt.Errorf("%w: %q", sessions.ErrUnknownEventID, id)
		}
		return nil, fmt.Errorf("xrange: %w", err)
	}
	if id != "" {
		if len(msgs) == 0 || msgs[0].ID != id {
			return nil, fmt.Errorf("%w: %q", sessions.ErrUnknownEventID, id)
		}
		msgs = msgs[1:]
	}
	out := make([]sessions.Event, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, sessions.Event{ID: m.ID, Data: payload(m.Values[payloadField])})
	}
	return out, nil
}

func (l *eventLog) Close(ctx context.Context) error {
	if err := l.h.client.Del(context.WithoutCancel(ctx), l.key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", l.key, err)
	}
	return nil
}

func payload(v any) []byte {
	switch v := v.(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return []byte(fmt.Sprintf("%v", v))
	}
}

func isInvalidStreamID(err error) bool {
	var rerr redis.Error
	return errors.As(err, &rerr)
}
