// Package redislock implements a cross-process lineage lock on Redis with
// SET NX PX and an owner-checked release.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goliatone/go-qbsync/core"
	"github.com/google/uuid"
)

const (
	DefaultKeyPrefix = "qbsync:lineage-lock:"
	defaultTTL       = 30 * time.Second
)

// releaseScript deletes the key only while it still holds the caller's token.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// Client is the subset of *redis.Client the locker uses.
type Client interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

type Option func(*Locker)

func WithKeyPrefix(prefix string) Option {
	return func(l *Locker) {
		if trimmed := strings.TrimSpace(prefix); trimmed != "" {
			l.prefix = trimmed
		}
	}
}

func WithTokenGenerator(fn func() string) Option {
	return func(l *Locker) {
		if fn != nil {
			l.token = fn
		}
	}
}

type Locker struct {
	client Client
	prefix string
	token  func() string
}

func New(client Client, opts ...Option) (*Locker, error) {
	if client == nil {
		return nil, fmt.Errorf("redislock: redis client is required")
	}
	locker := &Locker{
		client: client,
		prefix: DefaultKeyPrefix,
		token:  uuid.NewString,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(locker)
	}
	return locker, nil
}

// NewFromURL parses a redis:// or rediss:// URL and pings the server before
// returning the locker and its client. The caller owns the client.
func NewFromURL(ctx context.Context, rawURL string, opts ...Option) (*Locker, *redis.Client, error) {
	options, err := redis.ParseURL(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, nil, fmt.Errorf("redislock: parse url: %w", err)
	}
	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, core.NewTransportError(err, "redislock: redis connection failed")
	}

	locker, err := New(client, opts...)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return locker, client, nil
}

func (l *Locker) Key(lineage string) string {
	return l.prefix + strings.TrimSpace(lineage)
}

// Acquire makes a single attempt; retries and backoff belong to the caller.
func (l *Locker) Acquire(ctx context.Context, lineage string, ttl time.Duration) (core.LockHandle, error) {
	if l == nil || l.client == nil {
		return nil, fmt.Errorf("redislock: locker is not configured")
	}
	lineage = strings.TrimSpace(lineage)
	if lineage == "" {
		return nil, fmt.Errorf("redislock: lineage is required for lock acquisition")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}

	key := l.Key(lineage)
	token := l.token()
	acquired, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, core.NewTransportError(err, "redislock: acquire lineage lock")
	}
	if !acquired {
		return nil, fmt.Errorf("redislock: lock already held for lineage %q", lineage)
	}
	return &handle{client: l.client, key: key, token: token}, nil
}

type handle struct {
	client Client
	key    string
	token  string
	once   sync.Once
	err    error
}

// Unlock releases the key if this handle still owns it. A lock that expired
// and was taken by another owner is left alone.
func (h *handle) Unlock(ctx context.Context) error {
	if h == nil || h.client == nil {
		return nil
	}
	h.once.Do(func() {
		err := h.client.Eval(ctx, releaseScript, []string{h.key}, h.token).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			h.err = core.NewTransportError(err, "redislock: release lineage lock")
		}
	})
	return h.err
}

var _ core.LineageLocker = (*Locker)(nil)
