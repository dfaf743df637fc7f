package deploy

import (
	"context"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Locker keeps two deploy operations for the same project from overlapping.
// release is always non-nil when ok is true and is safe to call more than once.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]lease
	clock func() time.Time
}

type lease struct {
	token   string
	expires time.Time
}

// NewMemoryLocker returns an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]lease), clock: time.Now}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()
	if current, ok := l.held[key]; ok && now.Before(current.expires) {
		return nil, false, nil
	}
	token := uuid.NewString()
	l.held[key] = lease{token: token, expires: now.Add(ttl)}
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		// an expired lease may already belong to someone else
		if current, ok := l.held[key]; ok && current.token == token {
			delete(l.held, key)
		}
	}, true, nil
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker shares the guard between API replicas.
type RedisLocker struct {
	client  redis.Cmdable
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
}

// NewRedisLocker wraps an existing Redis client.
func NewRedisLocker(client redis.Cmdable, logger *slog.Logger) *RedisLocker {
	return &RedisLocker{
		client:  client,
		logger:  logger,
		prefix:  "sitebuilder:deploylock:",
		timeout: 500 * time.Millisecond,
	}
}

// TryLock fails open: if Redis cannot be reached the deploy goes ahead
// unguarded and the error is logged.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	opCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	acquired, err := l.client.SetNX(opCtx, redisKey, token, ttl).Result()
	if err != nil {
		l.logRedisError("setnx", err)
		return func() {}, true, nil
	}
	if !acquired {
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			relCtx, cancel := context.WithTimeout(context.Background(), l.timeout)
			defer cancel()
			if err := releaseScript.Run(relCtx, l.client, []string{redisKey}, token).Err(); err != nil {
				l.logRedisError("release", err)
			}
		})
	}, true, nil
}

func (l *RedisLocker) logRedisError(op string, err error) {
	if l.logger == nil {
		return
	}
	l.logger.Error("redis deploy lock error", "op", op, "error", err)
}
