package chainlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another run holds the lock.
var ErrLockHeld = errors.New("run lock held by another run")

// RunLock keeps at most one pipeline run in flight per key.
type RunLock interface {
	// Acquire takes the lock or fails with ErrLockHeld. release is safe to
	// call more than once.
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// localRunLock excludes runs within one process.
type localRunLock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalRunLock returns an in-process RunLock.
func NewLocalRunLock() RunLock {
	return &localRunLock{held: make(map[string]struct{})}
}

func (l *localRunLock) Acquire(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, fmt.Errorf("%s: %w", key, ErrLockHeld)
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// redisReleaseScript deletes the lock only if it still carries our token.
// KEYS[1] = lock key
// ARGV[1] = token set at acquisition
var redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisRunLock implements RunLock across processes with SET NX PX.
type RedisRunLock struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisRunLock creates a lock backed by Redis. ttl bounds how long a
// crashed run can block the next trigger.
func NewRedisRunLock(addr, password string, db int, ttl time.Duration) *RedisRunLock {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisRunLockClient(rdb, ttl)
}

// NewRedisRunLockClient wraps an existing client.
func NewRedisRunLockClient(client redis.UniversalClient, ttl time.Duration) *RedisRunLock {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisRunLock{client: client, prefix: "chainlog:run:", ttl: ttl}
}

// Acquire sets the key if absent with a fresh token.
func (l *RedisRunLock) Acquire(ctx context.Context, key string) (func(), error) {
	full := l.prefix + key
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrLockHeld)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = redisReleaseScript.Run(ctx, l.client, []string{full}, token).Err()
		})
	}, nil
}

// Close closes the Redis client.
func (l *RedisRunLock) Close() error {
	return l.client.Close()
}
