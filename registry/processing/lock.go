package processing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"
)

// Locker serializes pipeline runs for the same release.
type Locker interface {
	// Lock blocks until key is held or ctx is done. The returned func
	// releases the lock and is safe to call more than once.
	Lock(ctx context.Context, key string) (func(), error)
}

func releaseLockKey(releaseId uint) string {
	return fmt.Sprintf("release:%d", releaseId)
}

type localLock struct {
	sem  *semaphore.Weighted
	refs int
}

// LocalLocker holds locks in process memory.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localLock)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &localLock{sem: semaphore.NewWeighted(1)}
		l.locks[key] = lock
	}
	lock.refs++
	l.mu.Unlock()

	if err := lock.sem.Acquire(ctx, 1); err != nil {
		l.drop(key, lock)
		return nil, fmt.Errorf("error acquiring lock %v: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			lock.sem.Release(1)
			l.drop(key, lock)
		})
	}, nil
}

func (l *LocalLocker) drop(key string, lock *localLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, key)
	}
}

const (
	defaultLockTTL   = 30 * time.Second
	defaultLockRetry = 100 * time.Millisecond
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// RedisLocker holds locks in redis so several registry processes can share
// one database and storage volume. Held locks are renewed until released.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
}

func NewRedisLocker(url string) (*RedisLocker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewRedisLockerFromClient(client, defaultLockTTL, defaultLockRetry), nil
}

func NewRedisLockerFromClient(client *redis.Client, ttl, retry time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if retry <= 0 {
		retry = defaultLockRetry
	}
	return &RedisLocker{client: client, ttl: ttl, retry: retry}
}

func (l *RedisLocker) Close() error {
	return l.client.Close()
}

func redisLockKey(key string) string {
	return "package_registry:lock:" + key
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := redisLockKey(key)
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("error acquiring lock %v: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("error acquiring lock %v: %w", key, ctx.Err())
		case <-time.After(l.retry):
		}
	}

	stop := make(chan struct{})
	go l.renew(redisKey, token, stop)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := l.client.Eval(ctx, releaseScript, []string{redisKey}, token).Err(); err != nil {
				slog.Error("error releasing lock", "key", key, "error", err)
			}
		})
	}, nil
}

func (l *RedisLocker) renew(redisKey, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			err := l.client.Eval(ctx, renewScript, []string{redisKey}, token, l.ttl.Milliseconds()).Err()
			cancel()
			if err != nil {
				slog.Warn("error renewing lock", "key", redisKey, "error", err)
			}
		}
	}
}
