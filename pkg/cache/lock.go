package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when a lock could not be acquired before the deadline.
var ErrLockTimeout = errors.New("timed out waiting for lock")

// Locker serializes work on a key across goroutines (LocalLocker) or
// instances (RedisLocker).
type Locker interface {
	// Lock blocks until the key is held, ctx ends, or wait elapses.
	// The returned func releases the lock.
	Lock(ctx context.Context, key string, wait time.Duration) (func(), error)
}

// releaseScript deletes the key only if it still holds our token, so a lock
// that expired and was taken by another holder is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker implements Locker with SET NX PX and a token-checked release.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

// NewRedisLocker creates a RedisLocker. ttl bounds how long a crashed holder
// can block others.
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if prefix != "" {
		prefix += ":"
	}
	return &RedisLocker{client: client, prefix: prefix + "lock:", ttl: ttl, poll: 50 * time.Millisecond}
}

func (l *RedisLocker) Lock(ctx context.Context, key string, wait time.Duration) (func(), error) {
	fullKey := l.prefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.client.SetNX(ctx, fullKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			return func() {
				_ = releaseScript.Run(context.Background(), l.client, []string{fullKey}, token).Err()
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}

// LocalLocker implements Locker with per-key mutexes inside one process.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

type localLock struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker creates an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localLock)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string, wait time.Duration) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[key]
	if !ok {
		lk = &localLock{ch: make(chan struct{}, 1)}
		l.locks[key] = lk
	}
	lk.refs++
	l.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case lk.ch <- struct{}{}:
		return func() {
			<-lk.ch
			l.unref(key, lk)
		}, nil
	case <-ctx.Done():
		l.unref(key, lk)
		return nil, ctx.Err()
	case <-timer.C:
		l.unref(key, lk)
		return nil, ErrLockTimeout
	}
}

func (l *LocalLocker) unref(key string, lk *localLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, key)
	}
}

var (
	_ Locker = (*RedisLocker)(nil)
	_ Locker = (*LocalLocker)(nil)
)
