package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"voice-platform/pkg/utils"
)

// Locker serializes work on a key. The returned unlock must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedMutex is an in-process Locker. Entries are reference counted and
// dropped once nobody holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: map[string]*keyedEntry{}}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.release(key, e)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// size is the number of live entries.
func (k *KeyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// RedisLocker extends a KeyedMutex across replicas with a Redis lease
// (SET NX PX, released by compare-and-delete). The local mutex is taken first
// so a single process never polls Redis against itself.
type RedisLocker struct {
	rdb    redis.UniversalClient
	local  *KeyedMutex
	prefix string
	ttl    time.Duration
	poll   time.Duration
	logger *slog.Logger
}

type RedisLockerConfig struct {
	Prefix string        // default "voice:lock:"
	TTL    time.Duration // lease length, default 10s
	Poll   time.Duration // retry interval while contended, default 20ms
	Logger *slog.Logger
}

func NewRedisLocker(rdb redis.UniversalClient, cfg RedisLockerConfig) *RedisLocker {
	if cfg.Prefix == "" {
		cfg.Prefix = "voice:lock:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Second
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 20 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RedisLocker{
		rdb:    rdb,
		local:  NewKeyedMutex(),
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
		poll:   cfg.Poll,
		logger: cfg.Logger,
	}
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := r.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	redisKey := r.prefix + key
	token := uuid.NewString()
	for {
		ok, err := utils.TryLock(ctx, r.rdb, redisKey, token, r.ttl)
		if err != nil {
			unlockLocal()
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-time.After(r.poll):
		case <-ctx.Done():
			unlockLocal()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be done; the lease still has to go.
			relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			switch err := utils.ReleaseLock(relCtx, r.rdb, redisKey, token); {
			case errors.Is(err, utils.ErrLockNotHeld):
				r.logger.Warn("session lock lease expired before release", "key", key)
			case err != nil:
				r.logger.Warn("session lock release failed", "key", key, "err", err)
			}
			unlockLocal()
		})
	}, nil
}
