package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"voice-platform/pkg/utils"
)

// ErrTooManyRequests is returned when a tenant is at its in-flight cap.
var ErrTooManyRequests = errors.New("too many concurrent requests")

// ConcurrencyLimiter bounds in-flight orchestration work per tenant.
type ConcurrencyLimiter interface {
	Acquire(ctx context.Context, tenantID string) (release func(), err error)
}

// RedisLimiter enforces the cap across replicas with a Lua counter. The key
// TTL reclaims slots leaked by a crashed replica.
type RedisLimiter struct {
	rdb    redis.Scripter
	limit  int
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisLimiter(rdb redis.Scripter, limit int, ttl time.Duration, logger *slog.Logger) *RedisLimiter {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLimiter{rdb: rdb, limit: limit, ttl: ttl, logger: logger}
}

func inflightKey(tenantID string) string { return "voice:inflight:" + tenantID }

func (l *RedisLimiter) Acquire(ctx context.Context, tenantID string) (func(), error) {
	key := inflightKey(tenantID)
	ok, err := utils.AcquireConcurrencyCap(ctx, l.rdb, key, l.limit, l.ttl)
	if err != nil {
		return nil, fmt.Errorf("voice: concurrency cap: %w", err)
	}
	if !ok {
		return nil, ErrTooManyRequests
	}
	return func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := utils.ReleaseConcurrencyCap(relCtx, l.rdb, key); err != nil {
			l.logger.Warn("concurrency cap release failed", "tenant_id", tenantID, "err", err)
		}
	}, nil
}

// LocalLimiter is the single-replica cap, one weighted semaphore per tenant.
type LocalLimiter struct {
	limit int64

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func NewLocalLimiter(limit int) *LocalLimiter {
	return &LocalLimiter{limit: int64(limit), sems: map[string]*semaphore.Weighted{}}
}

func (l *LocalLimiter) Acquire(_ context.Context, tenantID string) (func(), error) {
	if l.limit <= 0 {
		return func() {}, nil
	}
	l.mu.Lock()
	sem, ok := l.sems[tenantID]
	if !ok {
		sem = semaphore.NewWeighted(l.limit)
		l.sems[tenantID] = sem
	}
	l.mu.Unlock()

	if !sem.TryAcquire(1) {
		return nil, ErrTooManyRequests
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, nil
}
