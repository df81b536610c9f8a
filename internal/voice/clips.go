package voice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrClipNotFound is returned for unknown or expired clips.
var ErrClipNotFound = errors.New("clip not found")

// Clip is synthesized audio held briefly so a telephony provider can fetch it
// (Twilio <Play>).
type Clip struct {
	Audio       []byte
	ContentType string
}

type ClipStore interface {
	Put(ctx context.Context, c Clip) (id string, err error)
	Get(ctx context.Context, id string) (Clip, error)
}

const defaultClipTTL = 10 * time.Minute

// MemoryClips keeps clips in process memory.
type MemoryClips struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	clips map[string]memoryClip
}

type memoryClip struct {
	Clip
	expires time.Time
}

func NewMemoryClips(ttl time.Duration) *MemoryClips {
	if ttl <= 0 {
		ttl = defaultClipTTL
	}
	return &MemoryClips{ttl: ttl, now: time.Now, clips: map[string]memoryClip{}}
}

func (m *MemoryClips) Put(_ context.Context, c Clip) (string, error) {
	id := uuid.NewString()
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.clips {
		if now.After(v.expires) {
			delete(m.clips, k)
		}
	}
	m.clips[id] = memoryClip{Clip: c, expires: now.Add(m.ttl)}
	return id, nil
}

func (m *MemoryClips) Get(_ context.Context, id string) (Clip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clips[id]
	if !ok || m.now().After(c.expires) {
		return Clip{}, ErrClipNotFound
	}
	return c.Clip, nil
}

// RedisClips shares clips between replicas, so the replica that answers the
// provider's fetch need not be the one that synthesized.
type RedisClips struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisClips(rdb redis.Cmdable, ttl time.Duration) *RedisClips {
	if ttl <= 0 {
		ttl = defaultClipTTL
	}
	return &RedisClips{rdb: rdb, ttl: ttl}
}

func clipKeys(id string) (audio, contentType string) {
	return "voice:clip:" + id, "voice:clip:" + id + ":ct"
}

func (r *RedisClips) Put(ctx context.Context, c Clip) (string, error) {
	id := uuid.NewString()
	audioKey, ctKey := clipKeys(id)
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, audioKey, c.Audio, r.ttl)
		p.Set(ctx, ctKey, c.ContentType, r.ttl)
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *RedisClips) Get(ctx context.Context, id string) (Clip, error) {
	audioKey, ctKey := clipKeys(id)
	vals, err := r.rdb.MGet(ctx, audioKey, ctKey).Result()
	if err != nil {
		return Clip{}, err
	}
	audio, ok1 := vals[0].(string)
	ct, ok2 := vals[1].(string)
	if !ok1 || !ok2 {
		return Clip{}, ErrClipNotFound
	}
	return Clip{Audio: []byte(audio), ContentType: ct}, nil
}
