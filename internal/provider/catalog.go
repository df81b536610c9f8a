package provider

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Catalog caches voice listings per cache key (typically tenant + vendor).
// Concurrent misses for one key share a single upstream call.
type Catalog struct {
	ttl         time.Duration
	loadTimeout time.Duration
	clock       func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]catalogEntry
}

type catalogEntry struct {
	voices  []Voice
	expires time.Time
}

func NewCatalog(ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Catalog{ttl: ttl, loadTimeout: 15 * time.Second, clock: time.Now, entries: map[string]catalogEntry{}}
}

// Voices returns the cached listing for key, loading it from s on a miss.
// Failed loads are not cached. The shared load runs detached from any one
// caller's cancellation, bounded by its own timeout; a caller whose ctx ends
// first stops waiting with ctx.Err().
func (c *Catalog) Voices(ctx context.Context, key string, s Synthesizer) ([]Voice, error) {
	now := c.clock()
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && now.Before(e.expires) {
		c.mu.Unlock()
		return e.voices, nil
	}
	c.mu.Unlock()

	ch := c.group.DoChan(key, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
		defer cancel()
		voices, err := s.ListVoices(lctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = catalogEntry{voices: voices, expires: c.clock().Add(c.ttl)}
		c.mu.Unlock()
		return voices, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.([]Voice), nil
	}
}

// Invalidate drops every cached listing (e.g. after a tenant config reload).
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.entries = map[string]catalogEntry{}
	c.mu.Unlock()
}
