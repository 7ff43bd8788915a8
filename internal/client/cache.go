package client

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Cache keeps the last response body of keyed reads. Concurrent reads of a missing key share one
// fetch. Invalidate drops a key; a fetch that was already running when the key was invalidated
// returns its result to its callers but doesn't repopulate the cache.
type Cache struct {
	mu      sync.Mutex
	entries map[string][]byte
	gens    map[string]uint64
	group   singleflight.Group
}

// NewCache creates an empty Cache.
func NewCache() *Cache {
	return &Cache{
		entries: map[string][]byte{},
		gens:    map[string]uint64{},
	}
}

// Get returns the cached value for key, calling fetch when there is none. The shared fetch isn't
// bound to the cancellation of the caller that started it; each caller stops waiting when its own
// ctx ends.
func (c *Cache) Get(ctx context.Context, key string, fetch func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	c.mu.Lock()
	if v, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return v, nil
	}
	gen := c.gens[key]
	c.mu.Unlock()

	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		v, err := fetch(fetchCtx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.gens[key] == gen {
			c.entries[key] = v
		}
		c.mu.Unlock()
		return v, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

// Invalidate drops the given keys, so the next Get fetches again.
func (c *Cache) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.entries, key)
		c.gens[key]++
		c.group.Forget(key)
	}
}

// Len returns the number of cached keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
