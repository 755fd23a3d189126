package gateway

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type idemEntry struct {
	resp *AgentResponse
	at   time.Time
}

// idempotencyCache replays the response of a finished agent call for a
// repeated key, and joins callers racing on a key that is still running.
// Failed calls are not cached so a retry runs again.
type idempotencyCache struct {
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]idemEntry
}

func newIdempotencyCache(ttl time.Duration, now func() time.Time) *idempotencyCache {
	return &idempotencyCache{ttl: ttl, now: now, entries: make(map[string]idemEntry)}
}

// Do returns the cached response for key or runs fn once for all concurrent
// callers. replayed reports whether the response came from an earlier call.
func (c *idempotencyCache) Do(ctx context.Context, key string, fn func() (*AgentResponse, error)) (resp *AgentResponse, replayed bool, err error) {
	c.mu.Lock()
	ttl := c.ttl
	c.mu.Unlock()
	if key == "" || ttl <= 0 {
		resp, err = fn()
		return resp, false, err
	}
	if cached, ok := c.get(key); ok {
		return cached, true, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		r, err := fn()
		if err == nil {
			c.put(key, r)
		}
		return r, err
	})
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.(*AgentResponse), res.Shared, nil
	}
}

func (c *idempotencyCache) get(key string) (*AgentResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.at) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return e.resp, true
}

func (c *idempotencyCache) put(key string, resp *AgentResponse) {
	c.mu.Lock()
	c.entries[key] = idemEntry{resp: resp, at: c.now()}
	c.mu.Unlock()
}

// Prune drops expired entries and returns how many were removed.
func (c *idempotencyCache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if now.Sub(e.at) > c.ttl {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// SetTTL changes the replay window after a reload.
func (c *idempotencyCache) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}

func (c *idempotencyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
