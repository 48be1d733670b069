package blob

import (
	"context"
	"sync"
	"time"
)

// CachingFetcher wraps a Fetcher with a short-TTL in-memory cache, keyed by
// blob ref. It is only safe for plaintext (non-gated) blobs, where every
// caller receives identical bytes: ciphertext must go through an uncached
// Fetcher because each recipient's delivered payload may differ after
// decryption. Callers choose the right path; this type does not inspect
// the bytes it stores.
type CachingFetcher struct {
	inner Fetcher

	mu     sync.Mutex
	ttl    time.Duration
	data   map[string]cacheItem
	closed chan struct{}
}

type cacheItem struct {
	b   []byte
	exp time.Time
}

// NewCachingFetcher wraps inner with a TTL cache.
// If ttl <= 0, a default of 30 seconds is used.
// Starts a background goroutine to clean up expired entries every minute.
func NewCachingFetcher(inner Fetcher, ttl time.Duration) *CachingFetcher {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	c := &CachingFetcher{
		inner:  inner,
		ttl:    ttl,
		data:   make(map[string]cacheItem),
		closed: make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

func (c *CachingFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	c.mu.Lock()
	it, ok := c.data[ref]
	if ok && time.Now().Before(it.exp) {
		c.mu.Unlock()
		return it.b, nil
	}
	if ok {
		delete(c.data, ref)
	}
	c.mu.Unlock()

	b, err := c.inner.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.data[ref] = cacheItem{b: b, exp: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return b, nil
}

func (c *CachingFetcher) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.closed:
			return
		}
	}
}

func (c *CachingFetcher) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, v := range c.data {
		if now.After(v.exp) {
			delete(c.data, k)
		}
	}
}

// Close stops the background cleanup goroutine.
func (c *CachingFetcher) Close() error {
	close(c.closed)
	return nil
}
