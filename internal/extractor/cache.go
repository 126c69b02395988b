package extractor

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Cache remembers probe results for the session, keyed by normalized URL.
// Entries never expire; a process restart starts clean.
type Cache struct {
	mu      sync.RWMutex
	results map[string]*ProbeResult
}

func NewCache() *Cache {
	return &Cache{results: make(map[string]*ProbeResult)}
}

// Get returns the cached result for a normalized URL, if any.
func (c *Cache) Get(normalized string) (*ProbeResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res, ok := c.results[normalized]
	return res, ok
}

// Put stores a result unless one is already present. Concurrent probes of the
// same URL keep the first answer; the returned result is the one retained.
func (c *Cache) Put(normalized string, res *ProbeResult) *ProbeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.results[normalized]; ok {
		return existing
	}
	c.results[normalized] = res
	return res
}

// Len reports the number of cached probes.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.results)
}

// CachingClient wraps a Client with a session probe cache. Downloads pass
// straight through.
type CachingClient struct {
	Client
	cache *Cache
	// Key maps a raw URL to its cache key; defaults to identity.
	Key func(url string) string
}

func NewCachingClient(inner Client, cache *Cache, key func(string) string) *CachingClient {
	if cache == nil {
		cache = NewCache()
	}
	if key == nil {
		key = func(u string) string { return u }
	}
	return &CachingClient{Client: inner, cache: cache, Key: key}
}

func (c *CachingClient) Probe(ctx context.Context, url string) (*ProbeResult, error) {
	key := c.Key(url)
	if res, ok := c.cache.Get(key); ok {
		return res, nil
	}
	res, err := c.Client.Probe(ctx, url)
	if err != nil {
		return nil, err
	}
	return c.cache.Put(key, res), nil
}

// ProbeBatch probes many URLs with bounded parallelism. Per-URL failures are
// recorded, not fatal; only context cancellation aborts the batch.
func ProbeBatch(ctx context.Context, client Client, urls []string, parallelism int) (map[string]*ProbeResult, map[string]error) {
	if parallelism <= 0 {
		parallelism = 4
	}

	var mu sync.Mutex
	results := make(map[string]*ProbeResult, len(urls))
	failures := make(map[string]error)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(parallelism)
	for _, u := range urls {
		u := u
		group.Go(func() error {
			if groupCtx.Err() != nil {
				return groupCtx.Err()
			}
			res, err := client.Probe(groupCtx, u)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if groupCtx.Err() != nil {
					return groupCtx.Err()
				}
				failures[u] = err
				return nil
			}
			results[u] = res
			return nil
		})
	}
	_ = group.Wait()
	return results, failures
}
