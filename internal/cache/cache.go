// Package cache provides a short-TTL, in-process cache of raw fetched
// pages keyed by URL, so a requeued CidTask that re-targets an
// already-fetched pagination page doesn't have to cross the network
// again. Built on ristretto through the gocache facade for a
// Get/Set/Delete surface independent of the backing store.
package cache

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
	gocache "github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	ristrettostore "github.com/eko/gocache/store/ristretto/v4"
)

// PageCache caches fetched page bodies by URL.
type PageCache struct {
	inner *gocache.Cache[string]
	rc    *ristretto.Cache
	ttl   time.Duration
}

// New builds a PageCache holding up to maxCost bytes of estimated cache
// cost, evicting entries after ttl.
func New(maxCost int64, ttl time.Duration) (*PageCache, error) {
	rcache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxCost * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	store := ristrettostore.NewRistretto(rcache)
	return &PageCache{inner: gocache.New[string](store), rc: rcache, ttl: ttl}, nil
}

// Get returns the cached page body for url, if present and unexpired.
func (c *PageCache) Get(ctx context.Context, url string) (string, bool) {
	v, err := c.inner.Get(ctx, url)
	if err != nil {
		return "", false
	}
	return v, true
}

// Set caches body for url with the cache's configured TTL. Ristretto
// applies writes asynchronously; Set waits for the buffered write so a
// requeued task that re-reads the same URL immediately still hits.
func (c *PageCache) Set(ctx context.Context, url, body string) {
	_ = c.inner.Set(ctx, url, body, store.WithExpiration(c.ttl))
	c.rc.Wait()
}

// Delete evicts url from the cache, e.g. after a need_refetch chapter is
// successfully refetched.
func (c *PageCache) Delete(ctx context.Context, url string) {
	_ = c.inner.Delete(ctx, url)
	c.rc.Wait()
}
