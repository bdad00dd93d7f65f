// Package ristretto provides the in-process L1 cache tier. Conversation
// context and retrieval results are hot for the duration of a review, so
// a small cost-bounded local cache absorbs most lookups before they hit
// the shared NATS KV tier.
package ristretto

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// bufferItems is ristretto's recommended Get buffer size.
const bufferItems = 64

// Cache is a byte-sized, TTL-aware local cache.
type Cache struct {
	inner *ristretto.Cache[string, []byte]
}

// New builds a cache bounded to maxBytes of stored values. Counter
// capacity is sized for roughly ten tracked keys per expected entry,
// assuming entries around 100 bytes.
func New(maxBytes int64) (*Cache, error) {
	inner, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxBytes / 100 * 10,
		MaxCost:     maxBytes,
		BufferItems: bufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{inner: inner}, nil
}

// Get returns the cached value for key, if present.
func (c *Cache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	val, found := c.inner.Get(key)
	return val, found, nil
}

// Set stores value under key, costed by its length. Admission is
// best-effort; ristretto may reject entries under memory pressure.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.inner.SetWithTTL(key, value, int64(len(value)), ttl)
	return nil
}

// Delete evicts key from the cache.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.inner.Del(key)
	return nil
}

// Close stops the cache's internal goroutines.
func (c *Cache) Close() {
	c.inner.Close()
}
