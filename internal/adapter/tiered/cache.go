// Package tiered layers the local ristretto cache over the shared NATS
// KV cache so conversation context reads stay in-process on the hot
// path while every engine instance still sees the same data.
package tiered

import (
	"context"
	"time"

	"github.com/quorum-ai/quorum/internal/port/cache"
)

// Cache reads through local then remote, and writes through both.
// A remote hit is promoted into the local tier so repeated lookups
// during a review round do not leave the process.
type Cache struct {
	local      cache.Cache
	remote     cache.Cache
	promoteTTL time.Duration
}

// New combines a local and a remote cache. promoteTTL bounds how long
// promoted entries live locally before the remote tier is consulted
// again.
func New(local, remote cache.Cache, promoteTTL time.Duration) *Cache {
	return &Cache{local: local, remote: remote, promoteTTL: promoteTTL}
}

// Get looks up key locally first, falling back to the remote tier.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	if val, found, err := c.local.Get(ctx, key); err != nil || found {
		return val, found, err
	}

	val, found, err := c.remote.Get(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}

	// Promotion is best effort; a full local tier is not a miss.
	_ = c.local.Set(ctx, key, val, c.promoteTTL)
	return val, true, nil
}

// Set writes to the local tier, then the remote one.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.local.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return c.remote.Set(ctx, key, value, ttl)
}

// Delete removes key from both tiers. Context refresh relies on this
// to invalidate stale conversation snapshots everywhere.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.local.Delete(ctx, key); err != nil {
		return err
	}
	return c.remote.Delete(ctx, key)
}
