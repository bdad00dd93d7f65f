// Package natskv backs the cache and counter ports with NATS JetStream
// key-value buckets, giving every quorum-core instance a shared view of
// cached context and daily token usage.
package natskv

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Cache is the distributed L2 tier behind the in-process ristretto L1.
// Entry lifetime is governed by the bucket TTL configured at creation,
// so the per-call TTL argument is ignored here.
type Cache struct {
	kv jetstream.KeyValue
}

// New wraps an existing KV bucket as a cache.
func New(kv jetstream.KeyValue) *Cache {
	return &Cache{kv: kv}
}

// Get returns the stored value for key. A missing key is not an error.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	entry, err := c.kv.Get(ctx, key)
	switch {
	case err == nil:
		return entry.Value(), true, nil
	case errors.Is(err, jetstream.ErrKeyNotFound):
		return nil, false, nil
	default:
		return nil, false, err
	}
}

// Set writes value under key, replacing any previous value.
func (c *Cache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	_, err := c.kv.Put(ctx, key, value)
	return err
}

// Delete removes key. Deleting an absent key succeeds.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return err
	}
	return nil
}
