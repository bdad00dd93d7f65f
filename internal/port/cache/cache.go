// Package cache defines the port interface for caching.
package cache

import (
	"context"
	"time"
)

// Cache is the port interface for key-value caching.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Counter is the port interface for shared atomic counters, used for
// the org-wide daily token budget keyed by UTC date.
type Counter interface {
	// Add atomically adds delta to the named counter and returns the
	// new value.
	Add(ctx context.Context, key string, delta int64) (int64, error)

	// Get returns the current value of the named counter (0 if unset).
	Get(ctx context.Context, key string) (int64, error)
}
