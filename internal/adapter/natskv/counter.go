package natskv

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go/jetstream"
)

// Counter implements an atomic shared counter on a NATS JetStream KV
// bucket using optimistic revision checks. Concurrent writers retry on
// conflict, so increments from multiple processes never lose updates.
type Counter struct {
	kv jetstream.KeyValue
}

// NewCounter creates a NATS KV-backed counter.
func NewCounter(kv jetstream.KeyValue) *Counter {
	return &Counter{kv: kv}
}

// Add atomically adds delta to the counter at key and returns the new
// value. Retries the compare-and-swap until it wins or ctx expires.
func (c *Counter) Add(ctx context.Context, key string, delta int64) (int64, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		entry, err := c.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			// First writer for this key.
			if _, err := c.kv.Create(ctx, key, encodeCount(delta)); err != nil {
				if errors.Is(err, jetstream.ErrKeyExists) {
					continue // lost the race, reload
				}
				return 0, fmt.Errorf("counter create %s: %w", key, err)
			}
			return delta, nil
		}
		if err != nil {
			return 0, fmt.Errorf("counter get %s: %w", key, err)
		}

		current, err := decodeCount(entry.Value())
		if err != nil {
			return 0, fmt.Errorf("counter value %s: %w", key, err)
		}

		next := current + delta
		_, err = c.kv.Update(ctx, key, encodeCount(next), entry.Revision())
		if err != nil {
			if isWrongRevision(err) {
				continue // concurrent update, reload and retry
			}
			return 0, fmt.Errorf("counter update %s: %w", key, err)
		}
		return next, nil
	}
}

// Get returns the current counter value, or 0 if the key is unset.
func (c *Counter) Get(ctx context.Context, key string) (int64, error) {
	entry, err := c.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("counter get %s: %w", key, err)
	}
	v, err := decodeCount(entry.Value())
	if err != nil {
		return 0, fmt.Errorf("counter value %s: %w", key, err)
	}
	return v, nil
}

func encodeCount(v int64) []byte {
	return []byte(strconv.FormatInt(v, 10))
}

func decodeCount(data []byte) (int64, error) {
	return strconv.ParseInt(string(data), 10, 64)
}

func isWrongRevision(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return false
}
