package resilience

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/quorum-ai/quorum/internal/domain/provider"
)

// RetryManager wraps provider calls with the per-provider circuit
// breaker and exponential backoff. Retries stop immediately on
// non-retryable errors and on breaker rejection.
type RetryManager struct {
	registry  *Registry
	baseDelay time.Duration
	maxDelay  time.Duration
	sleep     func(ctx context.Context, d time.Duration) error // for testing
}

// NewRetryManager creates a retry manager backed by the given breaker
// registry. baseDelay seeds the exponential backoff; delays are capped
// at maxDelay.
func NewRetryManager(registry *Registry, baseDelay, maxDelay time.Duration) *RetryManager {
	return &RetryManager{
		registry:  registry,
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		sleep:     sleepCtx,
	}
}

// Execute attempts call up to maxRetries+1 times against the named
// provider. The breaker is consulted before every attempt; while open,
// the call fails immediately with a non-retryable provider_unavailable
// error and no network call is made.
func (m *RetryManager) Execute(ctx context.Context, providerName string, maxRetries int, call func(ctx context.Context) error) error {
	breaker := m.registry.For(providerName)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !breaker.Allow() {
			return provider.NewError(provider.KindUnavailable, providerName, ErrCircuitOpen)
		}

		err := call(ctx)
		if err == nil {
			breaker.RecordSuccess()
			return nil
		}

		breaker.RecordFailure()
		lastErr = err

		if !provider.IsRetryable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}

		delay := m.backoff(attempt)
		slog.Debug("provider call retrying",
			"provider", providerName,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		if err := m.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

// backoff returns min(base * 2^attempt + jitter(±25%), maxDelay).
func (m *RetryManager) backoff(attempt int) time.Duration {
	delay := m.baseDelay << uint(attempt)
	if delay > m.maxDelay || delay <= 0 {
		delay = m.maxDelay
	}
	jitter := time.Duration(rand.Int64N(int64(delay)/2+1)) - delay/4
	delay += jitter
	if delay > m.maxDelay {
		delay = m.maxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
