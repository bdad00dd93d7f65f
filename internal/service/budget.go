package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quorum-ai/quorum/internal/domain/review"
	"github.com/quorum-ai/quorum/internal/port/cache"
)

// BudgetTracker enforces the per-review token cap and the org-wide
// daily cap. The daily counter lives in a shared store so every
// process instance draws down the same allowance.
type BudgetTracker struct {
	counter    cache.Counter
	dailyLimit int64

	now func() time.Time
}

// NewBudgetTracker creates a tracker. counter may be nil when no daily
// cap is configured; dailyLimit <= 0 disables the daily check.
func NewBudgetTracker(counter cache.Counter, dailyLimit int64) *BudgetTracker {
	return &BudgetTracker{
		counter:    counter,
		dailyLimit: dailyLimit,
		now:        time.Now,
	}
}

// CheckReview compares cumulative usage across all executed rounds
// against the review's token cap. A cap of 0 means uncapped.
func (b *BudgetTracker) CheckReview(metrics review.AllMetrics, limit int) error {
	if limit <= 0 {
		return nil
	}
	used := metrics.TotalTokens()
	if used > limit {
		return fmt.Errorf("%w: used %d of %d", review.ErrBudgetExceeded, used, limit)
	}
	return nil
}

// RecordUsage adds tokens to the org-wide daily counter and reports
// whether the daily cap is now exceeded. Counter failures are logged
// and treated as within budget: the shared counter is advisory and
// must not fail reviews on infrastructure trouble.
func (b *BudgetTracker) RecordUsage(ctx context.Context, tokens int) error {
	if b.counter == nil || tokens <= 0 {
		return nil
	}

	total, err := b.counter.Add(ctx, b.dailyKey(), int64(tokens))
	if err != nil {
		slog.Warn("daily usage counter update failed", "error", err)
		return nil
	}
	if b.dailyLimit > 0 && total > b.dailyLimit {
		return fmt.Errorf("%w: daily usage %d of %d", review.ErrBudgetExceeded, total, b.dailyLimit)
	}
	return nil
}

// DailyExceeded reports whether the daily cap is already spent, for
// the pre-round check. Counter read failures count as within budget.
func (b *BudgetTracker) DailyExceeded(ctx context.Context) bool {
	if b.counter == nil || b.dailyLimit <= 0 {
		return false
	}
	total, err := b.counter.Get(ctx, b.dailyKey())
	if err != nil {
		slog.Warn("daily usage counter read failed", "error", err)
		return false
	}
	return total > b.dailyLimit
}

func (b *BudgetTracker) dailyKey() string {
	return "usage:" + b.now().UTC().Format("2006-01-02")
}
