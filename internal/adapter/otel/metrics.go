package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "quorum"

// Metrics holds all Quorum metric instruments.
type Metrics struct {
	ReviewsStarted   metric.Int64Counter
	ReviewsCompleted metric.Int64Counter
	ReviewsFailed    metric.Int64Counter
	RoundsExecuted   metric.Int64Counter
	PanelistFailures metric.Int64Counter
	Fallbacks        metric.Int64Counter
	BreakerOpens     metric.Int64Counter
	TokensUsed       metric.Int64Counter
	ReviewDuration   metric.Float64Histogram
	RoundDuration    metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.ReviewsStarted, err = meter.Int64Counter("quorum.reviews.started",
		metric.WithDescription("Number of reviews started"))
	if err != nil {
		return nil, err
	}

	m.ReviewsCompleted, err = meter.Int64Counter("quorum.reviews.completed",
		metric.WithDescription("Number of reviews completed"))
	if err != nil {
		return nil, err
	}

	m.ReviewsFailed, err = meter.Int64Counter("quorum.reviews.failed",
		metric.WithDescription("Number of reviews failed"))
	if err != nil {
		return nil, err
	}

	m.RoundsExecuted, err = meter.Int64Counter("quorum.rounds.executed",
		metric.WithDescription("Number of debate rounds executed"))
	if err != nil {
		return nil, err
	}

	m.PanelistFailures, err = meter.Int64Counter("quorum.panelist.failures",
		metric.WithDescription("Number of panelist turns that produced no valid output"))
	if err != nil {
		return nil, err
	}

	m.Fallbacks, err = meter.Int64Counter("quorum.panelist.fallbacks",
		metric.WithDescription("Number of panelist turns retried on the default provider"))
	if err != nil {
		return nil, err
	}

	m.BreakerOpens, err = meter.Int64Counter("quorum.breaker.opens",
		metric.WithDescription("Number of circuit breaker open transitions"))
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("quorum.tokens.used",
		metric.WithDescription("Total tokens consumed by provider calls"))
	if err != nil {
		return nil, err
	}

	m.ReviewDuration, err = meter.Float64Histogram("quorum.review.duration_seconds",
		metric.WithDescription("Review duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.RoundDuration, err = meter.Float64Histogram("quorum.round.duration_seconds",
		metric.WithDescription("Round duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
