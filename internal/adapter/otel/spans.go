package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "quorum"

// StartReviewSpan starts a span covering one full review execution.
func StartReviewSpan(ctx context.Context, reviewID, strategy string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "review",
		trace.WithAttributes(
			attribute.String("review.id", reviewID),
			attribute.String("review.strategy", strategy),
		),
	)
}

// StartRoundSpan starts a span for one debate round within a review.
func StartRoundSpan(ctx context.Context, reviewID string, round int, stage string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "round",
		trace.WithAttributes(
			attribute.String("review.id", reviewID),
			attribute.Int("round.number", round),
			attribute.String("round.stage", stage),
		),
	)
}

// StartPanelistSpan starts a span for one panelist turn.
func StartPanelistSpan(ctx context.Context, persona, providerName, model string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "panelist",
		trace.WithAttributes(
			attribute.String("panelist.persona", persona),
			attribute.String("panelist.provider", providerName),
			attribute.String("panelist.model", model),
		),
	)
}

// StartReportSpan starts a span for final report generation.
func StartReportSpan(ctx context.Context, reviewID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "report",
		trace.WithAttributes(
			attribute.String("review.id", reviewID),
		),
	)
}
