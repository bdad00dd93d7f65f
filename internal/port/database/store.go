// Package database defines the review store port (interface).
package database

import (
	"context"

	"github.com/quorum-ai/quorum/internal/domain/review"
)

// ReviewUpdate holds the mutable review fields for a partial update.
// Nil fields are left unchanged.
type ReviewUpdate struct {
	Status       *review.Status
	CurrentRound *int
	Completed    bool // sets completed_at to now
}

// Store is the port interface for review persistence. Failures here
// are logged by callers and never fatal to in-memory pipeline progress.
type Store interface {
	// Reviews
	CreateReview(ctx context.Context, r *review.Review) error
	GetReview(ctx context.Context, id string) (*review.Review, error)
	ListReviews(ctx context.Context, limit int) ([]review.Review, error)
	UpdateReview(ctx context.Context, id string, upd ReviewUpdate) error
	SaveFinalReport(ctx context.Context, id string, report *review.FinalReport) error

	// Conversation records (panelist turns, report digest)
	AppendRecord(ctx context.Context, rec *review.ConversationRecord) error
	ListRecords(ctx context.Context, reviewID string) ([]review.ConversationRecord, error)

	// Status history (ordered event log, replayed to late subscribers)
	LogEvent(ctx context.Context, ev *review.StatusEvent) error
	ListEvents(ctx context.Context, reviewID string) ([]review.StatusEvent, error)

	// Stored facts for the message pipeline
	GetFact(ctx context.Context, userID, key string) (string, error)
	SetFact(ctx context.Context, userID, key, value string) error
}
