// Package service implements the review engine's business logic: the
// review lifecycle, the panel debate pipeline, report generation, the
// message pipeline, and the queue worker that executes them.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quorum-ai/quorum/internal/config"
	"github.com/quorum-ai/quorum/internal/domain/review"
	"github.com/quorum-ai/quorum/internal/port/database"
	"github.com/quorum-ai/quorum/internal/port/messagequeue"
)

// ReviewService handles review lifecycle: creation, lookup,
// cancellation, and dispatch of execution tasks to the queue.
type ReviewService struct {
	store   database.Store
	queue   messagequeue.Queue
	cancels *CancelFlags
	cfg     config.Review

	now func() time.Time
}

// NewReviewService creates a new ReviewService.
func NewReviewService(store database.Store, queue messagequeue.Queue, cancels *CancelFlags, cfg config.Review) *ReviewService {
	return &ReviewService{
		store:   store,
		queue:   queue,
		cancels: cancels,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Create validates the request, persists a pending review, and
// enqueues its execution task.
func (s *ReviewService) Create(ctx context.Context, req review.CreateRequest) (*review.Review, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = s.cfg.DefaultStrategy
	}
	if _, err := s.Panel(strategy); err != nil {
		return nil, err
	}

	budget := req.TokenBudget
	if budget == 0 {
		budget = s.cfg.TokenBudget
	}

	r := &review.Review{
		ID:          uuid.New().String(),
		Topic:       req.Topic,
		Instruction: req.Instruction,
		Status:      review.StatusPending,
		TotalRounds: s.cfg.TotalRounds,
		TokenBudget: budget,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.CreateReview(ctx, r); err != nil {
		return nil, fmt.Errorf("create review: %w", err)
	}

	payload, err := json.Marshal(messagequeue.ReviewExecutePayload{
		ReviewID: r.ID,
		Strategy: strategy,
	})
	if err != nil {
		return r, fmt.Errorf("marshal execute payload: %w", err)
	}

	if err := s.queue.Publish(ctx, messagequeue.SubjectReviewExecute, payload); err != nil {
		// Review is saved, so we return it even if queue publish fails.
		// The task can be re-dispatched later.
		slog.Error("failed to publish review execution", "review_id", r.ID, "error", err)
	}

	return r, nil
}

// Get returns a review by ID.
func (s *ReviewService) Get(ctx context.Context, id string) (*review.Review, error) {
	return s.store.GetReview(ctx, id)
}

// List returns the most recent reviews.
func (s *ReviewService) List(ctx context.Context, limit int) ([]review.Review, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListReviews(ctx, limit)
}

// Records returns the review's conversation transcript in order.
func (s *ReviewService) Records(ctx context.Context, id string) ([]review.ConversationRecord, error) {
	if _, err := s.store.GetReview(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListRecords(ctx, id)
}

// Events returns the review's persisted status history in order.
func (s *ReviewService) Events(ctx context.Context, id string) ([]review.StatusEvent, error) {
	if _, err := s.store.GetReview(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, id)
}

// Cancel flags a review as cancelled locally and broadcasts the
// cancellation on the queue so every worker instance learns about it.
// Terminal reviews are left untouched.
func (s *ReviewService) Cancel(ctx context.Context, id, reason string) error {
	r, err := s.store.GetReview(ctx, id)
	if err != nil {
		return err
	}
	if r.Status.Terminal() {
		return fmt.Errorf("review %s is already %s", id, r.Status)
	}

	s.cancels.Set(id)

	payload, err := json.Marshal(messagequeue.ReviewCancelPayload{ReviewID: id, Reason: reason})
	if err != nil {
		return fmt.Errorf("marshal cancel payload: %w", err)
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectReviewCancel, payload); err != nil {
		slog.Error("failed to publish review cancellation", "review_id", id, "error", err)
	}
	return nil
}

// Panel resolves a strategy name into its panelist configs.
func (s *ReviewService) Panel(strategy string) ([]review.PanelistConfig, error) {
	panelists, ok := s.cfg.Strategies[strategy]
	if !ok {
		return nil, fmt.Errorf("unknown review strategy %q", strategy)
	}

	configs := make([]review.PanelistConfig, len(panelists))
	for i, p := range panelists {
		configs[i] = review.PanelistConfig{
			Provider:     p.Provider,
			Persona:      p.Persona,
			Model:        p.Model,
			SystemPrompt: p.SystemPrompt,
			Timeout:      p.Timeout,
			MaxRetries:   p.MaxRetries,
		}
	}
	return configs, nil
}
