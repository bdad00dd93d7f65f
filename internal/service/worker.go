package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/quorum-ai/quorum/internal/config"
	"github.com/quorum-ai/quorum/internal/port/cache"
	"github.com/quorum-ai/quorum/internal/port/database"
	"github.com/quorum-ai/quorum/internal/port/gateway"
	"github.com/quorum-ai/quorum/internal/port/messagequeue"
)

// Worker consumes queue subjects and executes review and background
// tasks. It guarantees at most one active execution per review ID in
// this process and bounds total concurrency with a semaphore.
type Worker struct {
	queue   messagequeue.Queue
	runner  *PanelRunner
	reviews *ReviewService
	cancels *CancelFlags
	store   database.Store
	gw      gateway.Gateway
	cache   cache.Cache
	gwCfg   config.Gateway

	sem    *semaphore.Weighted
	mu     sync.Mutex
	active map[string]struct{}

	taskRetries int
	backoff     time.Duration
	sleep       func(ctx context.Context, d time.Duration) error // for testing

	stops []func()
}

// NewWorker creates a worker.
func NewWorker(queue messagequeue.Queue, runner *PanelRunner, reviews *ReviewService,
	cancels *CancelFlags, store database.Store, gw gateway.Gateway, c cache.Cache,
	gwCfg config.Gateway, reviewCfg config.Review, workerCfg config.Worker) *Worker {
	return &Worker{
		queue:       queue,
		runner:      runner,
		reviews:     reviews,
		cancels:     cancels,
		store:       store,
		gw:          gw,
		cache:       c,
		gwCfg:       gwCfg,
		sem:         semaphore.NewWeighted(workerCfg.MaxConcurrentReviews),
		active:      make(map[string]struct{}),
		taskRetries: reviewCfg.TaskRetries,
		backoff:     reviewCfg.TaskRetryBackoff,
		sleep:       sleepCtx,
	}
}

// Start subscribes to all worker subjects, including the priority
// variants of each task subject.
func (w *Worker) Start(ctx context.Context) error {
	subs := []struct {
		subject string
		handler messagequeue.Handler
	}{
		{messagequeue.SubjectReviewExecute, w.handleExecute},
		{messagequeue.SubjectForPriority(messagequeue.SubjectReviewExecute, messagequeue.PriorityHigh), w.handleExecute},
		{messagequeue.SubjectForPriority(messagequeue.SubjectReviewExecute, messagequeue.PriorityLow), w.handleExecute},
		{messagequeue.SubjectReviewCancel, w.handleCancel},
		{messagequeue.SubjectFactExtract, w.handleFactExtract},
		{messagequeue.SubjectForPriority(messagequeue.SubjectFactExtract, messagequeue.PriorityLow), w.handleFactExtract},
		{messagequeue.SubjectContextRefresh, w.handleContextRefresh},
		{messagequeue.SubjectForPriority(messagequeue.SubjectContextRefresh, messagequeue.PriorityLow), w.handleContextRefresh},
	}

	for _, s := range subs {
		stop, err := w.queue.Subscribe(ctx, s.subject, s.handler)
		if err != nil {
			w.Stop()
			return fmt.Errorf("subscribe %s: %w", s.subject, err)
		}
		w.stops = append(w.stops, stop)
	}

	slog.Info("worker started", "subjects", len(subs))
	return nil
}

// Stop cancels all subscriptions.
func (w *Worker) Stop() {
	for _, stop := range w.stops {
		stop()
	}
	w.stops = nil
}

// handleExecute runs one review task. Duplicate deliveries for a
// review that is already executing are dropped; the queue's
// at-least-once delivery makes that safe.
func (w *Worker) handleExecute(ctx context.Context, _ string, data []byte) error {
	var payload messagequeue.ReviewExecutePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode execute payload: %w", err)
	}
	if payload.ReviewID == "" {
		return fmt.Errorf("execute payload missing review_id")
	}

	if !w.tryAcquire(payload.ReviewID) {
		slog.Warn("duplicate execution dropped", "review_id", payload.ReviewID)
		return nil
	}
	defer w.release(payload.ReviewID)

	if err := w.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer w.sem.Release(1)

	rev, err := w.store.GetReview(ctx, payload.ReviewID)
	if err != nil {
		return fmt.Errorf("load review %s: %w", payload.ReviewID, err)
	}
	if rev.Status.Terminal() {
		slog.Info("skipping terminal review", "review_id", rev.ID, "status", rev.Status)
		return nil
	}

	strategy := payload.Strategy
	panel, err := w.reviews.Panel(strategy)
	if err != nil {
		panel, err = w.reviews.Panel(w.reviews.cfg.DefaultStrategy)
		if err != nil {
			return err
		}
	}

	// Task-level retry covers infrastructure failures only; business
	// outcomes (failed, cancelled) are absorbed by the runner.
	var lastErr error
	for attempt := 0; attempt <= w.taskRetries; attempt++ {
		if attempt > 0 {
			if err := w.sleep(ctx, w.backoff); err != nil {
				return err
			}
			slog.Warn("retrying review execution", "review_id", rev.ID, "attempt", attempt, "error", lastErr)
		}
		if lastErr = w.runner.Execute(ctx, rev, panel); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("review %s execution: %w", rev.ID, lastErr)
}

func (w *Worker) handleCancel(ctx context.Context, _ string, data []byte) error {
	var payload messagequeue.ReviewCancelPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode cancel payload: %w", err)
	}
	if payload.ReviewID == "" {
		return fmt.Errorf("cancel payload missing review_id")
	}

	w.cancels.Set(payload.ReviewID)
	slog.Info("review cancellation flagged", "review_id", payload.ReviewID, "reason", payload.Reason)
	return nil
}

// handleFactExtract asks the default model to pull durable facts out
// of a message and stores them. Returning an error requeues the task;
// the queue bounds retries before dead-lettering.
func (w *Worker) handleFactExtract(ctx context.Context, _ string, data []byte) error {
	var payload messagequeue.FactExtractPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode fact payload: %w", err)
	}

	res, err := w.gw.Invoke(ctx, gateway.Request{
		Model:        w.gwCfg.DefaultModel,
		SystemPrompt: `Extract durable personal facts from the message. Respond with JSON {"facts": [{"key": string, "value": string}]}. Return an empty list when there is nothing worth remembering.`,
		UserPrompt:   payload.Message,
		RequestID:    uuid.New().String(),
		Format:       gateway.FormatJSON,
	})
	if err != nil {
		return fmt.Errorf("fact extraction call: %w", err)
	}

	var parsed struct {
		Facts []struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		} `json:"facts"`
	}
	if err := json.Unmarshal([]byte(res.Content), &parsed); err != nil {
		return fmt.Errorf("decode extracted facts: %w", err)
	}

	for _, f := range parsed.Facts {
		if f.Key == "" || f.Value == "" {
			continue
		}
		if err := w.store.SetFact(ctx, payload.UserID, f.Key, f.Value); err != nil {
			return fmt.Errorf("store extracted fact: %w", err)
		}
	}
	return nil
}

// handleContextRefresh drops the cached conversation context so the
// next generation rebuilds it from fresh state.
func (w *Worker) handleContextRefresh(ctx context.Context, _ string, data []byte) error {
	var payload messagequeue.ContextRefreshPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode context payload: %w", err)
	}
	if w.cache == nil {
		return nil
	}
	if err := w.cache.Delete(ctx, "context:"+payload.ConversationID); err != nil {
		return fmt.Errorf("invalidate context cache: %w", err)
	}
	return nil
}

func (w *Worker) tryAcquire(reviewID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, busy := w.active[reviewID]; busy {
		return false
	}
	w.active[reviewID] = struct{}{}
	return true
}

func (w *Worker) release(reviewID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.active, reviewID)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
