package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/quorum-ai/quorum/internal/config"
	"github.com/quorum-ai/quorum/internal/domain"
	"github.com/quorum-ai/quorum/internal/domain/review"
	"github.com/quorum-ai/quorum/internal/port/broadcast"
	"github.com/quorum-ai/quorum/internal/port/database"
	"github.com/quorum-ai/quorum/internal/port/gateway"
	"github.com/quorum-ai/quorum/internal/port/messagequeue"
	"github.com/quorum-ai/quorum/internal/port/retrieval"
	"github.com/quorum-ai/quorum/internal/resilience"
)

// mockGateway scripts Invoke via a response function and records every
// request it receives.
type mockGateway struct {
	mu     sync.Mutex
	calls  []gateway.Request
	invoke func(req gateway.Request) (*gateway.Result, error)
	stream func(req gateway.Request) (<-chan gateway.Chunk, error)
}

func (g *mockGateway) Invoke(_ context.Context, req gateway.Request) (*gateway.Result, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	g.mu.Unlock()
	return g.invoke(req)
}

func (g *mockGateway) StreamInvoke(_ context.Context, req gateway.Request) (<-chan gateway.Chunk, error) {
	if g.stream == nil {
		ch := make(chan gateway.Chunk)
		close(ch)
		return ch, nil
	}
	return g.stream(req)
}

// requests returns a snapshot of recorded requests.
func (g *mockGateway) requests() []gateway.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gateway.Request(nil), g.calls...)
}

// callsForModel counts recorded requests against one model.
func (g *mockGateway) callsForModel(model string) int {
	n := 0
	for _, r := range g.requests() {
		if r.Model == model {
			n++
		}
	}
	return n
}

// roundOf extracts the round number from a panelist prompt, 0 for the
// report prompt.
func roundOf(req gateway.Request) int {
	for r := 1; r <= 4; r++ {
		if strings.Contains(req.UserPrompt, fmt.Sprintf("(round %d of", r)) {
			return r
		}
	}
	return 0
}

func analysisJSON(noNew bool) string {
	return fmt.Sprintf(`{"position": "ship it", "key_arguments": ["fast", "simple"], "risks": ["rollback cost"], "no_new_arguments": %t}`, noNew)
}

func rebuttalJSON(noNew bool) string {
	return fmt.Sprintf(`{"agreements": ["speed matters"], "disagreements": ["risk is underrated"], "rebuttals": [], "revised_view": "ship behind a flag", "no_new_arguments": %t}`, noNew)
}

func synthesisJSON(noNew bool) string {
	return fmt.Sprintf(`{"consensus_points": ["flag rollout"], "open_points": [], "proposal": "ship behind a flag this week", "no_new_arguments": %t}`, noNew)
}

func resolutionJSON(noNew bool) string {
	return fmt.Sprintf(`{"final_position": "ship behind a flag", "concessions": ["staged rollout"], "held_positions": [], "no_new_arguments": %t}`, noNew)
}

func roundJSON(round int, noNew bool) string {
	switch round {
	case review.RoundInitialAnalysis:
		return analysisJSON(noNew)
	case review.RoundRebuttal:
		return rebuttalJSON(noNew)
	case review.RoundSynthesis:
		return synthesisJSON(noNew)
	default:
		return resolutionJSON(noNew)
	}
}

const reportJSON = `{"executive_summary": "The panel agreed to ship behind a flag.", "strongest_consensus": ["flag rollout"], "remaining_disagreements": [], "recommendations": ["ship this week"]}`

// scriptedGateway answers every panelist call with a valid output for
// its round and every report call with a valid report. noNewFrom marks
// the first round whose outputs all set no_new_arguments.
func scriptedGateway(noNewFrom int, tokensPerCall int) *mockGateway {
	g := &mockGateway{}
	g.invoke = func(req gateway.Request) (*gateway.Result, error) {
		usage := gateway.Usage{TotalTokens: tokensPerCall}
		round := roundOf(req)
		if round == 0 {
			return &gateway.Result{Content: reportJSON, Usage: usage}, nil
		}
		noNew := noNewFrom > 0 && round >= noNewFrom
		return &gateway.Result{Content: roundJSON(round, noNew), Usage: usage}, nil
	}
	return g
}

// memStore is an in-memory database.Store.
type memStore struct {
	mu      sync.Mutex
	reviews map[string]*review.Review
	records []review.ConversationRecord
	events  []review.StatusEvent
	facts   map[string]string

	createErr     error
	saveReportErr error
	setFactErr    error
}

func newMemStore() *memStore {
	return &memStore{
		reviews: make(map[string]*review.Review),
		facts:   make(map[string]string),
	}
}

func (s *memStore) CreateReview(_ context.Context, r *review.Review) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.reviews[r.ID] = &cp
	return nil
}

func (s *memStore) GetReview(_ context.Context, id string) (*review.Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reviews[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) ListReviews(_ context.Context, limit int) ([]review.Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []review.Review
	for _, r := range s.reviews {
		if len(out) == limit {
			break
		}
		out = append(out, *r)
	}
	return out, nil
}

func (s *memStore) UpdateReview(_ context.Context, id string, upd database.ReviewUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reviews[id]
	if !ok {
		return domain.ErrNotFound
	}
	if upd.Status != nil {
		r.Status = *upd.Status
	}
	if upd.CurrentRound != nil {
		r.CurrentRound = *upd.CurrentRound
	}
	if upd.Completed {
		now := time.Now().UTC()
		r.CompletedAt = &now
	}
	return nil
}

func (s *memStore) SaveFinalReport(_ context.Context, id string, report *review.FinalReport) error {
	if s.saveReportErr != nil {
		return s.saveReportErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reviews[id]
	if !ok {
		return domain.ErrNotFound
	}
	cp := *report
	r.FinalReport = &cp
	return nil
}

func (s *memStore) AppendRecord(_ context.Context, rec *review.ConversationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, *rec)
	return nil
}

func (s *memStore) ListRecords(_ context.Context, reviewID string) ([]review.ConversationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []review.ConversationRecord
	for _, rec := range s.records {
		if rec.ReviewID == reviewID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memStore) LogEvent(_ context.Context, ev *review.StatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
	return nil
}

func (s *memStore) ListEvents(_ context.Context, reviewID string) ([]review.StatusEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []review.StatusEvent
	for _, ev := range s.events {
		if ev.ReviewID == reviewID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *memStore) GetFact(_ context.Context, userID, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.facts[userID+"/"+key]
	if !ok {
		return "", domain.ErrNotFound
	}
	return v, nil
}

func (s *memStore) SetFact(_ context.Context, userID, key, value string) error {
	if s.setFactErr != nil {
		return s.setFactErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts[userID+"/"+key] = value
	return nil
}

// hubEvent is one recorded broadcast.
type hubEvent struct {
	channel   string
	eventType string
	payload   any
	meta      *broadcast.Meta
}

// mockHub records every publish.
type mockHub struct {
	mu     sync.Mutex
	events []hubEvent
}

func (h *mockHub) Publish(_ context.Context, channel, eventType string, payload any, meta *broadcast.Meta) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, hubEvent{channel, eventType, payload, meta})
}

func (h *mockHub) byType(eventType string) []hubEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []hubEvent
	for _, ev := range h.events {
		if ev.eventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// published is one recorded queue message.
type published struct {
	subject string
	data    []byte
}

// mockQueue records publishes and registered handlers.
type mockQueue struct {
	mu         sync.Mutex
	messages   []published
	handlers   map[string]messagequeue.Handler
	publishErr error
}

func newMockQueue() *mockQueue {
	return &mockQueue{handlers: make(map[string]messagequeue.Handler)}
}

func (q *mockQueue) Publish(_ context.Context, subject string, data []byte) error {
	if q.publishErr != nil {
		return q.publishErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, published{subject, data})
	return nil
}

func (q *mockQueue) Subscribe(_ context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[subject] = handler
	return func() {}, nil
}

func (q *mockQueue) Drain() error      { return nil }
func (q *mockQueue) Close() error      { return nil }
func (q *mockQueue) IsConnected() bool { return true }

func (q *mockQueue) bySubject(subject string) []published {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []published
	for _, m := range q.messages {
		if m.subject == subject {
			out = append(out, m)
		}
	}
	return out
}

// mockCounter is an in-memory cache.Counter.
type mockCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	addErr error
}

func newMockCounter() *mockCounter {
	return &mockCounter{counts: make(map[string]int64)}
}

func (c *mockCounter) Add(_ context.Context, key string, delta int64) (int64, error) {
	if c.addErr != nil {
		return 0, c.addErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key] += delta
	return c.counts[key], nil
}

func (c *mockCounter) Get(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key], nil
}

// mockGenerator streams a fixed sequence of chunks.
type mockGenerator struct {
	chunks []retrieval.Chunk
	err    error
	called bool
}

func (g *mockGenerator) Generate(_ context.Context, _, _ string) (<-chan retrieval.Chunk, error) {
	g.called = true
	if g.err != nil {
		return nil, g.err
	}
	ch := make(chan retrieval.Chunk, len(g.chunks))
	for _, c := range g.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func testGatewayCfg() config.Gateway {
	return config.Gateway{
		DefaultProvider: "openai",
		DefaultModel:    "openai/gpt-4o",
		Timeout:         time.Second,
	}
}

// newTestRunner wires a PanelRunner with fast retry backoff and no
// daily cap unless a counter is supplied.
func newTestRunner(gw gateway.Gateway, store database.Store, hub broadcast.Broadcaster,
	budget *BudgetTracker, cancels *CancelFlags) *PanelRunner {
	if budget == nil {
		budget = NewBudgetTracker(nil, 0)
	}
	if cancels == nil {
		cancels = NewCancelFlags()
	}
	registry := resilience.NewRegistry(5, time.Second)
	retry := resilience.NewRetryManager(registry, time.Millisecond, 2*time.Millisecond)
	return NewPanelRunner(gw, retry, store, hub, budget, cancels, nil, testGatewayCfg())
}

func testPanel() []review.PanelistConfig {
	return []review.PanelistConfig{
		{Provider: "openai", Persona: "architect", Model: "openai/gpt-4o", Timeout: time.Second},
		{Provider: "claude", Persona: "skeptic", Model: "anthropic/claude-sonnet", Timeout: time.Second},
	}
}

func testReview(budget int) *review.Review {
	return &review.Review{
		ID:          "rev-1",
		Topic:       "adopt the new deploy pipeline",
		Status:      review.StatusPending,
		TotalRounds: review.DefaultTotalRounds,
		TokenBudget: budget,
		CreatedAt:   time.Now().UTC(),
	}
}
