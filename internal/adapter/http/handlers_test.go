package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	qhttp "github.com/quorum-ai/quorum/internal/adapter/http"
	"github.com/quorum-ai/quorum/internal/config"
	"github.com/quorum-ai/quorum/internal/domain"
	"github.com/quorum-ai/quorum/internal/domain/review"
	"github.com/quorum-ai/quorum/internal/port/broadcast"
	"github.com/quorum-ai/quorum/internal/port/database"
	"github.com/quorum-ai/quorum/internal/port/gateway"
	"github.com/quorum-ai/quorum/internal/port/messagequeue"
	"github.com/quorum-ai/quorum/internal/resilience"
	"github.com/quorum-ai/quorum/internal/service"
)

// mockStore implements database.Store for handler tests.
type mockStore struct {
	reviews map[string]*review.Review
	records []review.ConversationRecord
	events  []review.StatusEvent
	facts   map[string]string
}

func newMockStore() *mockStore {
	return &mockStore{reviews: make(map[string]*review.Review), facts: make(map[string]string)}
}

func (m *mockStore) CreateReview(_ context.Context, r *review.Review) error {
	cp := *r
	m.reviews[r.ID] = &cp
	return nil
}

func (m *mockStore) GetReview(_ context.Context, id string) (*review.Review, error) {
	r, ok := m.reviews[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *mockStore) ListReviews(_ context.Context, limit int) ([]review.Review, error) {
	var out []review.Review
	for _, r := range m.reviews {
		if len(out) == limit {
			break
		}
		out = append(out, *r)
	}
	return out, nil
}

func (m *mockStore) UpdateReview(_ context.Context, id string, upd database.ReviewUpdate) error {
	r, ok := m.reviews[id]
	if !ok {
		return domain.ErrNotFound
	}
	if upd.Status != nil {
		r.Status = *upd.Status
	}
	if upd.CurrentRound != nil {
		r.CurrentRound = *upd.CurrentRound
	}
	return nil
}

func (m *mockStore) SaveFinalReport(_ context.Context, id string, report *review.FinalReport) error {
	r, ok := m.reviews[id]
	if !ok {
		return domain.ErrNotFound
	}
	cp := *report
	r.FinalReport = &cp
	return nil
}

func (m *mockStore) AppendRecord(_ context.Context, rec *review.ConversationRecord) error {
	m.records = append(m.records, *rec)
	return nil
}

func (m *mockStore) ListRecords(_ context.Context, reviewID string) ([]review.ConversationRecord, error) {
	var out []review.ConversationRecord
	for _, rec := range m.records {
		if rec.ReviewID == reviewID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *mockStore) LogEvent(_ context.Context, ev *review.StatusEvent) error {
	m.events = append(m.events, *ev)
	return nil
}

func (m *mockStore) ListEvents(_ context.Context, reviewID string) ([]review.StatusEvent, error) {
	var out []review.StatusEvent
	for _, ev := range m.events {
		if ev.ReviewID == reviewID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *mockStore) GetFact(_ context.Context, userID, key string) (string, error) {
	v, ok := m.facts[userID+"/"+key]
	if !ok {
		return "", domain.ErrNotFound
	}
	return v, nil
}

func (m *mockStore) SetFact(_ context.Context, userID, key, value string) error {
	m.facts[userID+"/"+key] = value
	return nil
}

// mockQueue implements messagequeue.Queue.
type mockQueue struct {
	mu       sync.Mutex
	messages []string
}

func (q *mockQueue) Publish(_ context.Context, subject string, _ []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, subject)
	return nil
}

func (q *mockQueue) published() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.messages...)
}

func (q *mockQueue) Subscribe(context.Context, string, messagequeue.Handler) (func(), error) {
	return func() {}, nil
}
func (q *mockQueue) Drain() error      { return nil }
func (q *mockQueue) Close() error      { return nil }
func (q *mockQueue) IsConnected() bool { return true }

// nullGateway returns empty results; handler tests never assert on
// provider behavior.
type nullGateway struct{}

func (nullGateway) Invoke(context.Context, gateway.Request) (*gateway.Result, error) {
	return &gateway.Result{Content: "{}"}, nil
}

func (nullGateway) StreamInvoke(context.Context, gateway.Request) (<-chan gateway.Chunk, error) {
	ch := make(chan gateway.Chunk)
	close(ch)
	return ch, nil
}

// nullHub drops every publish.
type nullHub struct{}

func (nullHub) Publish(context.Context, string, string, any, *broadcast.Meta) {}

type fixture struct {
	router *chi.Mux
	store  *mockStore
	queue  *mockQueue
}

func newFixture() *fixture {
	store := newMockStore()
	queue := &mockQueue{}
	cancels := service.NewCancelFlags()

	reviewCfg := config.Review{
		TotalRounds:     4,
		TokenBudget:     50000,
		DefaultStrategy: "default",
		Strategies: map[string][]config.Panelist{
			"default": {{Provider: "openai", Persona: "architect", Model: "openai/gpt-4o"}},
		},
	}
	gwCfg := config.Gateway{DefaultProvider: "openai", DefaultModel: "openai/gpt-4o"}

	h := &qhttp.Handlers{
		Reviews:  service.NewReviewService(store, queue, cancels, reviewCfg),
		Messages: service.NewMessagePipeline(nullGateway{}, store, queue, nullHub{}, nil, nil, gwCfg),
		Breakers: resilience.NewRegistry(3, time.Second),
	}

	r := chi.NewRouter()
	qhttp.MountRoutes(r, h)
	return &fixture{router: r, store: store, queue: queue}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) seedReview(status review.Status) *review.Review {
	rev := &review.Review{
		ID:          "rev-1",
		Topic:       "adopt feature flags",
		Status:      status,
		TotalRounds: 4,
		CreatedAt:   time.Now().UTC(),
	}
	_ = f.store.CreateReview(context.Background(), rev)
	return rev
}

func TestCreateReview(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPost, "/api/v1/reviews", `{"topic": "adopt feature flags"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var rev review.Review
	if err := json.Unmarshal(rec.Body.Bytes(), &rev); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if rev.ID == "" || rev.Status != review.StatusPending {
		t.Fatalf("unexpected review %+v", rev)
	}
	msgs := f.queue.published()
	if len(msgs) != 1 || msgs[0] != messagequeue.SubjectReviewExecute {
		t.Fatalf("expected execute task enqueued, got %v", msgs)
	}
}

func TestCreateReview_BadRequests(t *testing.T) {
	f := newFixture()

	cases := []struct {
		name string
		body string
	}{
		{"missing topic", `{}`},
		{"unknown strategy", `{"topic": "x", "strategy": "nope"}`},
		{"malformed json", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/v1/reviews", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestGetReview(t *testing.T) {
	f := newFixture()
	f.seedReview(review.StatusInProgress)

	rec := f.do(t, http.MethodGet, "/api/v1/reviews/rev-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "adopt feature flags") {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/api/v1/reviews/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListReviews_EmptyIsArray(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodGet, "/api/v1/reviews", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %s", rec.Body.String())
	}
}

func TestCancelReview(t *testing.T) {
	f := newFixture()
	f.seedReview(review.StatusInProgress)

	rec := f.do(t, http.MethodPost, "/api/v1/reviews/rev-1/cancel", `{"reason": "changed my mind"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/api/v1/reviews/missing/cancel", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCancelReview_Terminal(t *testing.T) {
	f := newFixture()
	f.seedReview(review.StatusCompleted)

	rec := f.do(t, http.MethodPost, "/api/v1/reviews/rev-1/cancel", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestReviewRecords(t *testing.T) {
	f := newFixture()
	f.seedReview(review.StatusCompleted)
	_ = f.store.AppendRecord(context.Background(), &review.ConversationRecord{
		ID:       "rec-1",
		ReviewID: "rev-1",
		Persona:  "architect",
		Round:    1,
		Content:  []byte(`{"position": "ship it"}`),
		At:       time.Now().UTC(),
	})

	rec := f.do(t, http.MethodGet, "/api/v1/reviews/rev-1/records", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var out []struct {
		Persona string `json:"persona"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(out) != 1 || out[0].Persona != "architect" {
		t.Fatalf("unexpected records %+v", out)
	}
	// Content comes back as text, not base64.
	if !strings.Contains(out[0].Content, "ship it") {
		t.Fatalf("unexpected content %q", out[0].Content)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/reviews/missing/records", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestReviewEvents(t *testing.T) {
	f := newFixture()
	f.seedReview(review.StatusInProgress)
	_ = f.store.LogEvent(context.Background(), &review.StatusEvent{
		ID:       "ev-1",
		ReviewID: "rev-1",
		Type:     "review.status",
		Payload:  []byte(`{"status": "in_progress"}`),
		At:       time.Now().UTC(),
	})

	rec := f.do(t, http.MethodGet, "/api/v1/reviews/rev-1/events", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"review.status"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestPostMessage(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPost, "/api/v1/messages", `{"user_id": "u1", "message": "what time is it?"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/api/v1/messages", `{"user_id": "u1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestBreakerStates(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodGet, "/api/v1/providers/breakers", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}
