package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/quorum-ai/quorum/internal/adapter/ws"
	"github.com/quorum-ai/quorum/internal/port/gateway"
	"github.com/quorum-ai/quorum/internal/port/messagequeue"
	"github.com/quorum-ai/quorum/internal/port/retrieval"
)

func newTestPipeline(gw *mockGateway, store *memStore, q *mockQueue, hub *mockHub, gen retrieval.Generator) *MessagePipeline {
	if gw == nil {
		gw = &mockGateway{invoke: func(gateway.Request) (*gateway.Result, error) {
			return nil, errors.New("no classification configured")
		}}
	}
	m := NewMessagePipeline(gw, store, q, hub, gen, nil, testGatewayCfg())
	m.classify = false
	return m
}

// memCache is a map-backed cache for fact read-through tests.
type memCache struct {
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: map[string][]byte{}} }

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.data[key] = value
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	delete(c.data, key)
	return nil
}

func chunks(hub *mockHub, userID string) []ws.MessageChunkEvent {
	var out []ws.MessageChunkEvent
	for _, ev := range hub.byType(ws.EventMessageChunk) {
		if ev.channel == "user:"+userID {
			out = append(out, ev.payload.(ws.MessageChunkEvent))
		}
	}
	return out
}

func TestHandle_TimeIntent(t *testing.T) {
	hub := &mockHub{}
	q := newMockQueue()
	m := newTestPipeline(nil, newMemStore(), q, hub, nil)

	if err := m.Handle(context.Background(), "u1", "what time is it?"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got := chunks(hub, "u1")
	if len(got) != 1 || !got[0].Done {
		t.Fatalf("expected single done chunk, got %+v", got)
	}
	if !strings.HasPrefix(got[0].Content, "It is ") {
		t.Fatalf("unexpected time answer %q", got[0].Content)
	}

	// Quick intents still schedule a background context refresh.
	m.WaitBackground()
	subject := messagequeue.SubjectForPriority(messagequeue.SubjectContextRefresh, messagequeue.PriorityLow)
	if msgs := q.bySubject(subject); len(msgs) != 1 {
		t.Fatalf("expected context refresh scheduled, got %d messages", len(msgs))
	}
}

func TestHandle_FactSetAndGet(t *testing.T) {
	hub := &mockHub{}
	store := newMemStore()
	m := newTestPipeline(nil, store, newMockQueue(), hub, nil)

	if err := m.Handle(context.Background(), "u1", "remember that my favorite language is Go"); err != nil {
		t.Fatalf("handle set: %v", err)
	}
	if v := store.facts["u1/favorite_language"]; v != "go" {
		t.Fatalf("expected stored fact, got %q", v)
	}

	if err := m.Handle(context.Background(), "u1", "recall my favorite language"); err != nil {
		t.Fatalf("handle get: %v", err)
	}
	got := chunks(hub, "u1")
	if len(got) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(got))
	}
	if got[1].Content != "go" {
		t.Fatalf("expected recalled value, got %q", got[1].Content)
	}
}

func TestHandle_FactCacheReadThrough(t *testing.T) {
	hub := &mockHub{}
	store := newMemStore()
	c := newMemCache()
	m := newTestPipeline(nil, store, newMockQueue(), hub, nil)
	m.cache = c

	if err := m.Handle(context.Background(), "u1", "remember that my favorite language is Go"); err != nil {
		t.Fatalf("handle set: %v", err)
	}
	cached, ok := c.data["fact:u1:favorite_language"]
	if !ok {
		t.Fatal("fact write did not populate the cache")
	}

	// Serve the recall from cache even if the store loses the row.
	delete(store.facts, "u1/favorite_language")
	if err := m.Handle(context.Background(), "u1", "recall my favorite language"); err != nil {
		t.Fatalf("handle get: %v", err)
	}
	got := chunks(hub, "u1")
	if len(got) != 2 || got[1].Content != string(cached) {
		t.Fatalf("expected cached value %q, got %+v", cached, got)
	}
}

func TestHandle_FactGetMissing(t *testing.T) {
	hub := &mockHub{}
	m := newTestPipeline(nil, newMemStore(), newMockQueue(), hub, nil)

	if err := m.Handle(context.Background(), "u1", "recall my shoe size"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got := chunks(hub, "u1")
	if len(got) != 1 || !strings.Contains(got[0].Content, "don't have anything stored") {
		t.Fatalf("expected missing-fact answer, got %+v", got)
	}
}

func TestHandle_StreamsGeneratorAnswer(t *testing.T) {
	hub := &mockHub{}
	q := newMockQueue()
	gen := &mockGenerator{chunks: []retrieval.Chunk{
		{Content: "Goroutines "},
		{Content: "are cheap.", Done: true},
	}}
	m := newTestPipeline(nil, newMemStore(), q, hub, gen)

	if err := m.Handle(context.Background(), "u1", "explain goroutines"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got := chunks(hub, "u1")
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(got))
	}
	if got[0].Content != "Goroutines " || got[0].Done {
		t.Fatalf("unexpected first chunk %+v", got[0])
	}
	if got[1].Content != "are cheap." || !got[1].Done {
		t.Fatalf("unexpected final chunk %+v", got[1])
	}

	// Free-form messages schedule fact extraction in the background.
	m.WaitBackground()
	subject := messagequeue.SubjectForPriority(messagequeue.SubjectFactExtract, messagequeue.PriorityLow)
	msgs := q.bySubject(subject)
	if len(msgs) != 1 {
		t.Fatalf("expected fact extraction scheduled, got %d messages", len(msgs))
	}
	var payload messagequeue.FactExtractPayload
	if err := json.Unmarshal(msgs[0].data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.UserID != "u1" || payload.Message != "explain goroutines" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestHandle_NoGeneratorConfigured(t *testing.T) {
	hub := &mockHub{}
	m := newTestPipeline(nil, newMemStore(), newMockQueue(), hub, nil)

	if err := m.Handle(context.Background(), "u1", "explain goroutines"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got := chunks(hub, "u1")
	if len(got) != 1 || !got[0].Done {
		t.Fatalf("expected single fallback chunk, got %+v", got)
	}
}

func TestResolveIntent_LLMUpgrade(t *testing.T) {
	gw := &mockGateway{invoke: func(gateway.Request) (*gateway.Result, error) {
		return &gateway.Result{Content: `{"kind": "time"}`}, nil
	}}
	hub := &mockHub{}
	m := newTestPipeline(gw, newMemStore(), newMockQueue(), hub, nil)
	m.classify = true

	// No keyword trigger; the classifier upgrades to a quick intent.
	if err := m.Handle(context.Background(), "u1", "tell me the hour please"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got := chunks(hub, "u1")
	if len(got) != 1 || !strings.HasPrefix(got[0].Content, "It is ") {
		t.Fatalf("expected time answer via classifier, got %+v", got)
	}
}

func TestResolveIntent_ClassifierFailureFallsBack(t *testing.T) {
	gw := &mockGateway{invoke: func(gateway.Request) (*gateway.Result, error) {
		return nil, errors.New("gateway down")
	}}
	hub := &mockHub{}
	m := newTestPipeline(gw, newMemStore(), newMockQueue(), hub, nil)
	m.classify = true

	// Keyword rules still answer when the classifier is unavailable.
	if err := m.Handle(context.Background(), "u1", "what time is it?"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got := chunks(hub, "u1")
	if len(got) != 1 || !strings.HasPrefix(got[0].Content, "It is ") {
		t.Fatalf("expected keyword fallback answer, got %+v", got)
	}
}

func TestResolveIntent_InvalidClassifierKindIgnored(t *testing.T) {
	gw := &mockGateway{invoke: func(gateway.Request) (*gateway.Result, error) {
		return &gateway.Result{Content: `{"kind": "launch_missiles"}`}, nil
	}}
	hub := &mockHub{}
	m := newTestPipeline(gw, newMemStore(), newMockQueue(), hub, nil)
	m.classify = true

	if err := m.Handle(context.Background(), "u1", "what time is it?"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got := chunks(hub, "u1")
	if len(got) != 1 || !strings.HasPrefix(got[0].Content, "It is ") {
		t.Fatalf("expected keyword result kept, got %+v", got)
	}
}

func TestSplitFact(t *testing.T) {
	key, value := splitFact("my favorite language is go")
	if key != "favorite_language" || value != "go" {
		t.Fatalf("got key=%q value=%q", key, value)
	}

	key, value = splitFact("deadline friday")
	if key != "deadline_friday" || value != "deadline friday" {
		t.Fatalf("got key=%q value=%q", key, value)
	}
}

func TestHandle_FailingQueueDoesNotDelayReply(t *testing.T) {
	hub := &mockHub{}
	q := newMockQueue()
	q.publishErr = errors.New("nats down")
	m := newTestPipeline(nil, newMemStore(), q, hub, nil)

	// The background publish retries with backoff on failure; none of
	// that may hold up the user-facing reply.
	start := time.Now()
	if err := m.Handle(context.Background(), "u1", "what time is it?"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("handle blocked on background publish for %v", elapsed)
	}

	if got := chunks(hub, "u1"); len(got) != 1 || !got[0].Done {
		t.Fatalf("expected single done chunk, got %+v", got)
	}

	m.WaitBackground()
	if len(q.messages) != 0 {
		t.Fatalf("expected no successful publishes, got %d", len(q.messages))
	}
}
