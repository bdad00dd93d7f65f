package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quorum-ai/quorum/internal/adapter/ws"
	"github.com/quorum-ai/quorum/internal/config"
	"github.com/quorum-ai/quorum/internal/domain"
	"github.com/quorum-ai/quorum/internal/domain/intent"
	"github.com/quorum-ai/quorum/internal/port/broadcast"
	"github.com/quorum-ai/quorum/internal/port/cache"
	"github.com/quorum-ai/quorum/internal/port/database"
	"github.com/quorum-ai/quorum/internal/port/gateway"
	"github.com/quorum-ai/quorum/internal/port/messagequeue"
	"github.com/quorum-ai/quorum/internal/port/retrieval"
)

// factCacheTTL bounds staleness of cached stored facts. Context
// refresh and fact writes update the cache directly, so the TTL only
// covers out-of-band database changes.
const factCacheTTL = 15 * time.Minute

// MessagePipeline orchestrates chat messages: deterministic quick
// intents are answered immediately, everything else falls through to
// retrieval-augmented generation. Responses stream as chunks on the
// user's channel.
type MessagePipeline struct {
	gw       gateway.Gateway
	store    database.Store
	queue    messagequeue.Queue
	hub      broadcast.Broadcaster
	gen      retrieval.Generator // may be nil when RAG is not deployed
	cache    cache.Cache         // optional read-through cache for stored facts
	gwCfg    config.Gateway
	classify bool // LLM classification upgrade on top of keyword rules

	bg  sync.WaitGroup // in-flight background publishes
	now func() time.Time
}

// NewMessagePipeline creates a message pipeline.
func NewMessagePipeline(gw gateway.Gateway, store database.Store, queue messagequeue.Queue,
	hub broadcast.Broadcaster, gen retrieval.Generator, c cache.Cache, gwCfg config.Gateway) *MessagePipeline {
	return &MessagePipeline{
		gw:       gw,
		store:    store,
		queue:    queue,
		hub:      hub,
		gen:      gen,
		cache:    c,
		gwCfg:    gwCfg,
		classify: true,
		now:      time.Now,
	}
}

// Handle processes one user message. Quick intents resolve to a
// single-chunk response plus a background context refresh; everything
// else streams the generator's answer. Background task scheduling
// never blocks or fails the user-visible path.
func (m *MessagePipeline) Handle(ctx context.Context, userID, message string) error {
	in := m.resolveIntent(ctx, message)

	if in.Kind != intent.KindNone {
		answer, err := m.answerIntent(ctx, userID, in)
		if err != nil {
			return err
		}
		m.emit(ctx, userID, answer, true)
		m.scheduleBackground(ctx, messagequeue.SubjectContextRefresh, messagequeue.ContextRefreshPayload{
			UserID:         userID,
			ConversationID: userID,
		})
		return nil
	}

	m.scheduleBackground(ctx, messagequeue.SubjectFactExtract, messagequeue.FactExtractPayload{
		UserID:  userID,
		Message: message,
	})

	if m.gen == nil {
		m.emit(ctx, userID, "I can't answer that right now.", true)
		return nil
	}

	chunks, err := m.gen.Generate(ctx, userID, message)
	if err != nil {
		return fmt.Errorf("generate answer: %w", err)
	}
	for chunk := range chunks {
		m.emit(ctx, userID, chunk.Content, chunk.Done)
	}
	return nil
}

// resolveIntent classifies the message. Keyword rules always run; when
// enabled, an LLM classification call may upgrade the result. The
// upgrade is best-effort: any failure falls back to the keyword match.
func (m *MessagePipeline) resolveIntent(ctx context.Context, message string) intent.Intent {
	matched := intent.Match(message)
	if !m.classify {
		return matched
	}

	upgraded, err := m.classifyLLM(ctx, message)
	if err != nil {
		slog.Debug("intent classification fallback to keyword rules", "error", err)
		return matched
	}
	if upgraded.Kind.Valid() {
		return upgraded
	}
	return matched
}

func (m *MessagePipeline) classifyLLM(ctx context.Context, message string) (intent.Intent, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := m.gw.Invoke(ctx, gateway.Request{
		Model:        m.gwCfg.DefaultModel,
		SystemPrompt: `Classify the user message. Respond with JSON {"kind": one of "fact_get","fact_set","time","weather","wiki","web_search","none", "query": string}.`,
		UserPrompt:   message,
		RequestID:    uuid.New().String(),
		Format:       gateway.FormatJSON,
	})
	if err != nil {
		return intent.Intent{}, err
	}

	var parsed struct {
		Kind  string `json:"kind"`
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(res.Content), &parsed); err != nil {
		return intent.Intent{}, fmt.Errorf("decode classification: %w", err)
	}
	return intent.Intent{Kind: intent.Kind(parsed.Kind), Query: parsed.Query}, nil
}

// answerIntent resolves one quick intent deterministically.
func (m *MessagePipeline) answerIntent(ctx context.Context, userID string, in intent.Intent) (string, error) {
	switch in.Kind {
	case intent.KindTime:
		return "It is " + m.now().UTC().Format("15:04 UTC on Monday, January 2, 2006") + ".", nil

	case intent.KindFactSet:
		key, value := splitFact(in.Query)
		if err := m.store.SetFact(ctx, userID, key, value); err != nil {
			return "", fmt.Errorf("store fact: %w", err)
		}
		m.cacheFact(ctx, userID, key, value)
		return "Noted: " + in.Query, nil

	case intent.KindFactGet:
		key := factKey(in.Query)
		if m.cache != nil {
			if v, ok, err := m.cache.Get(ctx, factCacheKey(userID, key)); err == nil && ok {
				return string(v), nil
			}
		}
		value, err := m.store.GetFact(ctx, userID, key)
		if errors.Is(err, domain.ErrNotFound) {
			return "I don't have anything stored about that.", nil
		}
		if err != nil {
			return "", fmt.Errorf("look up fact: %w", err)
		}
		m.cacheFact(ctx, userID, key, value)
		return value, nil

	case intent.KindWeather:
		return "I can't reach the weather service from here, but ask me again once an integration is configured.", nil

	case intent.KindWiki, intent.KindWebSearch:
		return "Searching for: " + in.Query, nil
	}
	return "", fmt.Errorf("unhandled intent kind %q", in.Kind)
}

// emit publishes one response chunk on the user's channel.
func (m *MessagePipeline) emit(ctx context.Context, userID, content string, done bool) {
	m.hub.Publish(ctx, "user:"+userID, ws.EventMessageChunk, ws.MessageChunkEvent{
		UserID:  userID,
		Content: content,
		Done:    done,
	}, &broadcast.Meta{TS: m.now().UnixMilli(), DeliveryKind: "live"})
}

// scheduleBackground enqueues a fire-and-forget task on the low
// priority subject. Publishing runs off the caller's goroutine and
// retries a few times with backoff, then gives up with a log line;
// failures never propagate to the user path.
func (m *MessagePipeline) scheduleBackground(ctx context.Context, subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("background payload marshal failed", "subject", subject, "error", err)
		return
	}
	subject = messagequeue.SubjectForPriority(subject, messagequeue.PriorityLow)

	// Detached from the request lifetime: the retries must not hold up
	// the caller, and the request context may be gone before they run.
	// WithoutCancel keeps context values such as the request ID.
	bgCtx := context.WithoutCancel(ctx)
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		const attempts = 3
		backoff := 100 * time.Millisecond
		var err error
		for i := range attempts {
			if err = m.queue.Publish(bgCtx, subject, data); err == nil {
				return
			}
			if i < attempts-1 {
				time.Sleep(backoff)
				backoff *= 2
			}
		}
		slog.Error("background task publish failed", "subject", subject, "error", err)
	}()
}

// WaitBackground blocks until all in-flight background publishes have
// settled. Used on shutdown and in tests.
func (m *MessagePipeline) WaitBackground() {
	m.bg.Wait()
}

// cacheFact stores a fact in the read-through cache, best effort.
func (m *MessagePipeline) cacheFact(ctx context.Context, userID, key, value string) {
	if m.cache == nil {
		return
	}
	_ = m.cache.Set(ctx, factCacheKey(userID, key), []byte(value), factCacheTTL)
}

func factCacheKey(userID, key string) string {
	return "fact:" + userID + ":" + key
}

// splitFact splits "my favorite language is Go" into a key and value.
// Without an "is" clause the whole phrase keys itself.
func splitFact(q string) (key, value string) {
	if i := strings.Index(q, " is "); i > 0 {
		return factKey(q[:i]), strings.TrimSpace(q[i+4:])
	}
	return factKey(q), q
}

// factKey normalizes a phrase into a storage key.
func factKey(q string) string {
	q = strings.ToLower(strings.TrimSpace(q))
	q = strings.TrimPrefix(q, "my ")
	return strings.ReplaceAll(q, " ", "_")
}
