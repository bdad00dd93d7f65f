package nats

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/quorum-ai/quorum/internal/logger"
	"github.com/quorum-ai/quorum/internal/port/messagequeue"
)

// Integration tests against a live server. Skipped unless NATS_URL is set.

func liveQueue(t *testing.T) *Queue {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	q, err := Connect(context.Background(), url)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		if err := q.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return q
}

// scratchSubject picks a per-test subject under reviews.scratch., which
// the QUORUM stream captures and the payload validator treats as
// free-form JSON.
func scratchSubject(t *testing.T) string {
	t.Helper()
	return "reviews.scratch." + t.Name()
}

// captureDLQ consumes subject's DLQ through a raw JetStream consumer so
// the dead letter is not re-validated, and returns a channel carrying
// the first dead-lettered payload published after the call.
func captureDLQ(t *testing.T, q *Queue, subject string) <-chan []byte {
	t.Helper()

	consumer, err := q.js.CreateOrUpdateConsumer(context.Background(), streamName, jetstream.ConsumerConfig{
		FilterSubject: subject + ".dlq",
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		t.Fatalf("create DLQ consumer: %v", err)
	}

	out := make(chan []byte, 1)
	var once sync.Once
	sub, err := consumer.Consume(func(msg jetstream.Msg) {
		once.Do(func() { out <- msg.Data() })
		_ = msg.Ack()
	})
	if err != nil {
		t.Fatalf("consume DLQ: %v", err)
	}
	t.Cleanup(sub.Stop)
	return out
}

func TestQueue_RoundTrip(t *testing.T) {
	q := liveQueue(t)
	subject := scratchSubject(t)

	type note struct {
		ReviewID string `json:"review_id"`
	}
	data, err := json.Marshal(note{ReviewID: "rev-42"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got := make(chan note, 1)
	var once sync.Once
	stop, err := q.Subscribe(context.Background(), subject, func(_ context.Context, _ string, d []byte) error {
		var n note
		if err := json.Unmarshal(d, &n); err != nil {
			return err
		}
		once.Do(func() { got <- n })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	if err := q.Publish(context.Background(), subject, data); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case n := <-got:
		if n.ReviewID != "rev-42" {
			t.Errorf("review_id = %q, want rev-42", n.ReviewID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestQueue_CarriesRequestID(t *testing.T) {
	q := liveQueue(t)
	subject := scratchSubject(t)

	got := make(chan string, 1)
	var once sync.Once
	stop, err := q.Subscribe(context.Background(), subject, func(ctx context.Context, _ string, _ []byte) error {
		once.Do(func() { got <- logger.RequestID(ctx) })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	ctx := logger.WithRequestID(context.Background(), "req-xyz-9")
	if err := q.Publish(ctx, subject, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case id := <-got:
		if id != "req-xyz-9" {
			t.Errorf("request ID = %q, want req-xyz-9", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestQueue_InvalidPayloadGoesToDLQ(t *testing.T) {
	q := liveQueue(t)
	ctx := context.Background()

	// reviews.execute requires a ReviewExecutePayload shape, so a
	// non-JSON body fails validation and dead letters on delivery.
	subject := messagequeue.SubjectReviewExecute
	dead := captureDLQ(t, q, subject)

	stop, err := q.Subscribe(ctx, subject, func(_ context.Context, _ string, _ []byte) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	if err := q.Publish(ctx, subject, []byte("not-json")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case data := <-dead:
		if string(data) != "not-json" {
			t.Errorf("DLQ payload = %q, want not-json", data)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for dead letter")
	}
}

func TestQueue_RetryExhaustionGoesToDLQ(t *testing.T) {
	q := liveQueue(t)
	ctx := context.Background()

	subject := scratchSubject(t)
	dead := captureDLQ(t, q, subject)

	stop, err := q.Subscribe(ctx, subject, func(_ context.Context, _ string, _ []byte) error {
		return errors.New("handler rejects everything")
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	// Seed Retry-Count at the cap so the first failed delivery dead
	// letters instead of republishing.
	msg := &nats.Msg{
		Subject: subject,
		Data:    []byte(`{"exhausted":true}`),
		Header:  nats.Header{},
	}
	msg.Header.Set(headerRetryCount, "3")
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		t.Fatalf("PublishMsg: %v", err)
	}

	select {
	case data := <-dead:
		if string(data) != `{"exhausted":true}` {
			t.Errorf("DLQ payload = %q", data)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for dead letter")
	}
}

func TestQueue_KeyValueLifecycle(t *testing.T) {
	q := liveQueue(t)
	ctx := context.Background()

	kv, err := q.KeyValue(ctx, "test-kv-"+t.Name(), 30*time.Second)
	if err != nil {
		t.Fatalf("KeyValue: %v", err)
	}

	if _, err := kv.Put(ctx, "usage:2026-08-30", []byte("1200")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	entry, err := kv.Get(ctx, "usage:2026-08-30")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(entry.Value()) != "1200" {
		t.Errorf("value = %q, want 1200", entry.Value())
	}

	if _, err := kv.Put(ctx, "usage:2026-08-30", []byte("2400")); err != nil {
		t.Fatalf("Put update: %v", err)
	}
	entry, err = kv.Get(ctx, "usage:2026-08-30")
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if string(entry.Value()) != "2400" {
		t.Errorf("updated value = %q, want 2400", entry.Value())
	}

	if err := kv.Delete(ctx, "usage:2026-08-30"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := kv.Get(ctx, "usage:2026-08-30"); err == nil {
		t.Error("Get after delete succeeded, want error")
	}
}

func TestQueue_IsConnected(t *testing.T) {
	q := liveQueue(t)

	if !q.IsConnected() {
		t.Error("IsConnected() = false after Connect")
	}
}
