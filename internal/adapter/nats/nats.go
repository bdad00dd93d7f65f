// Package nats implements the message queue port using NATS JetStream.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/quorum-ai/quorum/internal/logger"
	"github.com/quorum-ai/quorum/internal/port/messagequeue"
)

const (
	streamName = "QUORUM"

	// headerRequestID carries the request ID across the queue so
	// handlers log under the same ID as the publisher.
	headerRequestID = "Request-ID"

	// headerReviewID carries the review being executed across the
	// queue for the same reason.
	headerReviewID = "Review-ID"

	// headerRetryCount tracks how many times a message was requeued
	// after a handler failure.
	headerRetryCount = "Retry-Count"

	// maxRetries is the number of requeues before a message moves to
	// the dead-letter subject (<subject>.dlq).
	maxRetries = 3
)

// Queue implements messagequeue.Queue using NATS JetStream.
type Queue struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect establishes a connection to NATS and ensures the JetStream
// stream exists with subjects covering the review and background task
// hierarchies.
func Connect(ctx context.Context, url string) (*Queue, error) {
	nc, err := nats.Connect(url,
		nats.Name("quorum-core"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"reviews.>", "background.>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", streamName)
	return &Queue{nc: nc, js: js}, nil
}

// Publish sends a message to the given subject. The request ID from
// ctx, if any, travels in a header and is restored into the handler's
// context on the consuming side.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  nats.Header{},
	}
	if reqID := logger.RequestID(ctx); reqID != "" {
		msg.Header.Set(headerRequestID, reqID)
	}
	if revID := logger.ReviewID(ctx); revID != "" {
		msg.Header.Set(headerReviewID, revID)
	}

	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for messages on the given subject.
// Messages are validated against the subject's schema before the
// handler runs; invalid messages go straight to the DLQ. Handler
// failures requeue the message with an incremented retry count until
// maxRetries, then move it to the DLQ.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		subj := msg.Subject()
		hdrs := msg.Headers()

		if err := messagequeue.Validate(subj, msg.Data()); err != nil {
			slog.Error("message validation failed", "subject", subj, "error", err)
			q.moveToDLQ(msg)
			return
		}

		msgCtx := context.Background()
		if hdrs != nil {
			if reqID := hdrs.Get(headerRequestID); reqID != "" {
				msgCtx = logger.WithRequestID(msgCtx, reqID)
			}
			if revID := hdrs.Get(headerReviewID); revID != "" {
				msgCtx = logger.WithReviewID(msgCtx, revID)
			}
		}

		if err := handler(msgCtx, subj, msg.Data()); err != nil {
			retries := retryCount(hdrs)
			if retries >= maxRetries {
				slog.Error("message handler failed, retries exhausted",
					"subject", subj, "retries", retries, "error", err)
				q.moveToDLQ(msg)
				return
			}
			slog.Warn("message handler failed, requeueing",
				"subject", subj, "retry", retries+1, "error", err)
			q.requeue(msg, retries+1)
			return
		}

		if ackErr := msg.Ack(); ackErr != nil {
			slog.Error("nats ack failed", "subject", subj, "error", ackErr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

// requeue republishes the message with an incremented retry count and
// acks the original, so redelivery is counted rather than infinite.
func (q *Queue) requeue(msg jetstream.Msg, retries int) {
	out := &nats.Msg{
		Subject: msg.Subject(),
		Data:    msg.Data(),
		Header:  copyHeader(msg.Headers()),
	}
	out.Header.Set(headerRetryCount, strconv.Itoa(retries))

	if _, err := q.js.PublishMsg(context.Background(), out); err != nil {
		slog.Error("nats requeue failed", "subject", msg.Subject(), "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			slog.Error("nats nak failed", "error", nakErr)
		}
		return
	}
	if err := msg.Ack(); err != nil {
		slog.Error("nats ack failed after requeue", "error", err)
	}
}

// moveToDLQ publishes the message to <subject>.dlq and acks the
// original so it is not redelivered.
func (q *Queue) moveToDLQ(msg jetstream.Msg) {
	dlqSubject := msg.Subject() + ".dlq"
	out := &nats.Msg{
		Subject: dlqSubject,
		Data:    msg.Data(),
		Header:  copyHeader(msg.Headers()),
	}

	if _, err := q.js.PublishMsg(context.Background(), out); err != nil {
		slog.Error("nats DLQ publish failed", "subject", dlqSubject, "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			slog.Error("nats nak failed", "error", nakErr)
		}
		return
	}
	if err := msg.Ack(); err != nil {
		slog.Error("nats ack failed after DLQ move", "error", err)
	}
}

// KeyValue returns (creating if needed) a JetStream KV bucket with the
// given per-entry TTL.
func (q *Queue) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := q.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("jetstream kv %s: %w", bucket, err)
	}
	return kv, nil
}

// Drain gracefully drains all subscriptions, processing pending
// messages before closing the connection.
func (q *Queue) Drain() error {
	return q.nc.Drain()
}

// Close shuts down the NATS connection immediately.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

// IsConnected reports whether the NATS connection is up.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}

func retryCount(hdrs nats.Header) int {
	if hdrs == nil {
		return 0
	}
	n, err := strconv.Atoi(hdrs.Get(headerRetryCount))
	if err != nil {
		return 0
	}
	return n
}

func copyHeader(hdrs nats.Header) nats.Header {
	out := nats.Header{}
	for k, vs := range hdrs {
		for _, v := range vs {
			out.Add(k, v)
		}
	}
	return out
}
