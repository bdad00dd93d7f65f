package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Closer flushes buffered log records and stops background workers.
type Closer interface {
	Close()
}

type nopCloser struct{}

func (nopCloser) Close() {}

// AsyncHandler decouples log emission from log writing. Panel rounds
// log from many goroutines at once; records go through a buffered
// channel to a small worker pool so a slow sink never stalls a review.
// When the buffer fills, records are dropped and counted rather than
// blocking the caller.
type AsyncHandler struct {
	sink    slog.Handler
	queue   chan slog.Record
	workers *sync.WaitGroup
	dropped *atomic.Int64
}

// NewAsyncHandler starts workers goroutines draining a queue of the
// given capacity into sink.
func NewAsyncHandler(sink slog.Handler, capacity, workers int) *AsyncHandler {
	h := &AsyncHandler{
		sink:    sink,
		queue:   make(chan slog.Record, capacity),
		workers: &sync.WaitGroup{},
		dropped: &atomic.Int64{},
	}
	h.workers.Add(workers)
	for range workers {
		go h.run()
	}
	return h
}

func (h *AsyncHandler) run() {
	defer h.workers.Done()
	for rec := range h.queue {
		_ = h.sink.Handle(context.Background(), rec)
	}
}

// Enabled reports whether the sink would log at this level.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.sink.Enabled(ctx, level)
}

// Handle enqueues rec without blocking. A full queue drops the record.
func (h *AsyncHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	select {
	case h.queue <- rec:
	default:
		h.dropped.Add(1)
	}
	return nil
}

// WithAttrs derives a handler with extra attrs feeding the same queue.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.derive(h.sink.WithAttrs(attrs))
}

// WithGroup derives a handler with a group feeding the same queue.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return h.derive(h.sink.WithGroup(name))
}

func (h *AsyncHandler) derive(sink slog.Handler) *AsyncHandler {
	return &AsyncHandler{
		sink:    sink,
		queue:   h.queue,
		workers: h.workers,
		dropped: h.dropped,
	}
}

// DroppedCount reports how many records were lost to a full queue.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.dropped.Load()
}

// Close stops intake and waits for the workers to drain the queue.
func (h *AsyncHandler) Close() {
	close(h.queue)
	h.workers.Wait()
}
