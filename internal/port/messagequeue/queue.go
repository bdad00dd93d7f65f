// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the request ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Priority selects the delivery queue for a task.
type Priority string

const (
	PriorityDefault Priority = "default"
	PriorityHigh    Priority = "high_priority"
	PriorityLow     Priority = "low_priority"
)

// Queue is the port interface for publishing and subscribing to
// messages. Delivery is at-least-once: handlers must be idempotent
// with respect to duplicate delivery of the same task.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	// Pending messages are processed; no new messages are accepted.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject constants for the subjects used by Quorum.
const (
	// Review pipeline tasks
	SubjectReviewExecute = "reviews.execute" // start or resume a review execution
	SubjectReviewCancel  = "reviews.cancel"  // out-of-band cancellation signal

	// Background tasks for the message pipeline (low priority)
	SubjectFactExtract    = "background.facts"   // extract stored facts from a message
	SubjectContextRefresh = "background.context" // refresh conversation context
)

// SubjectForPriority maps a base subject to its priority-specific
// variant, e.g. reviews.execute → reviews.execute.high_priority.
func SubjectForPriority(subject string, p Priority) string {
	if p == PriorityDefault || p == "" {
		return subject
	}
	return subject + "." + string(p)
}
