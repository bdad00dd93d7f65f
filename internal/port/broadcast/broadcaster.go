// Package broadcast defines the port for publishing real-time events to
// channel subscribers.
package broadcast

import "context"

// Meta carries optional envelope metadata.
type Meta struct {
	TS           int64  `json:"ts,omitempty"`
	Round        int    `json:"round,omitempty"`
	Actor        string `json:"actor,omitempty"`
	ReviewID     string `json:"review_id,omitempty"`
	DeliveryKind string `json:"delivery_kind,omitempty"` // "live" or "historical"
}

// Broadcaster fans out typed events to all subscribers of a channel.
// Publish is best-effort: slow or broken subscribers are evicted, never
// allowed to block the publisher.
type Broadcaster interface {
	// Publish sends a typed event on the given channel.
	Publish(ctx context.Context, channel, eventType string, payload any, meta *Meta)
}
