// Package ws implements the WebSocket broadcast hub for real-time
// review progress. Subscribers attach to per-review channels either as
// push WebSocket connections or as pull queues; a slow subscriber is
// evicted rather than allowed to stall a publish.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/quorum-ai/quorum/internal/config"
	"github.com/quorum-ai/quorum/internal/port/broadcast"
)

// Envelope is the wire format for all hub messages: one JSON message
// per event.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Meta    *broadcast.Meta `json:"meta,omitempty"`
}

// ErrChannelFull is returned when a channel is at its push-connection
// capacity.
type ErrChannelFull struct {
	Channel string
	Limit   int
}

func (e *ErrChannelFull) Error() string {
	return "channel " + e.Channel + " is at capacity"
}

// conn wraps a single WebSocket connection.
type conn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc
}

// Queue is a pull subscription. Consumers range over C; the hub closes
// it on eviction.
type Queue struct {
	C      chan Envelope
	closed sync.Once
}

func (q *Queue) close() {
	q.closed.Do(func() { close(q.C) })
}

// channel holds one review's subscriber sets.
type channel struct {
	mu     sync.Mutex
	conns  map[*conn]struct{}
	queues map[*Queue]struct{}
}

// Hub manages channels of WebSocket connections and pull queues and
// broadcasts envelopes to them under the configured backpressure
// policy.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]*channel
	policy   config.Hub
}

// NewHub creates a hub with the given backpressure policy.
func NewHub(policy config.Hub) *Hub {
	return &Hub{
		channels: make(map[string]*channel),
		policy:   policy,
	}
}

func (h *Hub) channelFor(id string) *channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[id]
	if !ok {
		ch = &channel{
			conns:  make(map[*conn]struct{}),
			queues: make(map[*Queue]struct{}),
		}
		h.channels[id] = ch
	}
	return ch
}

// addConn admits a push connection, enforcing the channel's connection
// cap.
func (h *Hub) addConn(channelID string, c *conn) error {
	ch := h.channelFor(channelID)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.conns) >= h.policy.MaxConnections {
		return &ErrChannelFull{Channel: channelID, Limit: h.policy.MaxConnections}
	}
	ch.conns[c] = struct{}{}
	return nil
}

// RegisterListener attaches a bounded pull queue to a channel. The
// queue is evicted (and its channel closed) if it fills up.
func (h *Hub) RegisterListener(channelID string) *Queue {
	q := &Queue{C: make(chan Envelope, h.policy.QueueCapacity)}
	ch := h.channelFor(channelID)
	ch.mu.Lock()
	ch.queues[q] = struct{}{}
	ch.mu.Unlock()
	return q
}

// RemoveListener detaches a pull queue and closes it.
func (h *Hub) RemoveListener(channelID string, q *Queue) {
	ch := h.channelFor(channelID)
	ch.mu.Lock()
	delete(ch.queues, q)
	ch.mu.Unlock()
	q.close()
}

// Publish implements broadcast.Broadcaster. The envelope is marshaled
// once and fanned out to a snapshot of the channel's subscribers; all
// connection sends run concurrently so one slow peer cannot delay the
// others, and the call never blocks longer than
// sendTimeout × (sendRetries+1) per subscriber.
func (h *Hub) Publish(ctx context.Context, channelID, eventType string, payload any, meta *broadcast.Meta) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal hub event payload", "type", eventType, "error", err)
		return
	}
	env := Envelope{Type: eventType, Payload: data, Meta: meta}

	msg, err := json.Marshal(env)
	if err != nil {
		slog.Error("marshal hub envelope", "type", eventType, "error", err)
		return
	}

	h.mu.RLock()
	ch, ok := h.channels[channelID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	// Snapshot under the channel lock so eviction during fan-out
	// cannot corrupt iteration.
	ch.mu.Lock()
	conns := make([]*conn, 0, len(ch.conns))
	for c := range ch.conns {
		conns = append(conns, c)
	}
	queues := make([]*Queue, 0, len(ch.queues))
	for q := range ch.queues {
		queues = append(queues, q)
	}
	ch.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *conn) {
			defer wg.Done()
			if h.sendWithRetry(ctx, c, msg) {
				return
			}
			if h.policy.DisconnectOnBackpressure {
				h.removeConn(channelID, c)
				slog.Warn("slow subscriber evicted", "channel", channelID, "type", eventType)
			}
		}(c)
	}
	wg.Wait()

	for _, q := range queues {
		select {
		case q.C <- env:
		default:
			// Full queue: evict the listener rather than block.
			h.RemoveListener(channelID, q)
			slog.Warn("full listener queue evicted", "channel", channelID, "type", eventType)
		}
	}
}

// sendWithRetry attempts one connection send up to sendRetries+1
// times, each bounded by sendTimeout. Reports whether any attempt
// succeeded.
func (h *Hub) sendWithRetry(ctx context.Context, c *conn, msg []byte) bool {
	for attempt := 0; attempt <= h.policy.SendRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(h.policy.RetryBackoff):
			}
		}
		sendCtx, cancel := context.WithTimeout(ctx, h.policy.SendTimeout)
		err := c.ws.Write(sendCtx, websocket.MessageText, msg)
		cancel()
		if err == nil {
			return true
		}
		slog.Debug("websocket write failed", "attempt", attempt, "error", err)
	}
	return false
}

func (h *Hub) removeConn(channelID string, c *conn) {
	h.mu.RLock()
	ch, ok := h.channels[channelID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	ch.mu.Lock()
	_, present := ch.conns[c]
	delete(ch.conns, c)
	ch.mu.Unlock()
	if present {
		c.cancel()
		_ = c.ws.Close(websocket.StatusPolicyViolation, "backpressure")
	}
}

// ConnectionCount returns the number of push connections on a channel.
func (h *Hub) ConnectionCount(channelID string) int {
	h.mu.RLock()
	ch, ok := h.channels[channelID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.conns)
}

// ListenerCount returns the number of pull queues on a channel.
func (h *Hub) ListenerCount(channelID string) int {
	h.mu.RLock()
	ch, ok := h.channels[channelID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.queues)
}
