package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/quorum-ai/quorum/internal/domain/review"
	"github.com/quorum-ai/quorum/internal/port/broadcast"
)

// EventSource supplies the persisted status history replayed to late
// subscribers before they see live events.
type EventSource interface {
	ListEvents(ctx context.Context, reviewID string) ([]review.StatusEvent, error)
}

// Handler upgrades HTTP requests to WebSocket subscriptions on a
// review's channel.
type Handler struct {
	hub    *Hub
	events EventSource
}

// NewHandler creates a WebSocket handler backed by the hub and the
// persisted event log.
func NewHandler(hub *Hub, events EventSource) *Handler {
	return &Handler{hub: hub, events: events}
}

// ServeHTTP handles GET /ws/reviews/{reviewID}. The connection first
// receives the review's status history tagged as historical, then
// live events.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reviewID := chi.URLParam(r, "reviewID")
	if reviewID == "" {
		http.Error(w, "review id required", http.StatusBadRequest)
		return
	}

	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{ws: sock, cancel: cancel}

	// Cheap pre-check so a full channel is rejected without replaying
	// the whole history first. addConn below remains authoritative.
	if h.hub.ConnectionCount(reviewID) >= h.hub.policy.MaxConnections {
		cancel()
		_ = sock.Close(websocket.StatusTryAgainLater, "channel at capacity")
		slog.Warn("websocket admission rejected", "review_id", reviewID)
		return
	}

	// Replay before admission so live fan-out cannot interleave with
	// historical events. Events published during the replay window are
	// missed; clients reconcile with the envelope timestamps.
	h.replayHistory(ctx, reviewID, c)

	if err := h.hub.addConn(reviewID, c); err != nil {
		cancel()
		_ = sock.Close(websocket.StatusTryAgainLater, "channel at capacity")
		slog.Warn("websocket admission rejected", "review_id", reviewID, "error", err)
		return
	}

	slog.Info("websocket connected", "review_id", reviewID, "remote", r.RemoteAddr)

	// Read loop (to detect disconnects and consume pings)
	go func() {
		defer func() {
			h.hub.removeConn(reviewID, c)
			_ = sock.Close(websocket.StatusNormalClosure, "")
			slog.Info("websocket disconnected", "review_id", reviewID)
		}()
		for {
			if _, _, err := sock.Read(ctx); err != nil {
				return
			}
		}
	}()
}

// replayHistory writes persisted status events directly to one
// connection, tagged historical so clients can distinguish them from
// live delivery.
func (h *Handler) replayHistory(ctx context.Context, reviewID string, c *conn) {
	evs, err := h.events.ListEvents(ctx, reviewID)
	if err != nil {
		slog.Warn("status history load failed", "review_id", reviewID, "error", err)
		return
	}

	for _, ev := range evs {
		env := Envelope{
			Type:    ev.Type,
			Payload: ev.Payload,
			Meta: &broadcast.Meta{
				TS:           ev.At.UnixMilli(),
				Round:        ev.Round,
				ReviewID:     reviewID,
				DeliveryKind: "historical",
			},
		}
		msg, err := json.Marshal(env)
		if err != nil {
			continue
		}
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = c.ws.Write(writeCtx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			slog.Debug("history replay write failed", "review_id", reviewID, "error", err)
			return
		}
	}
}
