package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quorum-ai/quorum/internal/domain"
	"github.com/quorum-ai/quorum/internal/domain/review"
	"github.com/quorum-ai/quorum/internal/resilience"
	"github.com/quorum-ai/quorum/internal/service"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Reviews  *service.ReviewService
	Messages *service.MessagePipeline
	Breakers *resilience.Registry
}

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeDomainError(w http.ResponseWriter, err error, fallbackMsg string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, fallbackMsg)
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "resource was modified by another request")
	case errors.Is(err, review.ErrTopicRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case strings.Contains(err.Error(), "unknown review strategy"):
		writeError(w, http.StatusBadRequest, err.Error())
	case strings.Contains(err.Error(), "is already"):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// CreateReview handles POST /api/v1/reviews.
func (h *Handlers) CreateReview(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[review.CreateRequest](w, r)
	if !ok {
		return
	}

	rev, err := h.Reviews.Create(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "review not found")
		return
	}
	writeJSON(w, http.StatusCreated, rev)
}

// GetReview handles GET /api/v1/reviews/{id}.
func (h *Handlers) GetReview(w http.ResponseWriter, r *http.Request) {
	rev, err := h.Reviews.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "review not found")
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

// ListReviews handles GET /api/v1/reviews.
func (h *Handlers) ListReviews(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	reviews, err := h.Reviews.List(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err, "reviews unavailable")
		return
	}
	if reviews == nil {
		reviews = []review.Review{}
	}
	writeJSON(w, http.StatusOK, reviews)
}

// CancelReview handles POST /api/v1/reviews/{id}/cancel.
func (h *Handlers) CancelReview(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	// Body is optional; ignore decode failures on empty bodies.
	_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&body)

	if err := h.Reviews.Cancel(r.Context(), chi.URLParam(r, "id"), body.Reason); err != nil {
		writeDomainError(w, err, "review not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// recordResponse is the wire shape of one conversation record. Content
// is stored as raw bytes and exposed as text.
type recordResponse struct {
	ID      string    `json:"id"`
	Persona string    `json:"persona"`
	Round   int       `json:"round"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// ReviewRecords handles GET /api/v1/reviews/{id}/records.
func (h *Handlers) ReviewRecords(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Reviews.Records(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "review not found")
		return
	}

	out := make([]recordResponse, len(recs))
	for i, rec := range recs {
		out[i] = recordResponse{
			ID:      rec.ID,
			Persona: rec.Persona,
			Round:   rec.Round,
			Content: string(rec.Content),
			At:      rec.At,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// eventResponse is the wire shape of one status history entry.
type eventResponse struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Round   int             `json:"round,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// ReviewEvents handles GET /api/v1/reviews/{id}/events.
func (h *Handlers) ReviewEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.Reviews.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "review not found")
		return
	}

	out := make([]eventResponse, len(events))
	for i, ev := range events {
		out[i] = eventResponse{
			ID:      ev.ID,
			Type:    ev.Type,
			Round:   ev.Round,
			Payload: json.RawMessage(ev.Payload),
			At:      ev.At,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// PostMessage handles POST /api/v1/messages. The response streams as
// chunks on the user's WebSocket channel; this endpoint only accepts
// the message.
func (h *Handlers) PostMessage(w http.ResponseWriter, r *http.Request) {
	type messageRequest struct {
		UserID  string `json:"user_id"`
		Message string `json:"message"`
	}
	body, ok := readJSON[messageRequest](w, r)
	if !ok {
		return
	}
	if body.UserID == "" || body.Message == "" {
		writeError(w, http.StatusBadRequest, "user_id and message are required")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := h.Messages.Handle(ctx, body.UserID, body.Message); err != nil {
			slog.Error("message handling failed", "user_id", body.UserID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// BreakerStates handles GET /api/v1/providers/breakers.
func (h *Handlers) BreakerStates(w http.ResponseWriter, r *http.Request) {
	states := h.Breakers.States()
	out := make(map[string]string, len(states))
	for name, state := range states {
		out[name] = state.String()
	}
	writeJSON(w, http.StatusOK, out)
}
