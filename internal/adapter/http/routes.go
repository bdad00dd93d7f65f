package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Reviews
		r.Post("/reviews", h.CreateReview)
		r.Get("/reviews", h.ListReviews)
		r.Get("/reviews/{id}", h.GetReview)
		r.Post("/reviews/{id}/cancel", h.CancelReview)
		r.Get("/reviews/{id}/records", h.ReviewRecords)
		r.Get("/reviews/{id}/events", h.ReviewEvents)

		// Messages
		r.Post("/messages", h.PostMessage)

		// Provider circuit breaker states
		r.Get("/providers/breakers", h.BreakerStates)
	})
}
