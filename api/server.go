/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Wires URLs to handlers. chi for routing, standard middleware stack
  (logging, panic recovery, request ids), CORS for the frontend, and the
  websocket signal endpoint for cross-context consistency.

SEE ALSO:
  - handlers.go: handler implementations
  - cmd/server/main.go: server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/room19/loan-engine/broadcast"
)

// NewRouter builds the full route table.
func NewRouter(h *Handler, hub *broadcast.Hub) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/loans", func(r chi.Router) {
			r.Post("/", h.CreateLoan)
			r.Get("/{id}", h.GetLoan)
			r.Post("/{id}/extend", h.Extend)
			r.Post("/{id}/fine", h.LevyFine)
			r.Post("/{id}/fine/pay", h.PayFine)
			r.Post("/{id}/return", h.Return)
		})

		r.Get("/borrowers/{id}/loans", h.ListBorrowerLoans)

		r.Route("/staff", func(r chi.Router) {
			r.Get("/loans", h.ListAllLoans)
			r.Get("/settlements", h.ListSettlements)
		})

		r.Post("/admin/recompute", h.Recompute)
	})

	// Cross-context mutation signals.
	r.Get("/ws", hub.ServeHTTP)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}
