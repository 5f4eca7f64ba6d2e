/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the portal frontend
  5. Auth:       Bearer-token verification (everything except /auth)

ROUTE GROUPS:
  /api/auth/*        Dev token minting
  /api/students/*    Tuition and ledger reads
  /api/payments/*    Payment posting and corrections
  /api/settlements   Balance settlements
  /api/integrity/*   Integrity scan (admin)

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Token minting is the only unauthenticated route.
		r.Post("/auth/token", h.MintToken)

		r.Group(func(r chi.Router) {
			r.Use(h.Auth.Middleware)

			r.Route("/students/{id}", func(r chi.Router) {
				r.Get("/tuition", h.GetTuition)
				r.Get("/ledger", h.GetLedger)
			})

			r.Route("/payments", func(r chi.Router) {
				r.Post("/", h.PostPayment)
				r.Post("/{id}/modify", h.ModifyPayment)
				r.Delete("/{id}", h.DeletePayment)
			})

			r.Post("/settlements", h.Settle)

			r.Get("/integrity/scan", h.ScanIntegrity)
		})
	})

	return r
}
