/**
 * @description
 * HTTP router for the payment service. The provider webhook and the queue
 * callbacks are server-to-server; checkout and the public profile page are
 * called from the browser and carry CORS headers.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: router and standard middleware.
 * - github.com/go-chi/cors: CORS for the browser-facing routes.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter registers every route. jobs is nil when the queue delivers over
// RabbitMQ instead of HTTP callbacks.
func NewRouter(h *Handlers, jobs *JobHandlers, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Device-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Post("/webhook", h.WebhookHandler)
	r.Post("/checkout", h.CheckoutHandler)
	r.Get("/profiles/{uniqueUrl}", h.GetProfileHandler)

	if jobs != nil {
		r.Post("/jobs/{endpoint}", jobs.HandleJob)
	}

	return r
}
