package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *Handlers) {
	r := chi.NewRouter()

	r.Route("/connector", func(r chi.Router) {
		r.Use(AuthMiddleware)

		r.Get("/status", handlers.handleStatus)
		r.Get("/config", handlers.handleConfig)
		r.Get("/position", handlers.handlePosition)
		r.Get("/buffers", handlers.handleBuffers)
		r.Get("/slot", handlers.handleSlot)

		r.Post("/pause", handlers.handlePause)
		r.Post("/resume", handlers.handleResume)
		r.Post("/restart", handlers.handleRestart)
		r.Delete("/", handlers.handleDelete)
	})

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/connector/*")
}
