package httpapi

import (
	stdhttp "net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"server/internal/http/handlers"
)

// NewRouter wires the API surface onto a chi router.
func NewRouter(app *handlers.App) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, middleware.Logger)

	r.Get("/v1/healthz", app.Health)

	r.Route("/v1/generations", func(r chi.Router) {
		r.Post("/", app.SubmitGeneration)
		r.Get("/{id}", app.GenerationStatus)
		r.Get("/{id}/assets", app.GenerationAssets)
		r.Get("/{id}/archive", app.GenerationArchive)
	})

	r.Route("/v1/assets", func(r chi.Router) {
		r.Get("/", app.ListAssets)
		r.Get("/{id}/download", app.DownloadAsset)
	})

	r.Post("/v1/admin/reconcile", app.TriggerReconcile)
	r.Get("/v1/events", app.StreamEvents)

	return r
}
