package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"modelgate/internal/handlers"
	"modelgate/internal/metrics"
	"modelgate/internal/middleware"
)

func SetupRouter(
	r *chi.Mux,
	baseLogger *zap.Logger,
	chatHandler *handlers.ChatHandler,
	modelsHandler *handlers.ModelsHandler,
	prefsHandler *handlers.PrefsHandler,
) {
	r.Use(metrics.Middleware)

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())
	r.Use(middleware.MaxBodySize(2 * 1024 * 1024)) // 2 MB max body

	r.Route("/v1", func(r chi.Router) {
		// Chat completions run without the timeout middleware: streams
		// legitimately outlive the 15s budget and the context carries the
		// configured request deadline instead.
		r.Post("/chat/completions", chatHandler.ChatCompletion)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(15 * time.Second))
			r.Get("/models", modelsHandler.ListModels)
			r.Get("/providers/health", modelsHandler.ProviderHealth)

			r.Route("/users/{userID}/preferences/model", func(r chi.Router) {
				r.Get("/", prefsHandler.GetModel)
				r.Put("/", prefsHandler.SetModel)
				r.Delete("/", prefsHandler.DeleteModel)
			})
		})
	})

	// health check
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", metrics.Handler())
}
