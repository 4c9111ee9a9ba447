package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"courtside-images/internal/handlers"
	"courtside-images/internal/metrics"
	"courtside-images/internal/middleware"
)

func SetupRouter(r *chi.Mux, baseLogger *zap.Logger, imagesHandler *handlers.ImagesHandler) {

	r.Use(metrics.Middleware)

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer()) // panic recovery
	// Generation plus download can run long; the fetch deadline (30s)
	// is the one that actually governs a miss.
	r.Use(middleware.Timeout(2 * time.Minute))

	// routes
	r.Route("/api/images", func(r chi.Router) {
		r.Get("/generate", imagesHandler.Generate)
		r.Get("/blob/{cacheKey}", imagesHandler.ServeBlob)
		r.Get("/cache", imagesHandler.ListCache)
		r.Get("/cache/{cacheKey}", imagesHandler.GetCacheEntry)
		r.Delete("/cache", imagesHandler.ClearCache)
	})

	// health check
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", metrics.Handler())
}
