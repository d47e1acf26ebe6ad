// Package server exposes a small HTTP surface for observability: a
// /healthz liveness probe and a /metrics Prometheus scrape endpoint, with
// request coalescing on /metrics so scrapers hitting it from multiple
// sidecars at once don't cause redundant collection.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/stampede"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/n0vella/novelcask/internal/logging"
)

// New builds the observability mux.
func New(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestSize(1024))
	r.Use(middleware.RedirectSlashes)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.With(stampede.Handler(256, time.Second)).Get("/metrics", metricsHandler.ServeHTTP)

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := logging.WithID(r.Context(), middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r.WithContext(ctx))
		logging.Log(ctx).Debug("request", "method", r.Method, "path", r.URL.Path, "dur", time.Since(start))
	})
}
