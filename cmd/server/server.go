package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/speaker-gateway/internal/callcontrol"
	"github.com/lexiqai/speaker-gateway/internal/config"
	"github.com/lexiqai/speaker-gateway/internal/observability"
	"github.com/lexiqai/speaker-gateway/internal/trigger"
)

const (
	relayPath     = "/ws/transcription"
	subscribePath = "/subscribe"
)

type routerDeps struct {
	config      *config.Config
	listener    http.Handler
	hub         http.Handler
	transcriber trigger.Transcriber
	calls       callcontrol.Commander
	readiness   map[string]observability.HealthCheckFunc
}

func newRouter(d routerDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", observability.HealthCheckHandler())
	r.Get("/ready", observability.ReadinessHandler(d.readiness))
	if d.config.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Get(relayPath, d.listener.ServeHTTP)
	r.Get(subscribePath, d.hub.ServeHTTP)

	trigger.NewHandler(d.transcriber).Routes(r)
	callcontrol.NewHandler(d.calls).Routes(r)
	return r
}

// requestLogger logs each request through the structured logger
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			logger := observability.WithCorrelationID(middleware.GetReqID(r.Context()))
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("latency", time.Since(start)).
				Msg("HTTP request")
		}()
		next.ServeHTTP(ww, r)
	})
}
