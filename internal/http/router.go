package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/gdu-service/internal/health"
	"github.com/kjstillabower/gdu-service/internal/observability"
)

// RouterConfig holds the per-route middleware settings.
type RouterConfig struct {
	// RequestTimeout bounds /gdu requests; 0 disables the deadline.
	RequestTimeout time.Duration
	// Limiter throttles /gdu; nil disables rate limiting.
	Limiter *rate.Limiter
	Tracker *health.Tracker
}

// NewRouter wires handlers and middleware. Rate limiting and the request
// deadline apply to /gdu only so /health and /metrics stay reachable.
func NewRouter(handler *Handler, logger *zap.Logger, cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.Use(SizeMetricsMiddleware)
	router.HandleFunc("/health", handler.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	gduRouter := router.Path("/gdu").Subrouter()
	gduRouter.Use(RateLimitMiddleware(cfg.Limiter, cfg.Tracker))
	if cfg.RequestTimeout > 0 {
		gduRouter.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	gduRouter.Methods(http.MethodGet).HandlerFunc(handler.GetGDU)
	gduRouter.Methods(http.MethodPost).HandlerFunc(handler.PostGDU)
	return router
}
