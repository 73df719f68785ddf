package transport

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/loom/internal/config"
	"github.com/pitabwire/loom/internal/observability"
)

// Dependencies holds all injected dependencies for the admin HTTP server.
type Dependencies struct {
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Gatherer  prometheus.Gatherer
	Readiness observability.ReadinessChecks
	// Instances backs the admin listing endpoint. It is optional.
	Instances InstanceLister
}

// NewRouter creates a chi.Router serving the liveness, readiness, metrics and
// instance listing endpoints behind the recovery, correlation and logging
// middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(Recovery(logger))
	r.Use(RequestID(logger))
	r.Use(RequestLogging(logger))
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if deps.Instances != nil {
		r.Get("/admin/tenants/{tenantID}/instances", handleActiveInstances(deps.Instances))
	}

	metricsCfg := deps.Config.Observability.Metrics
	if metricsCfg.Enabled {
		path := metricsCfg.Path
		if path == "" {
			path = "/metrics"
		}
		if deps.Gatherer != nil {
			r.Handle(path, observability.HandlerFor(deps.Gatherer))
		} else {
			r.Handle(path, observability.Handler())
		}
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, fmt.Sprintf("no route for %s", r.URL.Path))
	})
	return r
}

// NewServer returns an http.Server for the admin router using the configured
// port and timeouts.
func NewServer(cfg config.AdminConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}
