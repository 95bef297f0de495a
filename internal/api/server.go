// Package api implements the HTTP and WebSocket surface of the route planner.
package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crewroute/internal/auth"
	"crewroute/internal/events"
	"crewroute/internal/jobs"
	"crewroute/internal/matrix"
	"crewroute/internal/metrics"
	"crewroute/internal/opt"
	"crewroute/internal/store"
)

type Server struct {
	Jobs    *jobs.Service
	Broker  events.Broker
	Store   store.Store
	Matrix  *matrix.Resolver
	Solvers opt.Solvers
	Stats   *opt.StatsStore
	Auth    *auth.Verifier
	Limiter *RateLimiter // optional
	// AllowedOrigins gates browser WebSocket upgrades; empty allows any origin.
	AllowedOrigins []string
	// Debug is extra non-secret runtime info for the admin debug endpoint.
	Debug map[string]any
}

// Handler registers every route. Public routes skip authentication.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.HealthHandler)
	mux.HandleFunc("GET /readyz", s.ReadyHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /openapi.yaml", s.OpenAPIHandler)
	mux.HandleFunc("GET /openapi.json", s.OpenAPIJSONHandler)
	mux.HandleFunc("GET /docs", s.DocsHandler)
	mux.HandleFunc("GET /swagger", s.SwaggerHandler)

	// Route plan jobs
	mux.Handle("POST /v1/route-plans", s.authed(s.SubmitRoutePlanHandler))
	mux.Handle("GET /v1/route-plans/{id}", s.authed(s.RoutePlanStatusHandler))
	mux.Handle("GET /v1/route-plans/{id}/events", s.authed(s.RoutePlanEventsHandler))
	mux.Handle("GET /v1/route-plans/{id}/geometry", s.authed(s.RoutePlanGeometryHandler))
	mux.Handle("POST /v1/route-plans/{id}/cancel", s.authed(s.CancelRoutePlanHandler))
	mux.Handle("GET /v1/jobs/history", s.authed(s.JobHistoryHandler))
	mux.Handle("GET /v1/ws", s.authed(s.StatusWSHandler))

	// Synchronous route tools
	mux.Handle("POST /v1/routes/preview", s.authed(s.PreviewRouteHandler))
	mux.Handle("POST /v1/routes/insertions", s.authed(s.InsertionsHandler))
	mux.Handle("POST /v1/routes/slots", s.authed(s.SlotsHandler))
	mux.Handle("POST /v1/routes/recompute", s.authed(s.RecomputeHandler))

	// Admin
	mux.Handle("GET /v1/admin/solver-stats", s.authed(s.SolverStatsHandler))
	mux.Handle("GET /v1/admin/webhook-deliveries", s.authed(s.WebhookDeliveriesHandler))
	mux.Handle("GET /v1/admin/debug", s.authed(s.DebugJSON))

	return recoverMiddleware(observeMiddleware(mux))
}
