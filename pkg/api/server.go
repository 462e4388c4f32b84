package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/authbroker/pkg/audit"
	"github.com/platinummonkey/authbroker/pkg/broker"
	"github.com/platinummonkey/authbroker/pkg/credential"
	"github.com/platinummonkey/authbroker/pkg/httputil"
	"github.com/platinummonkey/authbroker/pkg/middleware"
	"github.com/platinummonkey/authbroker/pkg/observability"
)

// DefaultMaxBodyBytes bounds callback request bodies
const DefaultMaxBodyBytes = 1 << 20

// Authenticator runs one authentication attempt
type Authenticator interface {
	Authenticate(ctx context.Context, req broker.Request) *broker.Response
}

// ServerDeps are the collaborators of the public server
type ServerDeps struct {
	Broker    Authenticator
	Providers *credential.Registry
	Sessions  middleware.TokenValidator

	// Limiter throttles callback routes; nil disables rate limiting
	Limiter middleware.Limiter
	// Metrics may be nil
	Metrics *observability.Metrics
	Logger  *logrus.Logger

	MaxBodyBytes int64
}

// Server is the public HTTP surface of the broker
type Server struct {
	router *mux.Router
	deps   ServerDeps
}

// NewServer creates a server with all routes registered
func NewServer(deps ServerDeps) (*Server, error) {
	if deps.Broker == nil || deps.Providers == nil || deps.Sessions == nil {
		return nil, errors.New("api: broker, providers and sessions are required")
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = DefaultMaxBodyBytes
	}

	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	if s.deps.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.deps.Metrics, routeTemplate))
	}

	session := middleware.NewSessionAuth(s.deps.Sessions, false)
	s.router.Handle("/auth/session", session.Handler(http.HandlerFunc(getSession))).Methods("GET")

	h := NewAuthHandlers(s.deps.Broker, s.deps.Providers)

	callback := s.router.PathPrefix("/auth").Subrouter()
	callback.Use(httputil.MaxBytesMiddleware(s.deps.MaxBodyBytes))
	if s.deps.Limiter != nil {
		callback.Use(middleware.NewRateLimitMiddleware(s.deps.Limiter, "callback", s.deps.Metrics).Handler)
	}
	h.RegisterRoutes(callback)
}

// ServeHTTP implements http.Handler without the outer middleware
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the router wrapped in request id, logging, panic recovery
// and tracing.
func (s *Server) Handler() http.Handler {
	chain := httputil.Chain(
		httputil.RequestIDMiddleware(s.deps.Logger),
		httputil.LoggingMiddleware,
		httputil.RecoveryMiddleware,
	)
	return otelhttp.NewHandler(chain(s.router), "authbroker")
}

// NewAdminHandler serves probes, Prometheus metrics and the audit query API
// on the internal port.
func NewAdminHandler(health *observability.HealthChecker, gatherer prometheus.Gatherer, auditStore audit.Store, log *logrus.Logger) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health/live", health.Liveness).Methods("GET")
	router.HandleFunc("/health/ready", health.Readiness).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler(gatherer)).Methods("GET")
	if auditStore != nil {
		audit.NewHandlers(auditStore).RegisterRoutes(router)
	}
	return httputil.Chain(
		httputil.RequestIDMiddleware(log),
		httputil.RecoveryMiddleware,
	)(router)
}

// routeTemplate keeps metric and span labels low-cardinality
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

func getSession(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, middleware.GetSession(r))
}
