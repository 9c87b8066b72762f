package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/vigilops/vigil/pkg/middleware"
	"github.com/vigilops/vigil/pkg/observability"
	"github.com/vigilops/vigil/pkg/webhooks"
)

// Server represents the Vigil API server
type Server struct {
	router  *mux.Router
	manager *webhooks.Manager
}

// Options configures the API server. Health, Metrics and Auth are optional.
type Options struct {
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Health  *observability.HealthChecker
	Auth    *middleware.APIKeyAuth
}

// NewServer creates the API server and wires all routes
func NewServer(manager *webhooks.Manager, opts Options) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		manager: manager,
	}

	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	// Probes and metrics stay outside authentication.
	if opts.Health != nil {
		s.router.HandleFunc("/healthz", opts.Health.Liveness).Methods("GET")
		s.router.HandleFunc("/readyz", opts.Health.Readiness).Methods("GET")
	}
	if opts.Metrics != nil {
		s.router.Handle("/metrics", opts.Metrics.Handler()).Methods("GET")
	}

	apiRouter := s.router.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(mux.MiddlewareFunc(middleware.RequestLogger(logger, opts.Metrics)))
	if opts.Auth != nil {
		apiRouter.Use(mux.MiddlewareFunc(opts.Auth.Handler))
	}

	webhookHandlers := webhooks.NewHandlers(manager)
	webhookHandlers.RegisterRoutes(apiRouter)

	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
