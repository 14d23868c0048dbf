// Package api provides the HTTP server agents talk to. It serves the job
// assign and output endpoints, health and version information, and the
// Prometheus metrics of the process.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apihandlers "github.com/anstrom/scanfleet/internal/api/handlers"
	"github.com/anstrom/scanfleet/internal/api/middleware"
	"github.com/anstrom/scanfleet/internal/config"
	"github.com/anstrom/scanfleet/internal/logging"
)

// Server timeout constants.
const (
	serverShutdownTimeout = 30 * time.Second
	readHeaderTimeout     = 10 * time.Second
	idleTimeout           = 60 * time.Second
)

// Deps are the collaborators the server routes to.
type Deps struct {
	Jobs     apihandlers.JobService
	Auth     middleware.Authenticator
	Database apihandlers.DatabasePinger
	Gatherer prometheus.Gatherer
	Logger   *logging.Logger
}

// Server represents the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	config     config.APIConfig
	logger     *logging.Logger
}

// New creates a new API server instance.
func New(cfg config.APIConfig, deps Deps) (*Server, error) {
	if deps.Jobs == nil {
		return nil, fmt.Errorf("api server requires a job service")
	}
	if deps.Auth == nil && !cfg.AuthDisabled {
		return nil, fmt.Errorf("api server requires an authenticator unless auth is disabled")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}

	s := &Server{
		router: mux.NewRouter(),
		config: cfg,
		logger: logger.WithComponent("api"),
	}
	s.setupRoutes(deps)

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.ListenAddr, strconv.Itoa(cfg.Port)),
		Handler:           s.handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}
	return s, nil
}

func (s *Server) setupRoutes(deps Deps) {
	slogger := s.logger.Logger

	scheduler, _ := deps.Jobs.(apihandlers.MaintenanceReporter)
	health := apihandlers.NewHealthHandler(deps.Database, scheduler, slogger)
	s.router.HandleFunc("/health", health.Health).Methods(http.MethodGet)
	s.router.HandleFunc("/version", health.Version).Methods(http.MethodGet)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	// Agent routes stay on the root router so a wrong method answers 405.
	jobs := apihandlers.NewSchedulerHandler(deps.Jobs, slogger)
	agent := func(h http.HandlerFunc) http.Handler {
		var wrapped http.Handler = middleware.BodyLimit(s.config.MaxRequestSize)(h)
		if !s.config.AuthDisabled {
			wrapped = middleware.Authentication(deps.Auth, slogger)(wrapped)
		}
		return wrapped
	}
	s.router.Handle("/api/v2/scheduler/job/assign", agent(jobs.Assign)).Methods(http.MethodPost)
	s.router.Handle("/api/v2/scheduler/job/output", agent(jobs.Output)).Methods(http.MethodPost)
}

// handler wraps the router with the middleware shared by every route.
func (s *Server) handler() http.Handler {
	slogger := s.logger.Logger

	s.router.Use(middleware.Recovery(slogger))
	s.router.Use(middleware.Logging(slogger))
	s.router.Use(middleware.Metrics(routeTemplate))
	s.router.Use(middleware.SecurityHeaders())
	s.router.Use(middleware.RequestTimeout(s.config.RequestTimeout))

	var h http.Handler = s.router
	if len(s.config.AllowedOrigins) > 0 {
		h = handlers.CORS(
			handlers.AllowedOrigins(s.config.AllowedOrigins),
			handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "X-API-Key"}),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		)(h)
	}
	return handlers.ProxyHeaders(handlers.CompressHandler(h))
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("API server listen failed: %w", err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.logger.Info("Starting API server", "address", listener.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		return err
	}
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// GetAddress returns the server address.
func (s *Server) GetAddress() string {
	return s.httpServer.Addr
}
