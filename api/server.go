package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/adapter"
	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/governor"
	"github.com/isdmx/runbox/orchestrator"
	"github.com/isdmx/runbox/sandbox"
)

const (
	// maxRequestBytes bounds the size of an execute request body
	maxRequestBytes = 4 << 20
	shutdownTimeout = 10 * time.Second
	readTimeout     = 30 * time.Second
	// corsMaxAge is how long browsers may cache a preflight response, in seconds
	corsMaxAge = 300
)

// Executor is the part of the orchestrator served by the API
type Executor interface {
	Execute(ctx context.Context, sub sandbox.Submission) (sandbox.ExecutionResult, error)
	Languages() []adapter.LanguageAdapter
	Stats() orchestrator.Stats
}

// Server is the HTTP server for the REST API
type Server struct {
	logger   *zap.Logger
	exec     Executor
	defaults governor.Limits
	gatherer prometheus.Gatherer
	origins  []string
	router   chi.Router
	http     *http.Server
}

// New creates a Server listening on api.http_port. Limits omitted from a
// request keep the governor's defaults.
func New(cfg *config.Config, logger *zap.Logger, exec Executor, gov *governor.Governor, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		logger:   logger.Named("api"),
		exec:     exec,
		defaults: gov.Defaults(),
		gatherer: gatherer,
		origins:  cfg.API.CORSAllowedOrigins,
		router:   chi.NewRouter(),
	}
	s.setupRoutes()

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.API.HTTPPort),
		Handler:           s.router,
		ReadHeaderTimeout: readTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"Retry-After", "X-Request-Id"},
		MaxAge:         corsMaxAge,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContentType)

		r.Post("/execute", s.handleExecute)
		r.Get("/languages", s.handleListLanguages)
	})

	// unprefixed alias of /api/execute
	r.With(jsonContentType).Post("/execute", s.handleExecute)

	r.With(jsonContentType).Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured port and blocks until the server is shut
// down. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting REST API", zap.String("addr", s.http.Addr))
	return s.http.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down REST API")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}

// jsonContentType sets Content-Type to application/json for API routes
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs every request once it has been served
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.Debug("request served",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
