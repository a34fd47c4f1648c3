package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/jobs"
	"github.com/poiesic/kbingest/plugin"
)

// JobService is the job control API served over HTTP. *jobs.Service
// implements it.
type JobService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*core.IngestionJob, error)
	GetStatus(ctx context.Context, jobID string) (*core.IngestionJob, error)
	List(ctx context.Context, req jobs.ListRequest) (*jobs.ListResult, error)
	Summary(ctx context.Context, collectionID string) (*jobs.Summary, error)
	Retry(ctx context.Context, jobID string, override map[string]any) (*core.IngestionJob, error)
	Cancel(ctx context.Context, jobID string) (*core.IngestionJob, error)
	Delete(ctx context.Context, jobID string) (*core.IngestionJob, error)
	Plugins() []plugin.Info
}

var _ JobService = (*jobs.Service)(nil)

// ErrServiceRequired indicates a Server was created without a JobService.
var ErrServiceRequired = errors.New("job service is required")

// Server serves the job control API.
type Server struct {
	svc            JobService
	addr           string
	allowedOrigins []string
	maxUploadBytes int64
	requestTimeout time.Duration
	logger         *slog.Logger
	httpServer     *http.Server
}

// Option configures a Server.
type Option func(*Server) error

// WithAddr sets the listen address. Default is ":8080".
func WithAddr(addr string) Option {
	return func(s *Server) error {
		s.addr = addr
		return nil
	}
}

// WithAllowedOrigins sets the CORS origins. Default allows any origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) error {
		s.allowedOrigins = origins
		return nil
	}
}

// WithMaxUploadBytes bounds multipart request bodies. Default is 100MB.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) error {
		if n <= 0 {
			return fmt.Errorf("%w: upload limit must be positive", core.ErrValidation)
		}
		s.maxUploadBytes = n
		return nil
	}
}

// WithRequestTimeout bounds each request. Default is 60 seconds.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) error {
		s.requestTimeout = d
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// NewServer builds the router for svc.
func NewServer(svc JobService, opts ...Option) (*Server, error) {
	if svc == nil {
		return nil, ErrServiceRequired
	}
	s := &Server{
		svc:            svc,
		addr:           ":8080",
		allowedOrigins: []string{"*"},
		maxUploadBytes: 100 << 20,
		requestTimeout: 60 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "httpapi")
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	if s.requestTimeout > 0 {
		r.Use(middleware.Timeout(s.requestTimeout))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", ownerHeader},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.health)
	r.Get("/plugins", s.listPlugins)

	r.Route("/collections/{collectionID}", func(r chi.Router) {
		r.Post("/ingest", s.ingestFile)
		r.Post("/ingest-url", s.ingestURL)
		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/summary", s.summary)
	})

	r.Route("/jobs/{jobID}", func(r chi.Router) {
		r.Get("/", s.getJob)
		r.Delete("/", s.deleteJob)
		r.Post("/retry", s.retryJob)
		r.Post("/cancel", s.cancelJob)
	})
	return r
}

// Start serves until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// requestLogger logs one line per request through slog.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
