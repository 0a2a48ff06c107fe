package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"github.com/petalhost/petalhost/internal/application/provisioning"
	trialapp "github.com/petalhost/petalhost/internal/application/trial"
	"github.com/petalhost/petalhost/pkg/common/logger"
	"github.com/petalhost/petalhost/pkg/common/otel"
)

// Pinger reports whether a backing store is reachable. Satisfied by
// pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterConfig carries everything the HTTP surface depends on.
type RouterConfig struct {
	Provisioning *provisioning.Service
	Lifecycle    *trialapp.Manager
	DB           Pinger
	Logger       *logger.Logger
	// Tracer is optional; when set, every request runs under a server span.
	Tracer trace.Tracer
}

// NewRouter assembles the control-plane routes.
func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))
	if cfg.Tracer != nil {
		r.Use(otel.Middleware(cfg.Tracer))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := cfg.DB.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable", "reason": "database unreachable",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/tenants", NewTenantHandler(cfg.Provisioning, cfg.Lifecycle, cfg.Logger).Routes())
		r.Mount("/operations", NewOperationHandler(cfg.Provisioning).Routes())
		r.Mount("/lifecycle", NewLifecycleHandler(cfg.Lifecycle).Routes())
	})

	return r
}

// Server wraps http.Server with graceful shutdown.
type Server struct {
	srv    *http.Server
	logger *logger.Logger
}

// NewServer builds the HTTP server on the given address.
func NewServer(addr string, handler http.Handler, log *logger.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       2 * time.Minute,
			ErrorLog:          logger.NewStdLogger(log, logger.LevelError),
		},
		logger: log.With("component", "http_server"),
	}
}

// Start serves until the listener closes. ErrServerClosed is not an error.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info(ctx, "http server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "http server shutting down")
	return s.srv.Shutdown(ctx)
}
