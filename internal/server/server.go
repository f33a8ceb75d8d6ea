package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/cubexhq/usagegate/internal/cache"
	"github.com/cubexhq/usagegate/internal/handler"
	"github.com/cubexhq/usagegate/internal/metrics"
	"github.com/cubexhq/usagegate/internal/quota"
	"github.com/cubexhq/usagegate/internal/server/middleware"
	"github.com/cubexhq/usagegate/internal/service"
	"github.com/cubexhq/usagegate/internal/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	InternalAPIKey  string
	EdgeRateLimit   int // requests per minute per IP, 0 disables
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		EdgeRateLimit:   600,
	}
}

// Server is the top-level HTTP server. It owns the Chi router, the store, the
// cache, the usage engine, and the admin services.
type Server struct {
	cfg        Config
	router     chi.Router
	store      *store.Store
	cache      cache.Cache
	engine     *quota.Engine
	authSvc    *service.AuthService
	keySvc     *service.KeyService
	metrics    *metrics.Metrics
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, st *store.Store, c cache.Cache, engine *quota.Engine, authSvc *service.AuthService, keySvc *service.KeyService, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		store:   st,
		cache:   c,
		engine:  engine,
		authSvc: authSvc,
		keySvc:  keySvc,
		metrics: m,
		logger:  logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit-Minute", "X-RateLimit-Remaining-Minute", "X-RateLimit-Reset-Minute", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(chimw.Compress(5))
	if s.cfg.EdgeRateLimit > 0 {
		r.Use(middleware.RateLimit(s.cfg.EdgeRateLimit))
	}

	// --- Health checks and metrics (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	// --- Internal usage API (shared-secret auth) ---
	usageHandler := handler.NewUsageHandler(s.engine, s.logger)
	r.Route("/internal/usage", func(r chi.Router) {
		r.Use(middleware.InternalAuth(s.cfg.InternalAPIKey))
		r.Post("/validate", usageHandler.Validate)
		r.Post("/commit", usageHandler.Commit)
	})

	// --- Admin API ---
	r.Route("/api/v1/system", func(r chi.Router) {
		sysHandler := handler.NewSystemHandler(s.store, s.authSvc, s.keySvc, s.logger)

		// Session endpoint is unauthenticated (login issues the token).
		r.Post("/admin/session", sysHandler.Login)

		// Everything else requires a valid admin session.
		r.Group(func(r chi.Router) {
			r.Use(middleware.AdminAuth(s.authSvc))

			r.Get("/workspace", sysHandler.ListWorkspaces)
			r.Post("/workspace", sysHandler.CreateWorkspace)

			r.Get("/api-key", sysHandler.ListAPIKeys)
			r.Post("/api-key", sysHandler.CreateAPIKey)
			r.Delete("/api-key/{keyID}", sysHandler.RevokeAPIKey)
		})
	})

	s.router = r
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 when the store and cache are
// reachable, or 503 when either is down.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := make(map[string]string)

	if err := s.store.Ping(r.Context()); err != nil {
		checks["store"] = "error: " + err.Error()
		status = "degraded"
	} else {
		checks["store"] = "ok"
	}
	if err := s.cache.Ping(r.Context()); err != nil {
		checks["cache"] = "error: " + err.Error()
		status = "degraded"
	} else {
		checks["cache"] = "ok"
	}

	if status != "ok" {
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It then performs a graceful shutdown, draining in-flight
// requests.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Listen for shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start server in background goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
