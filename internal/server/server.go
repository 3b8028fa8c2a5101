package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/turnstiledev/turnstile/internal/handler"
	"github.com/turnstiledev/turnstile/internal/metrics"
	"github.com/turnstiledev/turnstile/internal/model"
	"github.com/turnstiledev/turnstile/internal/server/middleware"
	"github.com/turnstiledev/turnstile/internal/service"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host               string
	Port               int
	ShutdownTimeout    time.Duration
	CORSOrigins        []string
	LoginRateLimit     int // requests per minute per IP
	KeepAliveRateLimit int // requests per minute per token
	PublicURL          string
	Version            string
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:               "0.0.0.0",
		Port:               8080,
		ShutdownTimeout:    30 * time.Second,
		CORSOrigins:        []string{"*"},
		LoginRateLimit:     20,
		KeepAliveRateLimit: 60,
		Version:            "dev",
	}
}

// Deps are the services the server routes to. Metrics and Gatherer may be
// nil, in which case /metrics is not mounted. A nil MCP leaves /mcp unmounted.
type Deps struct {
	Auth       *service.AuthService
	Principals *service.PrincipalService
	Lockout    *service.LockoutGuard
	Store      handler.Pinger
	Metrics    *metrics.Collector
	Gatherer   prometheus.Gatherer
	MCP        http.Handler
}

// Server is the turnstile HTTP server. It owns the chi router and the
// services behind it.
type Server struct {
	cfg        Config
	deps       Deps
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a Server with every route and middleware mounted.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, deps: deps, logger: logger}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(s.logger))
	if s.deps.Metrics != nil {
		r.Use(middleware.Metrics(s.deps.Metrics))
	}
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	sysHandler := handler.NewSystemHandler(s.cfg.Version, map[string]handler.Pinger{"store": s.deps.Store})
	authHandler := handler.NewAuthHandler(s.deps.Auth, s.deps.Principals, s.logger)
	principalHandler := handler.NewPrincipalHandler(s.deps.Principals, s.logger)
	lockoutHandler := handler.NewLockoutHandler(s.deps.Lockout, s.logger)

	// --- Probes, metrics and API description (no auth required) ---
	r.Get("/healthz", sysHandler.Healthz)
	r.Get("/readyz", sysHandler.Readyz)
	r.Get("/openapi.json", handler.NewOpenAPIHandler(s.cfg.PublicURL, s.cfg.Version).ServeSpec)
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(s.deps.Gatherer))
	}

	var obs middleware.DecisionObserver
	if s.deps.Metrics != nil {
		obs = s.deps.Metrics
	}
	require := func(perm string) func(http.Handler) http.Handler {
		return middleware.Require(service.RequirePermission(perm), obs)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.With(middleware.RateLimit(s.cfg.LoginRateLimit)).Post("/login", authHandler.Login)
			r.Post("/validate", authHandler.Validate)
			r.With(middleware.RateLimitByToken(s.cfg.KeepAliveRateLimit)).Post("/keepalive", authHandler.KeepAlive)
			r.Post("/logout", authHandler.Logout)
			r.With(middleware.Authenticate(s.deps.Auth)).Get("/me", authHandler.Me)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate(s.deps.Auth))

			r.Route("/principals", func(r chi.Router) {
				r.With(require(model.PermPrincipalsRead)).Get("/", principalHandler.ListPrincipals)
				r.Group(func(r chi.Router) {
					r.Use(require(model.PermPrincipalsManage))
					r.Post("/", principalHandler.CreatePrincipal)
					r.Put("/{id}/permissions", principalHandler.SetPermissions)
					r.Put("/{id}/status", principalHandler.SetStatus)
				})
			})

			r.Route("/lockouts", func(r chi.Router) {
				r.Use(require(model.PermLockoutsManage))
				r.Get("/{identifier}", lockoutHandler.GetLockout)
				r.Delete("/{identifier}", lockoutHandler.ReleaseLockout)
			})
		})
	})

	// Agent tools expose lockout state, so they sit behind the same gate.
	if s.deps.MCP != nil {
		r.With(middleware.Authenticate(s.deps.Auth), require(model.PermLockoutsManage)).Handle("/mcp", s.deps.MCP)
	}

	s.router = r
}

// ListenAndServe serves until ctx is cancelled, then drains in-flight
// requests for at most ShutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
