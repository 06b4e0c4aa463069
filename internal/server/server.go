package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"

	"github.com/formloom/platform/internal/config"
	"github.com/formloom/platform/internal/httpx"
	"github.com/formloom/platform/internal/shortlink"
	"github.com/formloom/platform/internal/token"
)

// Server represents the HTTP server with all dependencies.
type Server struct {
	config      *config.Config
	logger      *slog.Logger
	links       *shortlink.Handler
	tokens      *token.Handler
	auth        *token.Auth
	rateLimit   *token.RateLimit
	usageLogger *token.UsageLogger
	server      *http.Server
}

// Config holds the server's dependencies.
type Config struct {
	Config      *config.Config
	Logger      *slog.Logger
	Links       *shortlink.Handler
	Tokens      *token.Handler
	Auth        *token.Auth
	RateLimit   *token.RateLimit
	UsageLogger *token.UsageLogger
}

// New creates a new Server instance.
func New(cfg Config) *Server {
	return &Server{
		config:      cfg.Config,
		logger:      cfg.Logger,
		links:       cfg.Links,
		tokens:      cfg.Tokens,
		auth:        cfg.Auth,
		rateLimit:   cfg.RateLimit,
		usageLogger: cfg.UsageLogger,
	}
}

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Server.Host, s.config.Server.Port),
		Handler:      s.setupRoutes(),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  s.config.Server.IdleTimeout,
	}

	// Listen for errors from the server
	serverErrors := make(chan error, 1)

	// Start server in a goroutine
	go func() {
		s.logger.Info("starting http server",
			"addr", s.server.Addr,
			"env", s.config.App.Environment,
		)
		serverErrors <- s.server.ListenAndServe()
	}()

	// Listen for interrupt signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		s.logger.Info("received shutdown signal", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(ctx); err != nil {
			// Force close if graceful shutdown fails
			if closeErr := s.server.Close(); closeErr != nil {
				return fmt.Errorf("failed to close server: %w", closeErr)
			}
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		s.logger.Info("server stopped gracefully")
		return nil
	}
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() http.Handler {
	r := chi.NewRouter()

	r.Use(httpx.Recovery(s.logger))
	r.Use(httpx.RequestID)
	r.Use(httpx.Logger(s.logger))
	r.Use(httpx.CORS(nil))

	// Health check endpoint
	r.Get("/x/health", s.healthCheckHandler)

	// Public surface. Link creation accepts anonymous callers; authenticated
	// callers become the link's owner.
	r.Group(func(r chi.Router) {
		r.Use(s.auth.Optional)
		r.Post("/api/links", s.links.CreateLink)
	})
	r.Get("/{code}", s.links.ResolveLink)

	// Authenticated API surface.
	r.Group(func(r chi.Router) {
		r.Use(s.auth.Require)
		r.Use(s.rateLimit.Limit)
		r.Use(s.usageLogger.Record)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.RequireScope(token.ScopeRead))
			r.Get("/api/links", s.links.ListLinks)
			r.Get("/api/links/{code}", s.links.GetLink)
			r.Get("/api/tokens", s.tokens.ListTokens)
			r.Get("/api/tokens/{id}/usage", s.tokens.GetUsage)
			r.Get("/api/tokens/{id}/usage/stats", s.tokens.GetUsageStats)
			r.Get("/api/tokens/{id}/usage/timeseries", s.tokens.GetUsageTimeSeries)
			r.Get("/api/usage/summary", s.tokens.GetUsageSummary)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.auth.RequireScope(token.ScopeWrite))
			r.Delete("/api/links/{code}", s.links.DeleteLink)
			r.Post("/api/tokens", s.tokens.CreateToken)
			r.Patch("/api/tokens/{id}", s.tokens.UpdateToken)
			r.Delete("/api/tokens/{id}", s.tokens.DeleteToken)
		})
	})

	return r
}

// healthCheckHandler handles health check requests.
func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": s.config.Observability.ServiceName,
		"version": s.config.Observability.ServiceVersion,
	})
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	s.logger.Info("shutting down server")

	if err := s.server.Shutdown(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("shutdown timeout exceeded, forcing close")
			return s.server.Close()
		}
		return err
	}

	return nil
}
