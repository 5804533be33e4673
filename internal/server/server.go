// Package server wires the HTTP routes, owns the database handle and runs
// the listener until its context ends.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sakif/coderunner/internal/auth"
	"github.com/sakif/coderunner/internal/executor"
	"github.com/sakif/coderunner/internal/handler"
	"github.com/sakif/coderunner/internal/middleware"
	sqliteRepo "github.com/sakif/coderunner/internal/repository/sqlite"
	"github.com/sakif/coderunner/internal/service"
)

type Config struct {
	Port   int
	DBPath string

	// JWTSecret turns on accounts. Without it /api/execute is open to
	// anyone and the /auth and history routes are not mounted.
	JWTSecret string
	TokenTTL  time.Duration

	// GitHub sign-in is mounted only when all three are set.
	GitHubClientID     string
	GitHubClientSecret string
	GitHubCallbackURL  string

	AllowedOrigins []string
	SecureCookies  bool

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration // must exceed the sandbox timeout
	ShutdownTimeout time.Duration

	Execution service.ExecutionConfig
}

// Deps are the pieces built outside the HTTP layer.
type Deps struct {
	Executor  executor.Executor
	Languages []string
	Runtime   handler.Pinger // nil skips the daemon check in /healthz
}

type Server struct {
	router *chi.Mux
	config Config
	logger *slog.Logger
	db     *sqliteRepo.DB
}

func New(cfg Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if deps.Executor == nil {
		return nil, errors.New("server: an executor is required")
	}

	db, err := sqliteRepo.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
		db:     db,
	}
	if err := s.setupRoutes(deps); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}
	return s, nil
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes(deps Deps) error {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger))
	if len(s.config.AllowedOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.config.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "Authorization"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	health := handler.NewHealthHandler(deps.Runtime, s.logger)
	s.router.Get("/healthz", health.HandleHealth)

	runs := service.NewExecutionService(deps.Executor, s.db, s.config.Execution, s.logger)
	execute := handler.NewExecuteHandler(runs, deps.Languages, s.logger)

	if s.config.JWTSecret == "" {
		s.logger.Warn("no JWT secret configured: /api/execute is unauthenticated and accounts are disabled")
		s.router.Route("/api", func(r chi.Router) {
			r.Get("/languages", execute.HandleLanguages)
			r.Post("/execute", execute.HandleExecute)
		})
		return nil
	}

	tokens, err := auth.NewTokenService(s.config.JWTSecret, s.config.TokenTTL)
	if err != nil {
		return err
	}

	var github *auth.GitHubProvider
	if s.config.GitHubClientID != "" && s.config.GitHubClientSecret != "" && s.config.GitHubCallbackURL != "" {
		github = auth.NewGitHubProvider(s.config.GitHubClientID, s.config.GitHubClientSecret, s.config.GitHubCallbackURL)
	}

	accounts := service.NewAuthService(s.db, tokens, auth.NewPasswordService(), s.logger)
	authHandler := handler.NewAuthHandler(accounts, github, s.config.SecureCookies, s.logger)
	history := handler.NewExecutionsHandler(runs, s.logger)

	s.router.Route("/auth", func(r chi.Router) {
		r.Post("/register", authHandler.HandleRegister)
		r.Post("/login", authHandler.HandleLogin)
		r.Post("/logout", authHandler.HandleLogout)
		if github != nil {
			r.Get("/github/login", authHandler.HandleGitHubLogin)
			r.Get("/github/callback", authHandler.HandleGitHubCallback)
		}
		r.With(auth.RequireAuth(tokens)).Get("/me", authHandler.HandleMe)
	})

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/languages", execute.HandleLanguages)
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(tokens))
			r.Post("/execute", execute.HandleExecute)
			r.Get("/executions", history.HandleList)
			r.Get("/executions/{id}", history.HandleGet)
		})
	})
	return nil
}

// Start serves until ctx is cancelled, then drains in-flight requests
// (which may include running sandboxes) within ShutdownTimeout. The
// database is closed on return.
func (s *Server) Start(ctx context.Context) error {
	defer s.db.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  orDefault(s.config.ReadTimeout, 15*time.Second),
		WriteTimeout: orDefault(s.config.WriteTimeout, 90*time.Second),
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", s.config.Port)),
			slog.String("database", s.config.DBPath),
			slog.Bool("auth", s.config.JWTSecret != ""),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), orDefault(s.config.ShutdownTimeout, 45*time.Second))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}
	return nil
}

// Close releases the database without serving, for callers that built a
// Server but never started it.
func (s *Server) Close() error {
	return s.db.Close()
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
