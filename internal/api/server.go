// Package api provides the HTTP API server and handlers for the Grimoire application.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/grimoireapp/grimoire-server/internal/auth"
	"github.com/grimoireapp/grimoire-server/internal/http/response"
	"github.com/grimoireapp/grimoire-server/internal/ratelimit"
	"github.com/grimoireapp/grimoire-server/internal/service"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	authService *service.AuthService
	bookService *service.BookService
	tokens      *auth.TokenService
	limiter     *ratelimit.KeyedRateLimiter
	imagesDir   string
	router      *chi.Mux
	logger      *slog.Logger
}

// NewServer creates a new HTTP server with all routes configured.
// imagesDir is the directory served under /images/; empty disables the
// static route (remote storage backends serve covers themselves).
func NewServer(authService *service.AuthService, bookService *service.BookService, tokens *auth.TokenService, limiter *ratelimit.KeyedRateLimiter, imagesDir string, logger *slog.Logger) *Server {
	s := &Server{
		authService: authService,
		bookService: bookService,
		tokens:      tokens,
		limiter:     limiter,
		imagesDir:   imagesDir,
		router:      chi.NewRouter(),
		logger:      logger,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// setupMiddleware configures middleware stack.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5))

	// The catalog is consumed by a browser frontend on another origin.
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	if s.limiter != nil {
		s.router.Use(s.rateLimit)
	}
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	// Health check.
	s.router.Get("/health", s.handleHealthCheck)

	// Cover images (local storage backend only).
	if s.imagesDir != "" {
		fileServer := http.StripPrefix("/images/", http.FileServer(http.Dir(s.imagesDir)))
		s.router.Get("/images/*", fileServer.ServeHTTP)
	}

	// API v1.
	s.router.Route("/api/v1", func(r chi.Router) {
		// Auth endpoints (public).
		r.Route("/auth", func(r chi.Router) {
			r.Post("/signup", s.handleSignup)
			r.Post("/login", s.handleLogin)
		})

		r.Route("/books", func(r chi.Router) {
			// Reads are public.
			r.Get("/", s.handleListBooks)
			r.Get("/bestrating", s.handleBestRating)
			r.Get("/{id}", s.handleGetBook)

			// Mutations require auth.
			r.Group(func(r chi.Router) {
				r.Use(s.requireAuth)
				r.Post("/", s.handleCreateBook)
				r.Put("/{id}", s.handleUpdateBook)
				r.Delete("/{id}", s.handleDeleteBook)
				r.Post("/{id}/rating", s.handleRateBook)
			})
		})
	})
}

// handleHealthCheck reports server liveness.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	response.Success(w, map[string]string{"status": "ok"}, s.logger)
}
