package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opencare-jp/kasan/internal/catalog"
	"github.com/opencare-jp/kasan/internal/domain"
	"github.com/opencare-jp/kasan/internal/engine"
	"github.com/opencare-jp/kasan/internal/recalc"
	"github.com/opencare-jp/kasan/internal/receipt"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, eng *engine.Engine, orch *recalc.Orchestrator, receipts *receipt.Service, cat *catalog.Catalog, version string) *Server {
	handler := NewHandler(repo, cache, bus, eng, orch, receipts, cat, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no facility required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (facility required)
	router.Route("/", func(r chi.Router) {
		r.Use(FacilityMiddleware)

		// Visit ingest and calculation
		r.Post("/visits", handler.IngestVisit)
		r.Post("/visits/{id}/calculate", handler.CalculateVisit)
		r.Get("/visits/{id}/decisions", handler.GetVisitDecisions)

		// Monthly recalculation
		r.Post("/recalculate", handler.Recalculate)

		// Receipt summary
		r.Get("/patients/{id}/receipt", handler.GetReceipt)

		// Rule management
		r.Get("/rules", handler.ListRules)
		r.Get("/rules/{code}", handler.GetRule)
		r.Post("/rules", handler.CreateRule)
		r.Post("/rules/reload", handler.ReloadRules)

		// Collaborator profiles
		r.Put("/facilities/{id}/profile", handler.PutFacilityProfile)
		r.Put("/patients/{id}/profile", handler.PutPatientProfile)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
