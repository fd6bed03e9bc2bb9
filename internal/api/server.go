package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/abtest"
	"github.com/opensource-finance/kestrel/internal/blacklist"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/reviewqueue"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, eval *engine.Engine, ruleEngine *rules.Engine, deny *blacklist.Manager, review *reviewqueue.Service, tests *abtest.Service, version string) *Server {
	handler := NewHandler(repo, cache, bus, eval, ruleEngine, deny, review, tests, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Transaction evaluation
	router.Post("/evaluate", handler.Evaluate)

	// Evaluation retrieval
	router.Get("/evaluations/{id}", handler.GetEvaluation)

	// Rule management
	router.Get("/rules", handler.ListRules)
	router.Get("/rules/{id}", handler.GetRule)
	router.Post("/rules", handler.CreateRule)
	router.Put("/rules/{id}/enabled", handler.SetRuleEnabled)
	router.Post("/rules/reload", handler.ReloadRules)

	// Blacklist management
	router.Get("/blacklist", handler.ListBlacklist)
	router.Post("/blacklist", handler.AddBlacklistEntry)
	router.Delete("/blacklist/{type}/{value}", handler.RemoveBlacklistEntry)

	// Review queue
	router.Get("/review-queue", handler.ListReviewQueue)
	router.Get("/review-queue/{transactionId}", handler.GetReviewEntry)
	router.Post("/review-queue/{transactionId}/claim", handler.ClaimReviewEntry)
	router.Post("/review-queue/{transactionId}/resolve", handler.ResolveReviewEntry)

	// A/B tests
	router.Get("/abtests", handler.ListABTests)
	router.Post("/abtests", handler.CreateABTest)
	router.Get("/abtests/{id}", handler.GetABTest)
	router.Put("/abtests/{id}/status", handler.SetABTestStatus)
	router.Post("/abtests/{id}/results", handler.RecordABTestResult)

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
