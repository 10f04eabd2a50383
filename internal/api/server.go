// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/trade-ledger/internal/circuitbreaker"
	"github.com/trade-ledger/internal/ledger"
	"github.com/trade-ledger/internal/logging"
	"github.com/trade-ledger/internal/models"
	"github.com/trade-ledger/internal/service"
	"github.com/trade-ledger/internal/tabular"
)

// Service interfaces for dependency injection and testing

// ImportServiceInterface defines the import operations
type ImportServiceInterface interface {
	Import(ctx context.Context, in *service.ImportInput) (*service.ImportResult, error)
	ImportTable(ctx context.Context, in *service.ImportInput, table *tabular.Table) (*service.ImportResult, error)
}

// LedgerServiceInterface defines explicit ledger maintenance
type LedgerServiceInterface interface {
	Recompute(ctx context.Context, userID string) (*ledger.Result, error)
}

// PortfolioServiceInterface defines the read-side operations
type PortfolioServiceInterface interface {
	Positions(ctx context.Context, userID, base string) (*service.PositionsResult, error)
	Overview(ctx context.Context, userID, base string) (*service.Overview, error)
	History(ctx context.Context, userID string, from, to time.Time) ([]*models.ValuationSnapshot, error)
}

// TransactionLister lists a user's stored log
type TransactionLister interface {
	ListTransactions(ctx context.Context, userID string, filter models.TransactionFilter) ([]*models.Transaction, error)
}

// PriceSetter stores manual price marks
type PriceSetter interface {
	SetPrices(ctx context.Context, marks []models.PriceMark) error
}

// StatsProvider reports read-side latency figures
type StatsProvider interface {
	Stats() *service.PerformanceStats
}

// BreakerReporter reports the market-data provider circuit breakers
type BreakerReporter interface {
	Stats() []circuitbreaker.Stats
}

// HealthCheck pings one dependency
type HealthCheck func(ctx context.Context) error

// Services bundles the collaborators of a Server. Prices, Stats, Breakers
// and Checks are optional.
type Services struct {
	Imports      ImportServiceInterface
	Ledger       LedgerServiceInterface
	Portfolio    PortfolioServiceInterface
	Transactions TransactionLister
	Prices       PriceSetter
	Stats        StatsProvider
	Breakers     BreakerReporter
	Checks       map[string]HealthCheck
}

// Server represents the HTTP API server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	imports      ImportServiceInterface
	ledger       LedgerServiceInterface
	portfolio    PortfolioServiceInterface
	transactions TransactionLister
	prices       PriceSetter
	stats        StatsProvider
	breakers     BreakerReporter
	checks       map[string]HealthCheck
	config       *ServerConfig
	logger       *logging.Logger
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	FreeTierRPS     int   // Requests per second for free tier
	PaidTierRPS     int   // Requests per second for paid tier
	MaxUploadBytes  int64 // Limit for multipart imports
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, svc Services) *Server {
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = 20 << 20
	}
	s := &Server{
		router:       mux.NewRouter(),
		imports:      svc.Imports,
		ledger:       svc.Ledger,
		portfolio:    svc.Portfolio,
		transactions: svc.Transactions,
		prices:       svc.Prices,
		stats:        svc.Stats,
		breakers:     svc.Breakers,
		checks:       svc.Checks,
		config:       config,
		logger:       logging.WithField("component", "api"),
	}

	s.setupRouter()

	return s
}

// Handler exposes the routed handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.FreeTierRPS, s.config.PaidTierRPS)

	// order matters
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	// Import endpoints
	api.HandleFunc("/imports", s.handleImport).Methods("POST")
	api.HandleFunc("/imports/file", s.handleImportFile).Methods("POST")

	// Ledger endpoints
	api.HandleFunc("/positions", s.handlePositions).Methods("GET")
	api.HandleFunc("/overview", s.handleOverview).Methods("GET")
	api.HandleFunc("/transactions", s.handleTransactions).Methods("GET")
	api.HandleFunc("/ledger/recompute", s.handleRecompute).Methods("POST")
	api.HandleFunc("/history", s.handleHistory).Methods("GET")

	// Market data endpoints
	api.HandleFunc("/prices", s.handleSetPrices).Methods("PUT")

	// preflight requests; CORSMiddleware answers them
	s.router.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleHealth reports liveness and pings each dependency
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	body := map[string]interface{}{
		"status":       "healthy",
		"service":      "trade-ledger",
		"dependencies": deps,
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	if s.stats != nil {
		body["overview"] = s.stats.Stats()
	}
	// an open provider breaker only lowers valuation confidence
	if s.breakers != nil {
		body["providers"] = s.breakers.Stats()
	}
	respondJSON(w, status, body)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Infof("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
