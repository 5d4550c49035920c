package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/parimutuel/internal/domain"
	"github.com/alanyoungcy/parimutuel/internal/server/handler"
	"github.com/alanyoungcy/parimutuel/internal/server/middleware"
	"github.com/alanyoungcy/parimutuel/internal/server/ws"
)

// RateLimit is a request budget per client IP.
type RateLimit struct {
	Limit  int
	Window time.Duration
}

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	APIRate     RateLimit
	BetRate     RateLimit
	MarketRate  RateLimit
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health  *handler.HealthHandler
	Markets *handler.MarketHandler
	Bets    *handler.BetHandler
	Sync    *handler.SyncHandler
}

// Server is the HTTP + WebSocket API of the ledger.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain.
// Market administration and manual sync require the API key; reads and bet
// placement do not. limiter may be nil to disable rate limiting.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	admin := middleware.Auth(cfg.APIKey)
	limit := func(scope string, rl RateLimit) func(http.Handler) http.Handler {
		return middleware.RateLimit(limiter, scope, rl.Limit, rl.Window, logger)
	}

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Markets.
	mux.HandleFunc("GET /api/markets", handlers.Markets.ListMarkets)
	mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.GetMarket)
	mux.Handle("POST /api/markets", limit("markets", cfg.MarketRate)(admin(http.HandlerFunc(handlers.Markets.CreateMarket))))
	mux.Handle("POST /api/markets/{id}/resolve", admin(http.HandlerFunc(handlers.Markets.ResolveMarket)))
	mux.Handle("POST /api/markets/{id}/deploy", admin(http.HandlerFunc(handlers.Markets.RetryDeployment)))

	// Bets.
	mux.Handle("POST /api/bets", limit("bets", cfg.BetRate)(http.HandlerFunc(handlers.Bets.CreateBet)))
	mux.HandleFunc("GET /api/bets/{id}", handlers.Bets.GetBet)
	mux.HandleFunc("GET /api/users/{id}/bets", handlers.Bets.ListUserBets)

	// Reconciliation.
	mux.HandleFunc("GET /api/sync/status", handlers.Sync.Status)
	mux.Handle("POST /api/sync/all", admin(http.HandlerFunc(handlers.Sync.SyncAll)))
	mux.Handle("POST /api/sync/markets/{id}", admin(http.HandlerFunc(handlers.Sync.SyncMarket)))

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = limit("api", cfg.APIRate)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
