package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/poolledger/internal/crypto"
	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/server/handler"
	"github.com/alanyoungcy/poolledger/internal/server/middleware"
	"github.com/alanyoungcy/poolledger/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// Admin authenticates /api/admin requests. Nil disables the admin API.
	Admin *crypto.HMACAuth
	// RateLimit is the per-client request budget per RateWindow. Zero
	// disables rate limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health   *handler.HealthHandler
	Status   *handler.StatusHandler
	Commands *handler.CommandHandler
	Ledger   *handler.LedgerHandler
	History  *handler.HistoryHandler
	Admin    *handler.AdminHandler
	// Archive is optional; it is set only when the archive job runs in
	// the same process.
	Archive *handler.ArchiveTriggerHandler
}

// Server is the HTTP + WebSocket API of the pool ledger.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered. limiter may be
// nil, as may wsHub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewHandler(cfg, handlers, wsHub, limiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// NewHandler builds the routed and middleware-wrapped handler.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	if handlers.Status != nil {
		mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	}

	// Signed ledger commands.
	mux.HandleFunc("POST /api/commands", handlers.Commands.Submit)

	// Ledger reads.
	mux.HandleFunc("GET /api/pools/{id}", handlers.Ledger.GetPool)
	mux.HandleFunc("GET /api/pools/{id}/positions", handlers.Ledger.ListPositions)
	mux.HandleFunc("GET /api/pools/{id}/positions/{owner}", handlers.Ledger.GetPosition)
	mux.HandleFunc("GET /api/accounts/{address}/balance", handlers.Ledger.Balance)
	mux.HandleFunc("GET /api/token-accounts/{account}/allowances/{spender}", handlers.Ledger.Allowance)

	// History.
	mux.HandleFunc("GET /api/audit", handlers.History.ListAudit)
	mux.HandleFunc("GET /api/events", handlers.History.Events)

	// Operator endpoints.
	if handlers.Admin != nil {
		admin := middleware.AdminAuth(cfg.Admin, logger)
		mux.Handle("POST /api/admin/accounts/{address}/fund", admin(http.HandlerFunc(handlers.Admin.Fund)))
		mux.Handle("POST /api/admin/token-accounts", admin(http.HandlerFunc(handlers.Admin.OpenTokenAccount)))
		if handlers.Archive != nil {
			mux.Handle("POST /api/admin/archive/run", admin(http.HandlerFunc(handlers.Archive.Trigger)))
		}
		if handlers.Admin.Archives() {
			mux.Handle("GET /api/admin/archives", admin(http.HandlerFunc(handlers.Admin.ListArchives)))
			mux.Handle("GET /api/admin/archives/{path...}", admin(http.HandlerFunc(handlers.Admin.GetArchive)))
			mux.Handle("DELETE /api/admin/archives/{path...}", admin(http.HandlerFunc(handlers.Admin.DeleteArchive)))
		}
	}

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Second
		}
		h = middleware.RateLimit(limiter, cfg.RateLimit, window, logger)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
