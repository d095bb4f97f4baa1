// Package server exposes the operational HTTP surface: race and settlement
// views, the treasury and leaderboard endpoints, the signed admin control
// plane, and the WebSocket event stream.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/raceswap/raced/internal/crypto"
	"github.com/raceswap/raced/internal/domain"
	"github.com/raceswap/raced/internal/server/handler"
	"github.com/raceswap/raced/internal/server/middleware"
	"github.com/raceswap/raced/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port          int
	CORSOrigins   []string
	APIKey        string           // if empty, read API authentication is disabled
	AdminAuth     *crypto.HMACAuth // if nil, the admin routes reject everything
	RatePerMinute int              // per-client request budget; 0 disables limiting
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health   *handler.HealthHandler
	Races    *handler.RaceHandler
	Treasury *handler.TreasuryHandler
	Stats    *handler.StatsHandler
	Admin    *handler.AdminHandler
}

// Server is the headless HTTP + WebSocket API server for the race engine.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux
// and the middleware chain (rate limit, auth, logging, CORS) applied.
// limiter may be nil to disable rate limiting.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health endpoints (no auth).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/ready", handlers.Health.Readiness)

	// Race views.
	mux.HandleFunc("GET /api/races", handlers.Races.ListRaces)
	mux.HandleFunc("GET /api/races/{id}", handlers.Races.GetRace)
	mux.HandleFunc("GET /api/races/{id}/bets", handlers.Races.ListBets)
	mux.HandleFunc("GET /api/races/{id}/transfers", handlers.Races.ListTransfers)
	mux.HandleFunc("GET /api/races/{id}/results", handlers.Races.ListResults)

	// Treasury and leaderboard.
	mux.HandleFunc("GET /api/treasury", handlers.Treasury.GetTreasury)
	mux.HandleFunc("GET /api/stats/leaderboard", handlers.Stats.Leaderboard)
	mux.HandleFunc("GET /api/stats/{wallet}", handlers.Stats.GetWallet)

	// Admin control plane, behind HMAC request signing.
	adminAuth := middleware.HMACAuth(cfg.AdminAuth)
	mux.Handle("POST /api/admin/races/{id}/transition", adminAuth(http.HandlerFunc(handlers.Admin.ForceTransition)))
	mux.Handle("POST /api/admin/maintenance", adminAuth(http.HandlerFunc(handlers.Admin.SetMaintenance)))
	mux.Handle("GET /api/admin/audit", adminAuth(http.HandlerFunc(handlers.Admin.ListAudit)))
	mux.Handle("GET /api/admin/archives", adminAuth(http.HandlerFunc(handlers.Admin.ListArchives)))
	mux.Handle("GET /api/admin/archives/{path...}", adminAuth(http.HandlerFunc(handlers.Admin.GetArchive)))
	mux.Handle("DELETE /api/admin/archives/{path...}", adminAuth(http.HandlerFunc(handlers.Admin.DeleteArchive)))

	// WebSocket event stream.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	if limiter != nil && cfg.RatePerMinute > 0 {
		h = middleware.RateLimit(limiter, cfg.RatePerMinute, time.Minute)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger.With(slog.String("component", "server")),
	}
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
