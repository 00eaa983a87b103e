// Package server exposes the operator HTTP API and the event websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/stratfleet/internal/domain"
	"github.com/alanyoungcy/stratfleet/internal/server/handler"
	"github.com/alanyoungcy/stratfleet/internal/server/middleware"
	"github.com/alanyoungcy/stratfleet/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	APIKey      string // empty disables authentication
	CORSOrigins []string
	RateLimit   int // requests per client per minute; 0 disables
}

// Handlers aggregates the route handlers. Nil handlers leave their routes
// unregistered.
type Handlers struct {
	Health     *handler.HealthHandler
	Status     *handler.StatusHandler
	Strategies *handler.StrategyHandler
	Failover   *handler.FailoverHandler
}

// Server is the operator API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers the routes and builds the middleware chain. limiter
// may be nil.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewHandler(cfg, handlers, hub, limiter, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// NewHandler returns the routed handler wrapped in CORS, logging, rate
// limiting and auth, outermost first.
func NewHandler(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	if handlers.Health == nil {
		handlers.Health = handler.NewHealthHandler()
	}
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	if handlers.Status != nil {
		mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	}
	if handlers.Strategies != nil {
		mux.HandleFunc("POST /api/strategies/{id}/sync", handlers.Strategies.Sync)
		mux.HandleFunc("POST /api/strategies/{id}/check", handlers.Strategies.Check)
	}
	if handlers.Failover != nil {
		mux.HandleFunc("POST /api/failover/force", handlers.Failover.Force)
		mux.HandleFunc("POST /api/exchanges/{name}/failover", handlers.Failover.Exchange)
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	h = middleware.RateLimit(limiter, cfg.RateLimit, time.Minute, logger)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
