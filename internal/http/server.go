// Package http provides the HTTP API for agentd.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/agentd/internal/events"
	"github.com/fyrsmithlabs/agentd/internal/orchestrator"
)

// OwnerHeader names the caller. Every /api/v1 request must carry it.
const OwnerHeader = "X-Agentd-Owner"

// DefaultHeartbeat is the interval between SSE keep-alive comments.
const DefaultHeartbeat = 30 * time.Second

// Orchestrator is the command and query surface the server exposes.
type Orchestrator interface {
	CreateConversation(ctx context.Context, owner, project, message string) (*orchestrator.View, error)
	SendMessage(ctx context.Context, id, message string) (*orchestrator.View, error)
	ApprovePlan(ctx context.Context, id string, approved bool, feedback string) (*orchestrator.View, error)
	ApproveFile(ctx context.Context, planID, fileID string, action orchestrator.FileAction) (*orchestrator.View, error)
	Cancel(ctx context.Context, id string) (*orchestrator.View, error)
	Resume(ctx context.Context, id string) (*orchestrator.View, error)
	Get(ctx context.Context, id string) (*orchestrator.View, error)
	GetPlan(ctx context.Context, planID string) (*orchestrator.View, error)
	List(ctx context.Context, owner string) ([]*orchestrator.Conversation, error)
	Rollback(ctx context.Context, planID, fileID string) (*orchestrator.View, error)
}

// Server provides HTTP endpoints for agentd.
type Server struct {
	echo    *echo.Echo
	orch    Orchestrator
	events  events.Source
	logger  *zap.Logger
	metrics *HTTPMetrics
	config  *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Addr string

	// RateLimit is the steady request rate allowed per owner, in requests
	// per second. Zero disables rate limiting.
	RateLimit float64
	RateBurst int

	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
}

// NewServer creates a new HTTP server. source feeds the SSE endpoints and
// may be nil, in which case they answer 503.
func NewServer(orch Orchestrator, source events.Source, logger *zap.Logger, cfg *Config) (*Server, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Addr:      "127.0.0.1:9191",
			RateLimit: 20,
			RateBurst: 40,
		}
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		orch:    orch,
		events:  source,
		logger:  logger,
		metrics: NewHTTPMetrics(logger),
		config:  cfg,
	}
	e.HTTPErrorHandler = s.handleError

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.metrics.Middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	// Health check
	s.echo.GET("/health", s.handleHealth)

	// API v1 routes
	v1 := s.echo.Group("/api/v1", s.requireOwner)
	if s.config.RateLimit > 0 {
		v1.Use(s.rateLimiter())
	}

	v1.POST("/conversations", s.handleCreateConversation)
	v1.GET("/conversations", s.handleListConversations)
	v1.GET("/conversations/:id", s.handleGetConversation)
	v1.POST("/conversations/:id/messages", s.handleSendMessage)
	v1.POST("/conversations/:id/approval", s.handleApprovePlan)
	v1.POST("/conversations/:id/cancel", s.handleCancel)
	v1.POST("/conversations/:id/resume", s.handleResume)
	v1.GET("/conversations/:id/events", s.handleConversationEvents)

	v1.GET("/plans/:id", s.handleGetPlan)
	v1.POST("/plans/:id/files/:file_id/decision", s.handleFileDecision)
	v1.POST("/plans/:id/rollback", s.handleRollback)
	v1.GET("/plans/:id/events", s.handlePlanEvents)
}

// Mount serves h at path outside the /api/v1 group, e.g. /metrics.
func (s *Server) Mount(path string, h http.Handler) {
	s.echo.GET(path, echo.WrapHandler(h))
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// requireOwner rejects requests without an owner and records the owner as
// the actor checked by the orchestrator.
func (s *Server) requireOwner(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		owner := c.Request().Header.Get(OwnerHeader)
		if owner == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, OwnerHeader+" header is required")
		}
		req := c.Request()
		c.SetRequest(req.WithContext(orchestrator.WithActor(req.Context(), owner)))
		return next(c)
	}
}

// rateLimiter throttles each owner independently.
func (s *Server) rateLimiter() echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(s.config.RateLimit),
		Burst:     s.config.RateBurst,
		ExpiresIn: 3 * time.Minute,
	})
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.Request().Header.Get(OwnerHeader), nil
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			s.logger.Warn("rate limit exceeded", zap.String("owner", identifier))
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		},
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.config.Addr))
	if err := s.echo.Start(s.config.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
