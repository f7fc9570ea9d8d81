// Package http provides the HTTP and websocket API for reportd.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reportd/internal/presence"
	"github.com/fyrsmithlabs/reportd/internal/report"
	"github.com/fyrsmithlabs/reportd/internal/store"
)

// Server provides HTTP endpoints for reportd.
type Server struct {
	echo     *echo.Echo
	store    store.Store
	hub      *presence.Hub
	logger   *zap.Logger
	config   *Config
	upgrader websocket.Upgrader
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server.
func NewServer(st store.Store, hub *presence.Hub, logger *zap.Logger, cfg *Config) (*Server, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if hub == nil {
		return nil, fmt.Errorf("presence hub is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8080,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
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

	s := &Server{
		echo:   e,
		store:  st,
		hub:    hub,
		logger: logger,
		config: cfg,
		upgrader: websocket.Upgrader{
			// The editor frontend is served from its own origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	// Register routes
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	// Health check and metrics
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// API v1 routes
	v1 := s.echo.Group("/api/v1")
	v1.POST("/reports", s.handleCreateReport)
	v1.GET("/reports", s.handleListReports)
	v1.GET("/reports/:id", s.handleGetReport)
	v1.PUT("/reports/:id", s.handleSaveReport)

	// Presence websocket
	s.echo.GET("/ws/presence", s.handlePresence)
}

// SaveReportRequest is the request body for POST and PUT on reports.
type SaveReportRequest struct {
	BaseVersion int64         `json:"base_version"`
	Fields      report.Fields `json:"fields"`
	UserID      string        `json:"user_id"`
	Username    string        `json:"username"`
}

// ReportResponse is the wire form of a report.
type ReportResponse struct {
	ID        string        `json:"id"`
	Version   int64         `json:"version"`
	Fields    report.Fields `json:"fields"`
	UpdatedBy string        `json:"updated_by"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// ConflictResponse is the 409 body: the rejected base version together with
// the authoritative document, so the editor can run a three-way merge without
// a second round trip.
type ConflictResponse struct {
	Error       string         `json:"error"`
	BaseVersion int64          `json:"base_version"`
	Current     ReportResponse `json:"current"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func toResponse(r *report.Report) ReportResponse {
	return ReportResponse{
		ID:        r.ID,
		Version:   r.Version,
		Fields:    r.Fields,
		UpdatedBy: r.UpdatedBy,
		UpdatedAt: r.UpdatedAt,
	}
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleCreateReport creates a report at version 1.
func (s *Server) handleCreateReport(c echo.Context) error {
	var req SaveReportRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid create request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Fields == nil {
		req.Fields = report.Fields{}
	}

	saved, err := s.store.Save(c.Request().Context(), &store.SaveRequest{
		Fields: req.Fields,
		Actor:  report.Actor{UserID: req.UserID, Username: req.Username},
	})
	if err != nil {
		s.logger.Error("failed to create report", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create report")
	}

	return c.JSON(http.StatusCreated, toResponse(saved))
}

// handleListReports returns every report.
func (s *Server) handleListReports(c echo.Context) error {
	reports, err := s.store.List(c.Request().Context())
	if err != nil {
		s.logger.Error("failed to list reports", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list reports")
	}

	out := make([]ReportResponse, 0, len(reports))
	for _, r := range reports {
		out = append(out, toResponse(r))
	}
	return c.JSON(http.StatusOK, out)
}

// handleGetReport returns one report by id.
func (s *Server) handleGetReport(c echo.Context) error {
	r, err := s.store.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, report.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "report not found")
		}
		s.logger.Error("failed to get report", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to get report")
	}
	return c.JSON(http.StatusOK, toResponse(r))
}

// handleSaveReport applies a versioned write. 409 is reserved exclusively for
// version conflicts; any other failure uses a different status so clients can
// dispatch on the code alone.
func (s *Server) handleSaveReport(c echo.Context) error {
	var req SaveReportRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid save request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.BaseVersion < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "base_version is required")
	}
	if req.Fields == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "fields is required")
	}

	saved, err := s.store.Save(c.Request().Context(), &store.SaveRequest{
		ID:          c.Param("id"),
		BaseVersion: req.BaseVersion,
		Fields:      req.Fields,
		Actor:       report.Actor{UserID: req.UserID, Username: req.Username},
	})
	if err != nil {
		if vc, ok := report.IsVersionConflict(err); ok {
			return c.JSON(http.StatusConflict, ConflictResponse{
				Error:       "version conflict",
				BaseVersion: vc.BaseVersion,
				Current:     toResponse(vc.Current),
			})
		}
		if errors.Is(err, report.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "report not found")
		}
		s.logger.Error("failed to save report", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to save report")
	}

	return c.JSON(http.StatusOK, toResponse(saved))
}

// handlePresence upgrades the connection and hands it to a presence session.
func (s *Server) handlePresence(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("presence upgrade failed", zap.Error(err))
		return nil
	}

	session := presence.NewSession(s.hub, conn,
		c.QueryParam("user_id"),
		c.QueryParam("username"),
		s.logger,
	)
	go session.Run()
	return nil
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
