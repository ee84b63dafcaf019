// Package admin serves the operator HTTP API: synthetic test events,
// statistics, dead-letter management, history, health and metrics.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yusliao/mesevents/pkg/mesevents/bus"
	"github.com/yusliao/mesevents/pkg/mesevents/deadletter"
	"github.com/yusliao/mesevents/pkg/mesevents/event"
)

// Server is the admin HTTP server.
type Server struct {
	Engine *gin.Engine
	Addr   string

	bus             *bus.Bus
	deadLetters     *deadletter.Manager
	catalog         *event.Catalog
	logger          *slog.Logger
	shutdownTimeout time.Duration
	metricsPath     string
	metricsHandler  http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsHandler serves h on path, typically promhttp.
func WithMetricsHandler(path string, h http.Handler) Option {
	return func(s *Server) {
		s.metricsPath = path
		s.metricsHandler = h
	}
}

// WithCatalog sets the catalog used to build synthetic test payloads.
func WithCatalog(c *event.Catalog) Option {
	return func(s *Server) {
		s.catalog = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithShutdownTimeout bounds graceful shutdown in Run.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

// New creates the server and registers its routes. mode is the gin mode:
// "debug", "release" or "test".
func New(addr, mode string, b *bus.Bus, dlq *deadletter.Manager, opts ...Option) *Server {
	switch mode {
	case gin.DebugMode, gin.TestMode:
		gin.SetMode(mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		Engine:          r,
		Addr:            addr,
		bus:             b,
		deadLetters:     dlq,
		catalog:         event.DefaultCatalog(),
		logger:          slog.Default(),
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	r.Use(requestLogger(s.logger))

	r.GET("/health", s.handleHealth)
	if s.metricsHandler != nil {
		r.GET(s.metricsPath, gin.WrapH(s.metricsHandler))
	}
	s.RegisterRoutes(r.Group("/api/events"))
	return s
}

// RegisterRoutes registers the event API on r.
func (s *Server) RegisterRoutes(r gin.IRouter) {
	r.POST("/test/:type", s.handlePublishTest)
	r.GET("/stats", s.handleStats)
	r.GET("/history", s.handleHistory)

	r.GET("/deadletter", s.handleListDeadLetters)
	r.GET("/deadletter/counts", s.handleDeadLetterCounts)
	r.POST("/deadletter/:type/replay", s.handleReplay)
	r.DELETE("/deadletter/:type", s.handlePurge)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("admin server starting", slog.String("address", s.Addr))

	go func() {
		<-ctx.Done()
		s.logger.Info("admin server stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("admin server forced to shutdown", slog.String("error", err.Error()))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("admin request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)))
	}
}
