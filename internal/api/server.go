// Package api exposes the alert engine over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"market-alerts/internal/engine"
	"market-alerts/internal/logging"
	"market-alerts/internal/metrics"
	"market-alerts/internal/resilience"
	"market-alerts/internal/stream"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
	shutdownTimeout     = 10 * time.Second
)

// Options holds the optional collaborators of a Server.
type Options struct {
	Hub      *stream.Hub
	Metrics  *metrics.Metrics
	Breakers *resilience.Registry
	Logger   zerolog.Logger
}

// Server serves the REST API, the trigger stream and the metrics endpoint.
type Server struct {
	engine   *engine.Engine
	hub      *stream.Hub
	metrics  *metrics.Metrics
	breakers *resilience.Registry
	logger   zerolog.Logger
	router   *gin.Engine
	upgrader websocket.Upgrader
	started  time.Time
}

// NewServer creates a server and registers its routes.
func NewServer(eng *engine.Engine, opts Options) *Server {
	s := &Server{
		engine:   eng,
		hub:      opts.Hub,
		metrics:  opts.Metrics,
		breakers: opts.Breakers,
		logger:   logging.WithOperation(opts.Logger, "api"),
		router:   gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		started: time.Now(),
	}
	s.router.Use(gin.Recovery())
	s.router.Use(s.requestLogger())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/alerts", s.createAlert)
		v1.GET("/alerts", s.listAlerts)
		v1.GET("/alerts/:id", s.getAlert)
		v1.PATCH("/alerts/:id", s.toggleAlert)
		v1.DELETE("/alerts/:id", s.deleteAlert)

		v1.POST("/check", s.checkAlerts)
		v1.POST("/evaluate", s.evaluate)
		v1.GET("/history", s.history)
		v1.GET("/stats", s.stats)
		v1.GET("/stream", s.streamTriggers)

		v1.GET("/channels", s.listChannels)
		v1.POST("/channels/:name/test", s.testChannel)
		v1.POST("/breakers/reset", s.resetBreakers)
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("API server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	// close stream subscribers first so hijacked websocket handlers return
	if s.hub != nil {
		s.hub.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info().Msg("Shutting down API server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)

		reqLogger := s.logger.With().Str(string(logging.RequestIDKey), requestID).Logger()
		ctx := context.WithValue(c.Request.Context(), logging.RequestIDKey, requestID)
		c.Request = c.Request.WithContext(logging.WithLogger(ctx, reqLogger))
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = c.Request.URL.Path
		}
		logging.LogAPICall(reqLogger, c.Request.Method, endpoint, c.Writer.Status(), time.Since(start))
	}
}
