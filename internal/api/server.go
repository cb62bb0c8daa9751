package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sarihammad/sagaflow/internal/saga"
	"github.com/sarihammad/sagaflow/pkg/logger"
)

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Debug        bool
}

// Server exposes the coordinator over HTTP.
type Server struct {
	engine      *gin.Engine
	httpServer  *http.Server
	coordinator *saga.Coordinator
	logger      *logger.Logger
}

// NewServer builds the HTTP server and its routes. idem may be nil to run
// without the Redis submit guard.
func NewServer(cfg *ServerConfig, coordinator *saga.Coordinator, idem *IdempotencyConfig) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:      engine,
		coordinator: coordinator,
		logger:      logger.Get().With(zap.String("component", "api")),
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      engine,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}

	engine.GET("/health", s.handleHealth)

	v1 := engine.Group("/api/v1")
	{
		sagas := v1.Group("/sagas")
		if idem != nil && idem.Redis != nil {
			sagas.POST("", Idempotency(idem), s.handleSubmit)
		} else {
			sagas.POST("", s.handleSubmit)
		}
		sagas.GET("/:id", s.handleStatus)
		sagas.POST("/:id/abort", s.handleAbort)
	}

	return s
}

// Engine returns the gin engine, for tests
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, OK(gin.H{"status": "ok"}))
}
