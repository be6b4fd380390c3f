package rest

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/KevinKickass/MachineConnect/internal/auth"
	"github.com/KevinKickass/MachineConnect/internal/channel"
	"github.com/KevinKickass/MachineConnect/internal/config"
	"github.com/KevinKickass/MachineConnect/internal/interfaces"
	"github.com/KevinKickass/MachineConnect/internal/metrics"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	hub         *channel.Hub
	authService *auth.AuthService
	collectors  *metrics.Collectors
	validator   *DefinitionValidator

	// Connections with a workflow in progress
	busyMu sync.Mutex
	busy   map[string]struct{}

	inflight sync.WaitGroup
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, hub *channel.Hub, authService *auth.AuthService, collectors *metrics.Collectors) (*Server, error) {
	gin.SetMode(gin.ReleaseMode)

	validator, err := NewDefinitionValidator()
	if err != nil {
		return nil, err
	}

	s := &Server{
		router:      gin.New(),
		lm:          lm,
		logger:      logger,
		hub:         hub,
		authService: authService,
		collectors:  collectors,
		validator:   validator,
		busy:        make(map[string]struct{}),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops accepting requests, then waits for accepted workflows to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("Connection workflows still running at shutdown",
			zap.Int("inflight", s.InflightCount()))
		return fmt.Errorf("workflows still running: %w", ctx.Err())
	}
}

// InflightCount returns the number of connections with a workflow in progress.
func (s *Server) InflightCount() int {
	s.busyMu.Lock()
	defer s.busyMu.Unlock()
	return len(s.busy)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(s.collectors.Handler()))

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		// ==================== CONNECTIONS (OPERATOR+) ====================
		connections := v1.Group("/connections")
		connections.Use(s.authService.AuthMiddleware())
		connections.Use(auth.RequirePermission(auth.PermOperator))
		{
			connections.POST("", s.submitConnection)
			connections.GET("/:name", s.getConnection)
		}

		// ==================== DEVICES ====================
		devices := v1.Group("/devices")
		devices.Use(s.authService.AuthMiddleware())
		{
			devices.GET("/:name", auth.RequirePermission(auth.PermOperator), s.getDevice)
			devices.PUT("/:name", auth.RequirePermission(auth.PermAdmin), s.registerDevice)
		}

		// ==================== SYSTEM (OPERATOR+) ====================
		system := v1.Group("/system")
		system.Use(s.authService.AuthMiddleware())
		system.Use(auth.RequirePermission(auth.PermOperator))
		{
			system.GET("/status", s.getSystemStatus)
		}

		// ==================== WEBSOCKET ====================
		ws := v1.Group("/ws")
		{
			// Gateways authenticate with their device token in the first message
			ws.GET("/devices", s.wsDeviceConnection)
			ws.GET("/status", s.authService.AuthMiddleware(), auth.RequirePermission(auth.PermOperator), s.wsStatus)
		}
	}
}

// WebSocket handlers
func (s *Server) wsDeviceConnection(c *gin.Context) {
	channel.ServeWs(s.hub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.hub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}
