package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"pool-observer/src/interfaces"
	"pool-observer/src/logger"
	"pool-observer/src/models"
	"pool-observer/src/service"

	"github.com/gin-gonic/gin"
)

const shutdownTimeout = 10 * time.Second

// -----------------------------------------------------------------------------
// APIServer
// -----------------------------------------------------------------------------

type APIServer struct {
	Config  *models.MConfig
	Logger  *logger.Logger
	Service *service.PoolCacheService
	Store   interfaces.IPoolStore

	engine    *gin.Engine
	http      *http.Server
	startedAt time.Time
}

// -----------------------------------------------------------------------------
// Constructor
// -----------------------------------------------------------------------------

func NewAPIServer(cfg *models.MConfig, svc *service.PoolCacheService, store interfaces.IPoolStore, log *logger.Logger) *APIServer {
	// Set Gin mode
	if !strings.EqualFold(cfg.LogLevel, "DEBUG") {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &APIServer{
		Config:    cfg,
		Logger:    log,
		Service:   svc,
		Store:     store,
		engine:    gin.New(),
		startedAt: time.Now(),
	}

	s.engine.Use(requestID(), s.accessLog(), s.recovery(), cors())

	// setup web routes
	s.setupRoutes()

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// -----------------------------------------------------------------------------
// Route Setup
// -----------------------------------------------------------------------------

func (s *APIServer) setupRoutes() {
	// One group per pool: /api/zt-pool, /api/dt-pool, /api/zb-pool
	for _, kind := range models.AllPoolKinds {
		group := s.engine.Group(fmt.Sprintf("/api/%s-pool", kind.Slug()))
		group.GET("", s.getPool(kind))
		group.GET("/history", s.getHistory(kind))
		group.GET("/dates", s.getDates(kind))
	}

	s.engine.GET("/api/health", s.getHealth)
	s.engine.GET("/api/stats", s.getStats)

	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"success":    false,
			"error":      fmt.Sprintf("no route for %s %s", c.Request.Method, c.Request.URL.Path),
			"error_kind": "NotFound",
		})
	})
}

// Handler exposes the router, mainly for httptest.
func (s *APIServer) Handler() http.Handler {
	return s.engine
}

// -----------------------------------------------------------------------------
// Server Lifecycle
// -----------------------------------------------------------------------------

func (s *APIServer) Start() error {
	s.Logger.Info("Starting server on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// -----------------------------------------------------------------------------

func (s *APIServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.Logger.Info("Stopping HTTP server")
	return s.http.Shutdown(ctx)
}
