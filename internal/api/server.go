// Package api is the operator control surface: JWT-protected REST routes
// for pause/resume/liquidate/status plus a websocket event stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"autotrader/internal/events"
	"autotrader/internal/monitor"
	"autotrader/internal/orchestrator"
	"autotrader/pkg/config"
	"autotrader/pkg/logger"
)

// Server hosts the control API.
type Server struct {
	cfg      *config.Config
	orch     *orchestrator.Orchestrator
	registry *monitor.Registry
	bus      *events.Bus
	latency  *monitor.LatencyHistogram
	engine   *gin.Engine
	http     *http.Server
}

// NewServer wires the routes.
func NewServer(cfg *config.Config, orch *orchestrator.Orchestrator, registry *monitor.Registry, bus *events.Bus) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:      cfg,
		orch:     orch,
		registry: registry,
		bus:      bus,
		latency:  monitor.NewLatencyHistogram(),
		engine:   gin.New(),
	}

	s.engine.Use(gin.Recovery(), s.observeLatency())

	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.POST("/api/login", s.handleLogin)

	authed := s.engine.Group("/", s.authRequired())
	{
		authed.GET("/api/status", s.handleStatus)
		authed.GET("/api/metrics", s.handleMetrics)
		authed.POST("/api/accounts/:id/pause", s.handlePause)
		authed.POST("/api/accounts/:id/resume", s.handleResume)
		authed.POST("/api/accounts/:id/liquidate", s.handleLiquidate)
		authed.POST("/api/pause-all", s.handlePauseAll)
		authed.POST("/api/resume-all", s.handleResumeAll)
		authed.POST("/api/liquidate-all", s.handleLiquidateAll)
		authed.GET("/ws", s.handleWebsocket)
	}
	return s
}

// Run serves until ctx is done, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{Addr: ":" + s.cfg.Port, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("api: listening on :%s", s.cfg.Port)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) observeLatency() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.latency.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	}
}

func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password required"})
		return
	}
	if !checkPassword(s.cfg.OperatorPassword, req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := generateToken(s.cfg.JWTSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_in": int(tokenTTL.Seconds())})
}

func (s *Server) handleStatus(c *gin.Context) {
	rows := s.orch.Status()
	c.JSON(http.StatusOK, gin.H{"accounts": rows})
}

func (s *Server) handleMetrics(c *gin.Context) {
	p50, p95, p99 := s.latency.Percentiles()
	c.JSON(http.StatusOK, gin.H{
		"accounts": s.registry.All(),
		"api_latency_ms": gin.H{
			"p50": p50,
			"p95": p95,
			"p99": p99,
		},
	})
}

func (s *Server) handlePause(c *gin.Context) {
	if err := s.orch.Pause(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": c.Param("id")})
}

func (s *Server) handleResume(c *gin.Context) {
	if err := s.orch.Resume(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resumed": c.Param("id")})
}

func (s *Server) handleLiquidate(c *gin.Context) {
	id := c.Param("id")
	if err := s.orch.Liquidate(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"liquidated": id})
}

func (s *Server) handlePauseAll(c *gin.Context) {
	s.orch.PauseAll()
	c.JSON(http.StatusOK, gin.H{"paused": "all"})
}

func (s *Server) handleResumeAll(c *gin.Context) {
	s.orch.ResumeAll()
	c.JSON(http.StatusOK, gin.H{"resumed": "all"})
}

func (s *Server) handleLiquidateAll(c *gin.Context) {
	if err := s.orch.LiquidateAll(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"liquidated": "all"})
}
