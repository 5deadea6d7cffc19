package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	glog "github.com/gin-contrib/slog"
	"github.com/gin-gonic/gin"

	"github.com/kode4food/sortie"
	"github.com/kode4food/sortie/internal/broadcast"
	"github.com/kode4food/sortie/internal/config"
	"github.com/kode4food/sortie/internal/engine"
	"github.com/kode4food/sortie/internal/workflow"
	"github.com/kode4food/sortie/pkg/api"
)

// Server implements the HTTP API for the mission engine
type Server struct {
	engine      *engine.Engine
	broadcaster *broadcast.Broadcaster
	registry    *workflow.Registry
	cfg         *config.Config
	stop        chan struct{}
}

var ErrInvalidJSON = errors.New("invalid JSON payload")

// NewServer creates a new HTTP API server
func NewServer(
	eng *engine.Engine, b *broadcast.Broadcaster, reg *workflow.Registry,
	cfg *config.Config,
) *Server {
	return &Server{
		engine:      eng,
		broadcaster: b,
		registry:    reg,
		cfg:         cfg,
		stop:        make(chan struct{}),
	}
}

// SetupRoutes configures and returns the HTTP router with all API endpoints
func (s *Server) SetupRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(glog.SetLogger(
		glog.WithLogger(func(c *gin.Context, l *slog.Logger) *slog.Logger {
			return slog.Default()
		}),
	))

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set(
			"Access-Control-Allow-Methods",
			"GET, POST, PUT, DELETE, OPTIONS",
		)
		c.Writer.Header().Set(
			"Access-Control-Allow-Headers",
			"Content-Type, Authorization",
		)

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	})

	router.GET("/health", s.handleHealth)

	// Workflow endpoints
	wf := router.Group("/workflows")
	{
		wf.GET("/:workflowID", s.getWorkflow)
		wf.POST("/validate", s.validateWorkflow)
	}

	// Mission endpoints
	missions := router.Group("/missions")
	{
		missions.GET("", s.listMissions)
		missions.POST("", s.createMission)
		missions.GET("/:missionID", s.getMission)
		missions.POST("/:missionID/continue", s.continueMission)
		missions.POST("/:missionID/transition", s.transitionMission)
		missions.POST("/:missionID/cancel", s.cancelMission)
		missions.POST("/:missionID/quick-command", s.quickCommand)
		missions.GET("/:missionID/runs", s.listRuns)
		missions.GET("/:missionID/runs/:runID/log", s.getRunLog)
		missions.GET("/:missionID/runs/:runID/live", s.getLiveTail)
		missions.GET("/:missionID/artifacts/:name", s.getArtifact)
		missions.PUT("/:missionID/artifacts/:name", s.saveArtifact)
		missions.GET("/:missionID/events", s.handleMissionEvents)
		missions.GET("/:missionID/runs/:runID/events", s.handleRunEvents)
		missions.GET("/:missionID/ws", s.handleWebSocket)
	}

	return router
}

// StartHeartbeats periodically notifies every live subscription so
// intermediaries keep idle connections open. Runs until Shutdown
func (s *Server) StartHeartbeats() {
	go func() {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				payload := []byte(`{"type":"heartbeat"}`)
				for _, key := range s.broadcaster.Keys() {
					s.broadcaster.Send(key, payload)
				}
			}
		}
	}()
}

// Shutdown stops heartbeats and ends live subscriptions
func (s *Server) Shutdown() {
	close(s.stop)
	s.broadcaster.Cleanup()
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, api.HealthResponse{
		Service: sortie.Name,
		Version: sortie.Version,
		SandboxAvailable: s.engine.SandboxAvailable(
			c.Request.Context(),
		),
	})
}
