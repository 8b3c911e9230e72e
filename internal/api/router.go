// Package api exposes migration runs over HTTP: job submission, status
// polling, SSE progress, cancellation and maintenance endpoints.
package api

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"assetmigrate/internal/dispatch"
	"assetmigrate/internal/metrics"
	"assetmigrate/internal/runstate"
)

// Server holds the handler dependencies.
type Server struct {
	dispatcher *dispatch.Dispatcher
	streamer   *dispatch.Streamer
	runs       runstate.Service
	metrics    *metrics.Collector
	logger     *zap.Logger
}

// NewServer creates the API server. metrics may be nil.
func NewServer(
	dispatcher *dispatch.Dispatcher,
	streamer *dispatch.Streamer,
	runs runstate.Service,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Server {
	return &Server{
		dispatcher: dispatcher,
		streamer:   streamer,
		runs:       runs,
		metrics:    collector,
		logger:     logger,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	config := cors.DefaultConfig()
	config.AllowOrigins = []string{"*"}
	config.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(config))

	router.GET("/health", s.health)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := router.Group("/api")
	{
		api.POST("/migrations", s.startMigration)
		api.GET("/migrations", s.listRunning)
		api.GET("/migrations/latest", s.latestRun)
		api.GET("/migrations/:runID", s.getRun)
		api.GET("/migrations/:runID/events", s.streamEvents)
		api.DELETE("/migrations/:runID", s.cancelRun)
	}

	return router
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
