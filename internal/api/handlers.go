package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"assetmigrate/internal/dispatch"
	"assetmigrate/internal/runstate"
)

// startMigration validates and dispatches a migration job. A rejected
// request leaves no trace: no run record, no job id.
func (s *Server) startMigration(c *gin.Context) {
	var req dispatch.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	run, err := s.dispatcher.Dispatch(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"run_id": run.RunID,
		"job_id": run.JobID,
		"status": run.Status,
	})
}

func (s *Server) getRun(c *gin.Context) {
	run, err := s.runs.Get(c.Param("runID"))
	if err != nil {
		s.runError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) latestRun(c *gin.Context) {
	run, err := s.runs.GetLatest()
	if err != nil {
		s.runError(c, err)
		return
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no runs recorded"})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) listRunning(c *gin.Context) {
	runs, err := s.runs.ListRunning()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

// streamEvents pushes SSE progress frames. The stream ends with either a
// terminal status frame or a "detached" handoff frame telling the client
// to poll GET /api/migrations/:runID instead.
func (s *Server) streamEvents(c *gin.Context) {
	runID := c.Param("runID")
	if _, err := s.runs.Get(runID); err != nil {
		s.runError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	if err := s.streamer.Serve(c.Request.Context(), c.Writer, runID); err != nil {
		s.logger.Warn("event stream ended with error",
			zap.String("run_id", runID),
			zap.Error(err),
		)
	}
}

// cancelRun requests cooperative cancellation. The runner observes the flag
// at the next batch boundary and pauses; cancellation is not immediate.
func (s *Server) cancelRun(c *gin.Context) {
	runID := c.Param("runID")
	run, err := s.runs.Get(runID)
	if err != nil {
		s.runError(c, err)
		return
	}
	if run.Status.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "run is already " + string(run.Status)})
		return
	}

	if err := s.runs.RequestCancel(runID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"run_id":  runID,
		"message": "cancellation requested; the run pauses at the next batch boundary",
	})
}

func (s *Server) runError(c *gin.Context, err error) {
	if errors.Is(err, runstate.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
