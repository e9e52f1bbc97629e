package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kestrel-ci/kestrel/internal/store"
)

// GET /api/v1/runs
func (s *Server) listRuns(c *gin.Context) {
	filter := store.RunFilter{
		Project: c.Query("project"),
		Status:  c.Query("status"),
		Group:   c.Query("group"),
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		filter.Limit = n
	}

	runs, err := s.store.ListRuns(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, runs)
}

// GET /api/v1/runs/:id
func (s *Server) getRun(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	r, err := s.store.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	jobs, err := s.store.GetRunJobs(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": r, "jobs": jobs})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// POST /api/v1/runs/:id/cancel
func (s *Server) cancelRun(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
	}
	reason := req.Reason
	if reason == "" {
		reason = "cancelled via api"
	}

	if err := s.runs.Cancel(c.Request.Context(), c.Param("id"), reason); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

// GET /api/v1/runs/:id/events
func (s *Server) runEvents(c *gin.Context) {
	if s.trail == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "event archive not configured"})
		return
	}
	events, err := s.trail.RunEvents(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, events)
}
