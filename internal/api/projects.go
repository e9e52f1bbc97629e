package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kestrel-ci/kestrel/internal/event"
	"github.com/kestrel-ci/kestrel/internal/store"
)

type projectRequest struct {
	Name          string `json:"name" binding:"required"`
	Owner         string `json:"owner" binding:"required"`
	Repo          string `json:"repo" binding:"required"`
	CloneURL      string `json:"clone_url" binding:"required"`
	DefaultBranch string `json:"default_branch"`
	WorkflowDir   string `json:"workflow_dir"`
	TokenSecret   string `json:"token_secret"`
	Active        *bool  `json:"active"`
}

// POST /api/v1/projects
func (s *Server) createProject(c *gin.Context) {
	var req projectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	p := &store.Project{
		Name:          req.Name,
		Owner:         req.Owner,
		Repo:          req.Repo,
		CloneURL:      req.CloneURL,
		DefaultBranch: req.DefaultBranch,
		WorkflowDir:   req.WorkflowDir,
		TokenSecret:   req.TokenSecret,
		Active:        req.Active == nil || *req.Active,
	}
	if p.DefaultBranch == "" {
		p.DefaultBranch = "main"
	}
	if p.WorkflowDir == "" {
		p.WorkflowDir = ".kestrel/workflows"
	}

	if err := s.store.CreateProject(c.Request.Context(), p); err != nil {
		if isDuplicate(err) {
			c.JSON(http.StatusConflict, gin.H{"error": "project already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, p)
}

// GET /api/v1/projects
func (s *Server) listProjects(c *gin.Context) {
	projects, err := s.store.ListProjects(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, projects)
}

// GET /api/v1/projects/:name
func (s *Server) getProject(c *gin.Context) {
	project, err := s.store.GetProject(c.Request.Context(), c.Param("name"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, project)
}

// DELETE /api/v1/projects/:name
func (s *Server) deleteProject(c *gin.Context) {
	if err := s.store.DeleteProject(c.Request.Context(), c.Param("name")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

type dispatchRequest struct {
	Ref    string            `json:"ref"`
	Actor  string            `json:"actor"`
	Inputs map[string]string `json:"inputs"`
}

// POST /api/v1/projects/:name/workflows/:workflow/dispatch
func (s *Server) dispatchWorkflow(c *gin.Context) {
	ctx := c.Request.Context()

	var req dispatchRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
	}

	project, err := s.store.GetProject(ctx, c.Param("name"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !project.Active {
		c.JSON(http.StatusConflict, gin.H{"error": "project is inactive"})
		return
	}

	actor := req.Actor
	if actor == "" {
		actor = "api"
	}

	trig := event.NewDispatch(project.Name, project.Owner, project.Repo,
		c.Param("workflow"), req.Ref, project.DefaultBranch, actor, req.Inputs)

	s.recordTrigger(c, trig)
	if err := s.queue.Enqueue(ctx, trig); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "trigger_id": trig.ID})
}

func isDuplicate(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "Duplicate entry")
}
