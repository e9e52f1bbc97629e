package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kestrel-ci/kestrel/internal/lint"
	"github.com/kestrel-ci/kestrel/internal/metrics"
	"github.com/kestrel-ci/kestrel/internal/workflow"
)

// POST /api/v1/lint
//
// The body is a raw workflow document, not JSON. Parse errors come back
// as 400 so editors can surface them inline.
func (s *Server) lintWorkflow(c *gin.Context) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body: " + err.Error()})
		return
	}

	def, err := workflow.Parse(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	report := lint.Lint(def)
	var errs, warns int
	for _, f := range report.Findings {
		switch f.Severity {
		case lint.SeverityError:
			errs++
		case lint.SeverityWarning:
			warns++
		}
	}
	metrics.ObserveLintFindings(errs, warns)

	c.JSON(http.StatusOK, gin.H{
		"workflow": def.Name,
		"findings": report.Findings,
		"errors":   errs,
		"warnings": warns,
	})
}
