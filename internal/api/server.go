// Package api is kestrel's HTTP surface: webhook ingest, project and
// run management, and workflow linting.
package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/kestrel-ci/kestrel/internal/archive"
	"github.com/kestrel-ci/kestrel/internal/event"
	"github.com/kestrel-ci/kestrel/internal/logging"
	"github.com/kestrel-ci/kestrel/internal/store"
	"github.com/kestrel-ci/kestrel/internal/version"
)

var apiLogger = logging.C("api")

const serviceName = "kestreld"

// Store is the slice of the database layer the handlers use.
type Store interface {
	CreateProject(ctx context.Context, p *store.Project) error
	GetProject(ctx context.Context, name string) (*store.Project, error)
	FindProjectByRepo(ctx context.Context, owner, repo string) (*store.Project, error)
	ListProjects(ctx context.Context) ([]*store.Project, error)
	DeleteProject(ctx context.Context, name string) error
	GetRun(ctx context.Context, id string) (*store.Run, error)
	GetRunJobs(ctx context.Context, runID string) ([]*store.JobRun, error)
	ListRuns(ctx context.Context, f store.RunFilter) ([]*store.Run, error)
	Ping(ctx context.Context) error
}

// Enqueuer pushes accepted triggers onto the ingest queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, trig event.Trigger) error
	Ping(ctx context.Context) error
}

// Canceller aborts a run on user request.
type Canceller interface {
	Cancel(ctx context.Context, runID, reason string) error
}

// SecretSource resolves the webhook signing secret.
type SecretSource interface {
	WebhookSecret(ctx context.Context) (string, error)
}

// EventTrail reads and extends the mongo audit trail. A nil trail
// turns the events endpoint off.
type EventTrail interface {
	RecordTrigger(ctx context.Context, trig event.Trigger) error
	RunEvents(ctx context.Context, runID string) ([]archive.Event, error)
}

type Server struct {
	store   Store
	queue   Enqueuer
	runs    Canceller
	secrets SecretSource
	trail   EventTrail

	unsignedOnce sync.Once
}

func NewServer(st Store, queue Enqueuer, runs Canceller, secrets SecretSource, trail EventTrail) *Server {
	return &Server{store: st, queue: queue, runs: runs, secrets: secrets, trail: trail}
}

// The prometheus middleware registers its collectors globally, so one
// instance serves every router built in this process.
var (
	promOnce sync.Once
	prom     *ginprometheus.Prometheus
)

func metricsMiddleware() *ginprometheus.Prometheus {
	promOnce.Do(func() {
		prom = ginprometheus.NewPrometheus("kestrel_http")
	})
	return prom
}

// Router builds the gin engine with the middleware stack and all
// routes attached.
func (s *Server) Router() *gin.Engine {
	router := gin.Default()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"*"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))
	router.Use(ServiceIdentityHeader(serviceName))
	router.Use(otelgin.Middleware(serviceName))
	metricsMiddleware().Use(router)

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "success",
			"message": "kestrel workflow service running",
			"version": version.Version,
		})
	})
	router.GET("/healthz", s.health)
	router.POST("/webhooks/github", s.githubWebhook)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/projects", s.createProject)
		v1.GET("/projects", s.listProjects)
		v1.GET("/projects/:name", s.getProject)
		v1.DELETE("/projects/:name", s.deleteProject)
		v1.POST("/projects/:name/workflows/:workflow/dispatch", s.dispatchWorkflow)

		v1.GET("/runs", s.listRuns)
		v1.GET("/runs/:id", s.getRun)
		v1.POST("/runs/:id/cancel", s.cancelRun)
		v1.GET("/runs/:id/events", s.runEvents)

		v1.POST("/lint", s.lintWorkflow)
	}

	return router
}

// GET /healthz
func (s *Server) health(c *gin.Context) {
	components := gin.H{}
	healthy := true

	if err := s.store.Ping(c.Request.Context()); err != nil {
		components["database"] = err.Error()
		healthy = false
	} else {
		components["database"] = "ok"
	}
	if err := s.queue.Ping(c.Request.Context()); err != nil {
		components["redis"] = err.Error()
		healthy = false
	} else {
		components["redis"] = "ok"
	}

	status := http.StatusOK
	overall := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	c.JSON(status, gin.H{"status": overall, "components": components})
}
