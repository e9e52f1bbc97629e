package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	webhook "github.com/go-playground/webhooks/v6/github"

	"github.com/kestrel-ci/kestrel/internal/event"
	"github.com/kestrel-ci/kestrel/internal/secrets"
	"github.com/kestrel-ci/kestrel/internal/store"
)

// POST /webhooks/github
func (s *Server) githubWebhook(c *gin.Context) {
	ctx := c.Request.Context()

	secret, err := s.secrets.WebhookSecret(ctx)
	if err != nil {
		if !errors.Is(err, secrets.ErrNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		s.unsignedOnce.Do(func() {
			apiLogger.Warn("no webhook secret configured, deliveries are accepted unsigned")
		})
		secret = ""
	}

	hook, err := webhook.New(webhook.Options.Secret(secret))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	payload, err := hook.Parse(c.Request, webhook.PullRequestEvent)
	if err != nil {
		if errors.Is(err, webhook.ErrEventNotFound) {
			c.JSON(http.StatusAccepted, gin.H{"status": "ignored", "reason": "event not handled"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pr, ok := payload.(webhook.PullRequestPayload)
	if !ok {
		c.JSON(http.StatusAccepted, gin.H{"status": "ignored", "reason": "event not handled"})
		return
	}

	project, err := s.store.FindProjectByRepo(ctx, pr.Repository.Owner.Login, pr.Repository.Name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusAccepted, gin.H{"status": "ignored", "reason": "unknown repository"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	trig, err := event.FromPullRequest(project.Name, pr)
	if err != nil {
		if errors.Is(err, event.ErrIgnoredAction) {
			c.JSON(http.StatusAccepted, gin.H{"status": "ignored", "reason": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.recordTrigger(c, trig)
	if err := s.queue.Enqueue(ctx, trig); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "trigger_id": trig.ID})
}

// recordTrigger archives the delivery. The trail is best effort, a
// mongo outage must not drop triggers.
func (s *Server) recordTrigger(c *gin.Context, trig event.Trigger) {
	if s.trail == nil {
		return
	}
	if err := s.trail.RecordTrigger(c.Request.Context(), trig); err != nil {
		apiLogger.WithError(err).WithField("trigger", trig.ID).Warn("archiving trigger failed")
	}
}
