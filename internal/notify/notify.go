// Package notify mirrors run progress onto GitHub commit statuses, one
// status context per run and one per finished job instance.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/go-github/github"
	"golang.org/x/oauth2"

	"github.com/kestrel-ci/kestrel/internal/logging"
	"github.com/kestrel-ci/kestrel/internal/run"
	"github.com/kestrel-ci/kestrel/internal/secrets"
	"github.com/kestrel-ci/kestrel/internal/store"
)

var notifyLogger = logging.C("notify.github")

// GitHub caps status descriptions at 140 characters.
const maxDescription = 140

// StatusAPI is the slice of the GitHub client the reporter needs.
// *github.RepositoriesService satisfies it.
type StatusAPI interface {
	CreateStatus(ctx context.Context, owner, repo, ref string, status *github.RepoStatus) (*github.RepoStatus, *github.Response, error)
}

// TokenSource hands out the API token for a project's TokenRef.
type TokenSource interface {
	GitHubToken(ctx context.Context, ref string) (string, error)
}

// StatusReporter posts commit statuses for run lifecycle events. With
// no token configured it turns itself off after logging once.
type StatusReporter struct {
	tokens  TokenSource
	baseURL string

	newAPI func(ctx context.Context, token string) StatusAPI

	disabledOnce sync.Once
}

// NewStatusReporter builds a reporter. baseURL, when set, becomes the
// status target link; apiBase points at a GitHub Enterprise API root
// and stays empty for github.com.
func NewStatusReporter(tokens TokenSource, baseURL, apiBase string) *StatusReporter {
	s := &StatusReporter{tokens: tokens, baseURL: baseURL}
	s.newAPI = func(ctx context.Context, token string) StatusAPI {
		return githubStatusAPI(ctx, token, apiBase)
	}
	return s
}

func githubStatusAPI(ctx context.Context, token, apiBase string) StatusAPI {
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(ctx, ts)
	client := github.NewClient(tc)
	if apiBase != "" {
		u, err := url.Parse(strings.TrimRight(apiBase, "/") + "/")
		if err != nil {
			notifyLogger.WithError(err).Warn("bad github apiBase, using default")
		} else {
			client.BaseURL = u
		}
	}
	return client.Repositories
}

func (s *StatusReporter) RunQueued(ctx context.Context, p *store.Project, r *store.Run) error {
	return s.post(ctx, p, r, runContext(r), "pending", "queued")
}

func (s *StatusReporter) RunStarted(ctx context.Context, p *store.Project, r *store.Run) error {
	return s.post(ctx, p, r, runContext(r), "pending", "in progress")
}

func (s *StatusReporter) RunFinished(ctx context.Context, p *store.Project, r *store.Run) error {
	state, desc := runOutcome(r)
	return s.post(ctx, p, r, runContext(r), state, desc)
}

func (s *StatusReporter) JobFinished(ctx context.Context, p *store.Project, r *store.Run, j *store.JobRun) error {
	state, desc := jobOutcome(j)
	return s.post(ctx, p, r, runContext(r)+"/"+j.InstanceName, state, desc)
}

func (s *StatusReporter) post(ctx context.Context, p *store.Project, r *store.Run, statusCtx, state, desc string) error {
	if r.SHA == "" {
		// Dispatch runs on a bare ref have no commit to pin a status to.
		return nil
	}

	token, err := s.tokens.GitHubToken(ctx, p.TokenRef())
	if err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			s.disabledOnce.Do(func() {
				notifyLogger.Info("no github token configured, commit statuses disabled")
			})
			return nil
		}
		return fmt.Errorf("github token for %q: %w", p.Name, err)
	}

	status := &github.RepoStatus{
		State:       github.String(state),
		Context:     github.String(statusCtx),
		Description: github.String(truncate(desc, maxDescription)),
	}
	if s.baseURL != "" {
		url := fmt.Sprintf("%s/api/v1/runs/%s", strings.TrimRight(s.baseURL, "/"), r.ID)
		status.TargetURL = github.String(url)
	}

	api := s.newAPI(ctx, token)
	if _, _, err := api.CreateStatus(ctx, p.Owner, p.Repo, r.SHA, status); err != nil {
		return fmt.Errorf("create status %s on %s/%s@%.8s: %w", statusCtx, p.Owner, p.Repo, r.SHA, err)
	}
	return nil
}

func runContext(r *store.Run) string {
	return "kestrel/" + r.Workflow
}

func runOutcome(r *store.Run) (string, string) {
	switch r.Status {
	case run.RunSucceeded:
		return "success", "all jobs passed"
	case run.RunFailed:
		if r.CancelReason != "" {
			return "failure", r.CancelReason
		}
		return "failure", "a job failed"
	case run.RunCancelled:
		if r.CancelReason != "" {
			return "error", r.CancelReason
		}
		return "error", "cancelled"
	default:
		return "pending", r.Status
	}
}

func jobOutcome(j *store.JobRun) (string, string) {
	switch j.Status {
	case run.JobSucceeded:
		return "success", "passed"
	case run.JobFailed:
		if j.Message != "" {
			return "failure", j.Message
		}
		return "failure", "failed"
	case run.JobCancelled:
		if j.Message != "" {
			return "error", j.Message
		}
		return "error", "cancelled"
	case run.JobSkipped:
		return "success", "skipped: " + j.Message
	default:
		return "pending", j.Status
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
