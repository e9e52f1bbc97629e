// Package event normalizes the two run triggers kestrel accepts,
// pull request webhooks and manual dispatch requests, into one
// queue-friendly shape.
package event

import (
	"errors"
	"fmt"
	"time"

	webhook "github.com/go-playground/webhooks/v6/github"
	"github.com/google/uuid"
)

type Kind string

const (
	KindPullRequest Kind = "pull_request"
	KindDispatch    Kind = "workflow_dispatch"
)

// ErrIgnoredAction marks pull request actions that never start runs,
// such as labeled or closed.
var ErrIgnoredAction = errors.New("ignored pull request action")

// Trigger is a normalized run trigger. It travels through the ingest
// queue as JSON, so every field the planner needs is carried here.
type Trigger struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	Project    string            `json:"project"`
	Owner      string            `json:"owner"`
	Repo       string            `json:"repo"`
	Ref        string            `json:"ref"`
	BaseRef    string            `json:"base_ref,omitempty"`
	HeadRef    string            `json:"head_ref,omitempty"`
	SHA        string            `json:"sha"`
	Actor      string            `json:"actor"`
	PRNumber   int64             `json:"pr_number,omitempty"`
	Workflow   string            `json:"workflow,omitempty"`
	Inputs     map[string]string `json:"inputs,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

// startActions are the pull request actions that carry new code.
var startActions = map[string]bool{
	"opened":      true,
	"reopened":    true,
	"synchronize": true,
}

// FromPullRequest maps a parsed webhook payload onto a Trigger. The
// ref is the synthetic merge ref so expressions can tell PR runs from
// branch runs.
func FromPullRequest(project string, payload webhook.PullRequestPayload) (Trigger, error) {
	if !startActions[payload.Action] {
		return Trigger{}, fmt.Errorf("%w: %s", ErrIgnoredAction, payload.Action)
	}
	return Trigger{
		ID:         uuid.NewString(),
		Kind:       KindPullRequest,
		Project:    project,
		Owner:      payload.Repository.Owner.Login,
		Repo:       payload.Repository.Name,
		Ref:        fmt.Sprintf("refs/pull/%d/merge", payload.Number),
		BaseRef:    payload.PullRequest.Base.Ref,
		HeadRef:    payload.PullRequest.Head.Ref,
		SHA:        payload.PullRequest.Head.Sha,
		Actor:      payload.Sender.Login,
		PRNumber:   payload.Number,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

// NewDispatch builds a manual trigger for one named workflow. An
// empty ref falls back to the branch given as defaultBranch.
func NewDispatch(project, owner, repo, workflowName, ref, defaultBranch, actor string, inputs map[string]string) Trigger {
	if ref == "" {
		ref = "refs/heads/" + defaultBranch
	}
	return Trigger{
		ID:         uuid.NewString(),
		Kind:       KindDispatch,
		Project:    project,
		Owner:      owner,
		Repo:       repo,
		Ref:        ref,
		Actor:      actor,
		Workflow:   workflowName,
		Inputs:     inputs,
		ReceivedAt: time.Now().UTC(),
	}
}
