package event

import (
	"encoding/json"
	"testing"

	webhook "github.com/go-playground/webhooks/v6/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func prPayload(action string) webhook.PullRequestPayload {
	var payload webhook.PullRequestPayload
	payload.Action = action
	payload.Number = 42
	payload.PullRequest.Base.Ref = "main"
	payload.PullRequest.Head.Sha = "abc123def456"
	payload.Repository.Name = "composer"
	payload.Repository.Owner.Login = "mosaicml"
	payload.Sender.Login = "contributor"
	return payload
}

func TestFromPullRequest(t *testing.T) {
	trig, err := FromPullRequest("composer", prPayload("synchronize"))
	require.NoError(t, err)

	assert.NotEmpty(t, trig.ID)
	assert.Equal(t, KindPullRequest, trig.Kind)
	assert.Equal(t, "composer", trig.Project)
	assert.Equal(t, "mosaicml", trig.Owner)
	assert.Equal(t, "composer", trig.Repo)
	assert.Equal(t, "refs/pull/42/merge", trig.Ref)
	assert.Equal(t, "main", trig.BaseRef)
	assert.Equal(t, "abc123def456", trig.SHA)
	assert.Equal(t, "contributor", trig.Actor)
	assert.EqualValues(t, 42, trig.PRNumber)
	assert.False(t, trig.ReceivedAt.IsZero())
}

func TestFromPullRequestIgnoredActions(t *testing.T) {
	for _, action := range []string{"labeled", "closed", "edited", "assigned"} {
		_, err := FromPullRequest("composer", prPayload(action))
		require.ErrorIs(t, err, ErrIgnoredAction, "action %s", action)
	}
	for _, action := range []string{"opened", "reopened", "synchronize"} {
		_, err := FromPullRequest("composer", prPayload(action))
		require.NoError(t, err, "action %s", action)
	}
}

func TestNewDispatchDefaultRef(t *testing.T) {
	trig := NewDispatch("composer", "mosaicml", "composer", "pr-tests", "", "dev", "operator", map[string]string{"reason": "manual"})

	assert.Equal(t, KindDispatch, trig.Kind)
	assert.Equal(t, "refs/heads/dev", trig.Ref)
	assert.Equal(t, "pr-tests", trig.Workflow)
	assert.Equal(t, "manual", trig.Inputs["reason"])

	trig = NewDispatch("composer", "mosaicml", "composer", "pr-tests", "refs/heads/topic", "dev", "operator", nil)
	assert.Equal(t, "refs/heads/topic", trig.Ref)
}

func TestTriggerRoundTripsThroughJSON(t *testing.T) {
	trig, err := FromPullRequest("composer", prPayload("opened"))
	require.NoError(t, err)

	raw, err := json.Marshal(trig)
	require.NoError(t, err)

	var decoded Trigger
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, trig.ID, decoded.ID)
	assert.Equal(t, trig.Ref, decoded.Ref)
	assert.Equal(t, trig.SHA, decoded.SHA)
	assert.True(t, trig.ReceivedAt.Equal(decoded.ReceivedAt))
}
