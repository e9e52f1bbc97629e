package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-ci/kestrel/internal/event"
)

type capturingHandler struct {
	triggers []event.Trigger
	err      error
}

func (h *capturingHandler) HandleTrigger(_ context.Context, trig event.Trigger) error {
	h.triggers = append(h.triggers, trig)
	return h.err
}

func TestDispatchRoundTripsTrigger(t *testing.T) {
	trig := event.Trigger{
		ID:         "t-1",
		Kind:       event.KindPullRequest,
		Project:    "composer",
		Owner:      "mosaicml",
		Repo:       "composer",
		Ref:        "refs/pull/12/merge",
		BaseRef:    "dev",
		SHA:        "cafe12",
		Actor:      "octocat",
		PRNumber:   12,
		Inputs:     map[string]string{"verbosity": "high"},
		ReceivedAt: time.Now().UTC().Truncate(time.Second),
	}
	raw, err := json.Marshal(trig)
	require.NoError(t, err)

	h := &capturingHandler{}
	w := &Worker{handler: h}
	w.dispatch(context.Background(), raw)

	require.Len(t, h.triggers, 1)
	assert.Equal(t, trig, h.triggers[0])
}

func TestDispatchDropsMalformedPayload(t *testing.T) {
	h := &capturingHandler{}
	w := &Worker{handler: h}

	w.dispatch(context.Background(), []byte("{not json"))

	assert.Empty(t, h.triggers)
}

func TestDispatchSurvivesHandlerError(t *testing.T) {
	h := &capturingHandler{err: errors.New("project not registered")}
	w := &Worker{handler: h}

	w.dispatch(context.Background(), []byte(`{"id":"t-2","kind":"workflow_dispatch"}`))

	require.Len(t, h.triggers, 1)
	assert.Equal(t, "t-2", h.triggers[0].ID)
}
