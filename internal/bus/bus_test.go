package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChannelBus(t *testing.T) *gochannel.GoChannel {
	t.Helper()
	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubsub.Close() })
	return pubsub
}

func waitRunning(t *testing.T, router *message.Router) {
	t.Helper()
	select {
	case <-router.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("router never started")
	}
}

func TestPublisherEncodesInvocations(t *testing.T) {
	pubsub := newChannelBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := pubsub.Subscribe(ctx, TopicInvocations)
	require.NoError(t, err)

	pub := NewPublisher(pubsub, Topics{})
	inv := InvocationMessage{
		RunID:        "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		JobRunID:     "8f14e45f-ceea-4f3b-9a1c-0242ac120002",
		Workflow:     "pr-cpu",
		JobID:        "pytest-cpu",
		InstanceName: "cpu-3.10-2.0",
		Uses: Uses{
			Owner: "mosaicml",
			Repo:  "ci-testing",
			Path:  ".github/workflows/pytest-cpu.yaml",
			Ref:   "v0.0.9",
		},
		Inputs:       map[string]string{"pytest-command": "coverage run -m pytest"},
		Needs:        nil,
		DispatchedAt: time.Now().UTC(),
	}
	require.NoError(t, pub.PublishInvocation(ctx, inv))

	select {
	case msg := <-messages:
		msg.Ack()
		var got InvocationMessage
		require.NoError(t, json.Unmarshal(msg.Payload, &got))
		assert.Equal(t, inv.RunID, got.RunID)
		assert.Equal(t, inv.InstanceName, got.InstanceName)
		assert.Equal(t, inv.Uses, got.Uses)
		assert.Equal(t, inv.Inputs, got.Inputs)
	case <-time.After(5 * time.Second):
		t.Fatal("no invocation arrived on the topic")
	}
}

func TestStatusRouterFeedsHandler(t *testing.T) {
	pubsub := newChannelBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan StatusMessage, 1)
	router, err := NewStatusRouter(pubsub, "", func(ctx context.Context, msg StatusMessage) error {
		got <- msg
		return nil
	})
	require.NoError(t, err)
	go func() { _ = router.Run(ctx) }()
	defer router.Close()
	waitRunning(t, router)

	pub := NewPublisher(pubsub, DefaultTopics())
	want := StatusMessage{
		RunID:      "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		JobRunID:   "8f14e45f-ceea-4f3b-9a1c-0242ac120002",
		Status:     "succeeded",
		FinishedAt: time.Now().UTC(),
	}
	require.NoError(t, pub.PublishStatus(ctx, want))

	select {
	case msg := <-got:
		assert.Equal(t, want.RunID, msg.RunID)
		assert.Equal(t, want.JobRunID, msg.JobRunID)
		assert.Equal(t, "succeeded", msg.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("status callback never reached the handler")
	}
}

func TestStatusRouterReportsHandlerFailures(t *testing.T) {
	pubsub := newChannelBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	captured := make(chan error, 1)
	orig := captureErr
	captureErr = func(err error) {
		select {
		case captured <- err:
		default:
		}
	}
	t.Cleanup(func() { captureErr = orig })

	calls := 0
	handled := make(chan struct{})
	router, err := NewStatusRouter(pubsub, TopicStatus, func(ctx context.Context, msg StatusMessage) error {
		calls++
		if calls == 1 {
			return errors.New("store unavailable")
		}
		close(handled)
		return nil
	})
	require.NoError(t, err)
	go func() { _ = router.Run(ctx) }()
	defer router.Close()
	waitRunning(t, router)

	pub := NewPublisher(pubsub, DefaultTopics())
	require.NoError(t, pub.PublishStatus(ctx, StatusMessage{
		RunID:    "01BX5ZZKBKACTAV9WEVGEMMVRZ",
		JobRunID: "c4ca4238-a0b9-4382-8dcc-509a6f75849b",
		Status:   "failed",
	}))

	select {
	case err := <-captured:
		assert.EqualError(t, err, "store unavailable")
	case <-time.After(5 * time.Second):
		t.Fatal("handler failure was never reported")
	}

	// The failed message is nacked and redelivered.
	select {
	case <-handled:
	case <-time.After(5 * time.Second):
		t.Fatal("status callback was not redelivered after the failure")
	}
}

func TestStatusRouterDropsMalformedPayloads(t *testing.T) {
	pubsub := newChannelBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan StatusMessage, 2)
	router, err := NewStatusRouter(pubsub, TopicStatus, func(ctx context.Context, msg StatusMessage) error {
		got <- msg
		return nil
	})
	require.NoError(t, err)
	go func() { _ = router.Run(ctx) }()
	defer router.Close()
	waitRunning(t, router)

	require.NoError(t, pubsub.Publish(TopicStatus,
		message.NewMessage(watermill.NewUUID(), []byte("not a status callback"))))

	pub := NewPublisher(pubsub, DefaultTopics())
	require.NoError(t, pub.PublishStatus(ctx, StatusMessage{
		RunID:    "01BX5ZZKBKACTAV9WEVGEMMVRZ",
		JobRunID: "c4ca4238-a0b9-4382-8dcc-509a6f75849b",
		Status:   "failed",
	}))

	// The garbage payload is acked without reaching the handler, so the
	// next decodable message is the first one we see.
	select {
	case msg := <-got:
		assert.Equal(t, "failed", msg.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("decodable status callback never arrived")
	}
	assert.Empty(t, got)
}
