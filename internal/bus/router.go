package bus

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/sirupsen/logrus"

	"github.com/kestrel-ci/kestrel/internal/logging"
	"github.com/kestrel-ci/kestrel/internal/telemetry"
)

var routerLogger = logging.C("bus.router")

// captureErr reports handler failures out of band. Tests swap it.
var captureErr = telemetry.CaptureError

// StatusHandler consumes one decoded status callback. A returned error nacks
// the message so the subscriber redelivers it.
type StatusHandler func(ctx context.Context, msg StatusMessage) error

// NewStatusRouter builds the router that feeds runner status callbacks into
// the coordinator. Malformed payloads are logged and acked so a poison
// message cannot wedge the topic.
func NewStatusRouter(sub message.Subscriber, topic string, handle StatusHandler) (*message.Router, error) {
	if topic == "" {
		topic = TopicStatus
	}
	router, err := message.NewRouter(message.RouterConfig{}, watermillLogger())
	if err != nil {
		return nil, err
	}
	router.AddPlugin(plugin.SignalsHandler)
	router.AddMiddleware(middleware.Recoverer)
	router.AddNoPublisherHandler(
		"workflow-status-apply",
		topic,
		sub,
		func(msg *message.Message) error {
			var status StatusMessage
			if err := json.Unmarshal(msg.Payload, &status); err != nil {
				routerLogger.WithError(err).WithField("message_uuid", msg.UUID).
					Warn("dropping malformed status callback")
				return nil
			}
			if err := handle(msg.Context(), status); err != nil {
				routerLogger.WithError(err).WithFields(logrus.Fields{
					"message_uuid": msg.UUID,
					"job_run":      status.JobRunID,
				}).Error("status callback failed")
				captureErr(err)
				return err
			}
			return nil
		},
	)
	return router, nil
}
