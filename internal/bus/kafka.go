package bus

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v2/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/sirupsen/logrus"

	"github.com/kestrel-ci/kestrel/internal/logging"
)

// NewKafkaPublisher connects a watermill publisher to the given brokers.
func NewKafkaPublisher(brokers []string) (message.Publisher, error) {
	return kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:   brokers,
			Marshaler: kafka.DefaultMarshaler{},
		},
		watermillLogger(),
	)
}

// NewKafkaSubscriber connects a watermill subscriber to the given brokers
// under the given consumer group.
func NewKafkaSubscriber(brokers []string, consumerGroup string) (message.Subscriber, error) {
	return kafka.NewSubscriber(
		kafka.SubscriberConfig{
			Brokers:       brokers,
			Unmarshaler:   kafka.DefaultMarshaler{},
			ConsumerGroup: consumerGroup,
		},
		watermillLogger(),
	)
}

func watermillLogger() watermill.LoggerAdapter {
	return &logrusAdapter{entry: logging.C("bus.watermill")}
}

// logrusAdapter routes watermill's internal logging through the shared
// logrus singleton so bus logs look like the rest of the daemon's.
type logrusAdapter struct {
	entry *logrus.Entry
}

func (a *logrusAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.with(fields).WithError(err).Error(msg)
}

func (a *logrusAdapter) Info(msg string, fields watermill.LogFields) {
	a.with(fields).Info(msg)
}

func (a *logrusAdapter) Debug(msg string, fields watermill.LogFields) {
	a.with(fields).Debug(msg)
}

func (a *logrusAdapter) Trace(msg string, fields watermill.LogFields) {
	a.with(fields).Trace(msg)
}

func (a *logrusAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &logrusAdapter{entry: a.with(fields)}
}

func (a *logrusAdapter) with(fields watermill.LogFields) *logrus.Entry {
	if len(fields) == 0 {
		return a.entry
	}
	return a.entry.WithFields(logrus.Fields(fields))
}
