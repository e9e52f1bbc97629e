package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Publisher wraps a watermill publisher with the typed message surface the
// coordinator uses. Runners publish StatusMessages with the same type.
type Publisher struct {
	pub    message.Publisher
	topics Topics
}

func NewPublisher(pub message.Publisher, topics Topics) *Publisher {
	if topics.Invocations == "" {
		topics = DefaultTopics()
	}
	return &Publisher{pub: pub, topics: topics}
}

func (p *Publisher) PublishInvocation(ctx context.Context, msg InvocationMessage) error {
	return p.publish(ctx, p.topics.Invocations, msg)
}

func (p *Publisher) PublishCancel(ctx context.Context, msg CancelMessage) error {
	return p.publish(ctx, p.topics.Cancellations, msg)
}

func (p *Publisher) PublishStatus(ctx context.Context, msg StatusMessage) error {
	return p.publish(ctx, p.topics.Status, msg)
}

func (p *Publisher) Close() error {
	return p.pub.Close()
}

func (p *Publisher) publish(ctx context.Context, topic string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", topic, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), raw)
	msg.SetContext(ctx)
	if err := p.pub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}
