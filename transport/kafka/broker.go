package kafka

import (
	"context"

	"github.com/drblury/streamflow/internal/runtime"
	"github.com/drblury/streamflow/internal/runtime/envelope"
	"github.com/drblury/streamflow/transport"
)

// Topic returns a source consuming the Kafka topic name. Kafka has no
// wildcard subscriptions, so the name is matched exactly.
func Topic(name string, opts ...runtime.SourceOption) runtime.PatternSource {
	return runtime.NewSource(name, opts...)
}

// WithKey sets the record key of a published message.
func WithKey(key string) runtime.PublishOption {
	return runtime.WithHeader(HeaderPartitionKey, key)
}

// Subscriber consumes a Kafka topic within the configured consumer group.
type Subscriber struct {
	*runtime.Subscriber
}

// Subscribe declares a subscriber for source on b.
func Subscribe(b *runtime.Broker, source runtime.Source, handler runtime.Handler, opts ...runtime.SubscriberOption) (*Subscriber, error) {
	sub, err := b.Subscriber(source, handler, opts...)
	if err != nil {
		return nil, err
	}
	return &Subscriber{Subscriber: sub}, nil
}

// Capabilities returns the delivery guarantees of the subscription.
func (s *Subscriber) Capabilities() transport.Capabilities {
	return Capabilities()
}

// Publisher produces records to a Kafka topic.
type Publisher struct {
	*runtime.Publisher
}

// NewPublisher declares a publisher for topic on b.
func NewPublisher(b *runtime.Broker, topic string, opts ...runtime.PublisherOption) (*Publisher, error) {
	pub, err := b.Publisher(topic, opts...)
	if err != nil {
		return nil, err
	}
	return &Publisher{Publisher: pub}, nil
}

// PublishKeyed publishes value with key as the record key.
func (p *Publisher) PublishKeyed(ctx context.Context, key string, value any, opts ...runtime.PublishOption) (*envelope.Envelope, error) {
	return p.Publish(ctx, value, append(opts, WithKey(key))...)
}
