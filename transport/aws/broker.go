package aws

import (
	"github.com/drblury/streamflow/internal/runtime"
	"github.com/drblury/streamflow/transport"
)

// Topic returns a source consuming the SNS topic of name. SNS has no
// wildcard subscriptions, so the name is matched exactly.
func Topic(name string, opts ...runtime.SourceOption) runtime.PatternSource {
	return runtime.NewSource(name, opts...)
}

// Subscriber consumes a topic through the SQS queue of the application.
type Subscriber struct {
	*runtime.Subscriber
	queue string
}

// Subscribe declares a subscriber for source on b. The queue and its topic
// subscription are created when the broker starts.
func Subscribe(b *runtime.Broker, source runtime.Source, handler runtime.Handler, opts ...runtime.SubscriberOption) (*Subscriber, error) {
	sub, err := b.Subscriber(source, handler, opts...)
	if err != nil {
		return nil, err
	}
	return &Subscriber{Subscriber: sub, queue: QueueName(b.Conf.AppName, source.Topic())}, nil
}

// Queue is the SQS queue name of the subscription.
func (s *Subscriber) Queue() string {
	return s.queue
}

// Capabilities returns the delivery guarantees of the subscription.
func (s *Subscriber) Capabilities() transport.Capabilities {
	return Capabilities()
}

// Publisher publishes to an SNS topic.
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
