package nats

import (
	"github.com/drblury/streamflow/internal/runtime"
	"github.com/drblury/streamflow/internal/runtime/routing"
	"github.com/drblury/streamflow/transport"
)

// Subject returns a source consuming subject. "*" matches one token, a
// trailing ">" one or more and "{name}" captures one token.
func Subject(subject string, opts ...runtime.SourceOption) runtime.PatternSource {
	opts = append([]runtime.SourceOption{
		runtime.WithStyle(routing.Segments, routing.WithMultiWildcard(">", false)),
	}, opts...)
	return runtime.NewSource(subject, opts...)
}

// Subscriber consumes a NATS subject within the application queue group.
type Subscriber struct {
	*runtime.Subscriber
	queueGroup string
}

// Subscribe declares a subscriber for source on b.
func Subscribe(b *runtime.Broker, source runtime.Source, handler runtime.Handler, opts ...runtime.SubscriberOption) (*Subscriber, error) {
	sub, err := b.Subscriber(source, handler, opts...)
	if err != nil {
		return nil, err
	}
	return &Subscriber{
		Subscriber: sub,
		queueGroup: QueueGroup(b.Conf.NATSQueueGroup, b.Conf.AppName),
	}, nil
}

// QueueGroup is the queue group prefix the subscription joins.
func (s *Subscriber) QueueGroup() string {
	return s.queueGroup
}

// Capabilities returns the delivery guarantees of the subscription.
func (s *Subscriber) Capabilities() transport.Capabilities {
	return Capabilities()
}

// Publisher publishes to a NATS subject.
type Publisher struct {
	*runtime.Publisher
}

// NewPublisher declares a publisher for subject on b.
func NewPublisher(b *runtime.Broker, subject string, opts ...runtime.PublisherOption) (*Publisher, error) {
	pub, err := b.Publisher(subject, opts...)
	if err != nil {
		return nil, err
	}
	return &Publisher{Publisher: pub}, nil
}
