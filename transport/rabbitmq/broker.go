package rabbitmq

import (
	"github.com/drblury/streamflow/internal/runtime"
	"github.com/drblury/streamflow/internal/runtime/routing"
	"github.com/drblury/streamflow/transport"
)

// Queue returns a source consuming the routing key. "*" matches one word,
// "#" zero or more and "{name}" captures one word into the message path.
func Queue(key string, opts ...runtime.SourceOption) runtime.PatternSource {
	opts = append([]runtime.SourceOption{
		runtime.WithStyle(routing.Segments, routing.WithMultiWildcard("#", true)),
	}, opts...)
	return runtime.NewSource(key, opts...)
}

// Subscriber consumes a RabbitMQ queue.
type Subscriber struct {
	*runtime.Subscriber
	queue string
}

// Subscribe declares a subscriber for source on b. The queue and its binding
// are declared when the broker starts.
func Subscribe(b *runtime.Broker, source runtime.Source, handler runtime.Handler, opts ...runtime.SubscriberOption) (*Subscriber, error) {
	sub, err := b.Subscriber(source, handler, opts...)
	if err != nil {
		return nil, err
	}
	return &Subscriber{
		Subscriber: sub,
		queue:      QueueName(b.Conf.AppName, b.Conf.RabbitMQExchange, source.Topic()),
	}, nil
}

// Queue is the name of the queue the subscriber consumes.
func (s *Subscriber) Queue() string {
	return s.queue
}

// Capabilities returns the delivery guarantees of the subscription.
func (s *Subscriber) Capabilities() transport.Capabilities {
	return Capabilities()
}

// Publisher publishes with the destination as routing key.
type Publisher struct {
	*runtime.Publisher
}

// NewPublisher declares a publisher for routingKey on b.
func NewPublisher(b *runtime.Broker, routingKey string, opts ...runtime.PublisherOption) (*Publisher, error) {
	pub, err := b.Publisher(routingKey, opts...)
	if err != nil {
		return nil, err
	}
	return &Publisher{Publisher: pub}, nil
}
