package jetstream

import (
	"github.com/drblury/streamflow/internal/runtime"
	"github.com/drblury/streamflow/internal/runtime/routing"
	"github.com/drblury/streamflow/transport"
)

// Subject returns a source consuming subject within the stream. Wildcards
// follow NATS: "*" is one token, a trailing ">" one or more.
func Subject(subject string, opts ...runtime.SourceOption) runtime.PatternSource {
	opts = append([]runtime.SourceOption{
		runtime.WithStyle(routing.Segments, routing.WithMultiWildcard(">", false)),
	}, opts...)
	return runtime.NewSource(subject, opts...)
}

// KeyValue returns a source watching keys of a key-value bucket. keys uses
// the NATS wildcards, an empty keys watches the whole bucket.
func KeyValue(bucket, keys string, opts ...runtime.SourceOption) runtime.PatternSource {
	if keys == "" {
		keys = ">"
	}
	opts = append([]runtime.SourceOption{
		runtime.WithScheme(SchemeKV),
		runtime.WithStyle(routing.Segments, routing.WithMultiWildcard(">", false)),
	}, opts...)
	return runtime.NewSource(bucket+"."+keys, opts...)
}

// ObjectStore returns a source receiving the name of every object put into
// bucket.
func ObjectStore(bucket string, opts ...runtime.SourceOption) runtime.PatternSource {
	opts = append([]runtime.SourceOption{runtime.WithScheme(SchemeObject)}, opts...)
	return runtime.NewSource(bucket, opts...)
}

// Subscriber consumes a subject through a durable pull consumer.
type Subscriber struct {
	*runtime.Subscriber
	consumer string
}

// Subscribe declares a subscriber for source on b. The durable consumer is
// created when the broker starts.
func Subscribe(b *runtime.Broker, source runtime.Source, handler runtime.Handler, opts ...runtime.SubscriberOption) (*Subscriber, error) {
	sub, err := b.Subscriber(source, handler, opts...)
	if err != nil {
		return nil, err
	}
	names := newTransport(Config{StreamName: b.Conf.JetStreamStream, Durable: b.Conf.AppName}, nil, nil)
	return &Subscriber{Subscriber: sub, consumer: names.ConsumerName(source.Topic())}, nil
}

// Consumer is the durable consumer name of the subscription.
func (s *Subscriber) Consumer() string {
	return s.consumer
}

// Capabilities returns the delivery guarantees of the subscription.
func (s *Subscriber) Capabilities() transport.Capabilities {
	return Capabilities()
}

// Publisher stores messages on a subject of the stream.
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
