package redis

import (
	"github.com/drblury/streamflow/internal/runtime"
	"github.com/drblury/streamflow/internal/runtime/routing"
	"github.com/drblury/streamflow/transport"
)

// Channel returns a source subscribing to pattern. Glob patterns become
// PSUBSCRIBE and "{name}" captures the matched text into the message path.
func Channel(pattern string, opts ...runtime.SourceOption) runtime.PatternSource {
	opts = append([]runtime.SourceOption{runtime.WithStyle(routing.Glob)}, opts...)
	return runtime.NewSource(pattern, opts...)
}

// List returns a source popping key. Combine with runtime.WithSourceBatch
// for batch handlers.
func List(key string, opts ...runtime.SourceOption) runtime.PatternSource {
	opts = append([]runtime.SourceOption{runtime.WithScheme(SchemeList)}, opts...)
	return runtime.NewSource(key, opts...)
}

// Stream returns a source reading the stream key through the consumer group.
func Stream(key string, opts ...runtime.SourceOption) runtime.PatternSource {
	opts = append([]runtime.SourceOption{runtime.WithScheme(SchemeStream)}, opts...)
	return runtime.NewSource(key, opts...)
}

// ListKey is the destination that appends to the list key.
func ListKey(key string) string {
	return routing.JoinScheme(SchemeList, key)
}

// StreamKey is the destination that appends to the stream key.
func StreamKey(key string) string {
	return routing.JoinScheme(SchemeStream, key)
}

// Subscriber consumes a Redis channel, list or stream.
type Subscriber struct {
	*runtime.Subscriber
	mode string
}

// Subscribe declares a subscriber for source on b.
func Subscribe(b *runtime.Broker, source runtime.Source, handler runtime.Handler, opts ...runtime.SubscriberOption) (*Subscriber, error) {
	sub, err := b.Subscriber(source, handler, opts...)
	if err != nil {
		return nil, err
	}
	mode, _ := routing.SplitScheme(source.Topic())
	if mode == "" {
		mode = SchemeChannel
	}
	return &Subscriber{Subscriber: sub, mode: mode}, nil
}

// Mode reports the delivery mode: channel, list or stream.
func (s *Subscriber) Mode() string {
	return s.mode
}

// Capabilities returns the delivery guarantees of the subscription.
func (s *Subscriber) Capabilities() transport.Capabilities {
	caps := Capabilities()
	if s.mode == SchemeChannel {
		caps.SupportsNack = false
		caps.Persistent = false
		caps.NackBehavior = "dropped"
	}
	return caps
}

// Publisher sends to a Redis channel, list or stream.
type Publisher struct {
	*runtime.Publisher
}

// NewPublisher declares a publisher for dest on b. Use ListKey or StreamKey
// for the persistent modes.
func NewPublisher(b *runtime.Broker, dest string, opts ...runtime.PublisherOption) (*Publisher, error) {
	pub, err := b.Publisher(dest, opts...)
	if err != nil {
		return nil, err
	}
	return &Publisher{Publisher: pub}, nil
}
