// Package channel provides the in-memory Go channel transport.
// It is the default transport and needs no external service.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/streamflow/internal/runtime"
	"github.com/drblury/streamflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// OutputBuffer is the per subscription buffer of the in-memory pub/sub.
const OutputBuffer = 64

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new Go channel transport.
func Build(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(gochannel.Config{OutputChannelBuffer: OutputBuffer}, logger)
	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// Topic returns a source consuming name. The in-memory transport matches
// topics exactly.
func Topic(name string) runtime.PatternSource {
	return runtime.Topic(name)
}

// Subscriber consumes an in-memory topic.
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

// Publisher sends to an in-memory topic.
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
