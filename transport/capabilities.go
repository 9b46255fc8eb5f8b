package transport

// Capabilities describes the delivery guarantees of a transport backend.
type Capabilities struct {
	// Name is the registry name of the transport.
	Name string

	// SupportsAck indicates acknowledgement is observable on the wire.
	SupportsAck bool

	// SupportsNack indicates a rejected message is redelivered.
	SupportsNack bool

	// SupportsOrdering indicates messages of one subscription arrive in publish order.
	SupportsOrdering bool

	// SupportsWildcards indicates subscription keys may contain wildcards.
	SupportsWildcards bool

	// SupportsBatching indicates a subscriber can gather several messages
	// before acknowledging the first one.
	SupportsBatching bool

	// SupportsTracing indicates headers survive the round trip, so W3C trace
	// context propagates.
	SupportsTracing bool

	// Persistent indicates messages survive a restart of the consumer.
	Persistent bool

	// NackBehavior documents what a rejected message turns into.
	NackBehavior string

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for the in-memory gochannel transport.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
		SupportsTracing:  true,
		NackBehavior:     "redelivered immediately to the same subscriber",
	}

	// KafkaCapabilities for Apache Kafka transport.
	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
		SupportsTracing:  true,
		Persistent:       true,
		NackBehavior:     "offset not committed, message redelivered after the resend sleep",
		MaxMessageSize:   1048576, // Default 1MB
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP transport.
	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsOrdering:  true,
		SupportsWildcards: true,
		SupportsTracing:   true,
		Persistent:        true,
		NackBehavior:      "requeued",
	}

	// NATSCapabilities for NATS Core transport.
	NATSCapabilities = Capabilities{
		Name:              "nats",
		SupportsWildcards: true,
		SupportsBatching:  true,
		SupportsTracing:   true,
		NackBehavior:      "dropped, core NATS is at-most-once",
		MaxMessageSize:    1048576, // Default 1MB
	}

	// NATSJetStreamCapabilities for NATS JetStream transport.
	NATSJetStreamCapabilities = Capabilities{
		Name:              "nats-jetstream",
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsOrdering:  true,
		SupportsWildcards: true,
		SupportsBatching:  true,
		SupportsTracing:   true,
		Persistent:        true,
		NackBehavior:      "redelivered until MaxDeliver is reached",
		MaxMessageSize:    1048576, // Default 1MB
	}

	// RedisCapabilities for the Redis transport (channel, list and stream keys).
	RedisCapabilities = Capabilities{
		Name:              "redis",
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsOrdering:  true,
		SupportsWildcards: true,
		SupportsBatching:  true,
		SupportsTracing:   true,
		Persistent:        true,
		NackBehavior:      "channel: dropped; list: pushed back to the head; stream: redelivered after a short pause, pending until acked",
	}

	// AWSCapabilities for the AWS SNS/SQS transport.
	AWSCapabilities = Capabilities{
		Name:            "aws",
		SupportsAck:     true,
		SupportsNack:    true,
		SupportsTracing: true,
		Persistent:      true,
		NackBehavior:    "visible again in the queue, redelivered by SQS",
		MaxMessageSize:  262144, // 256KB
	}
)

// GetCapabilities returns the capabilities for a transport by name.
// Uses the registry to look up capabilities registered by each transport package.
// Returns a zero Capabilities struct if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
