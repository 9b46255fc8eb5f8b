// Package transport defines the contract between streamflow and broker clients.
// Each transport implementation (kafka, rabbitmq, redis, ...) lives in its own
// sub-package and registers itself with the transport registry.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes both halves. A shared publisher/subscriber is closed once.
func (t Transport) Close() error {
	var errs []error
	if t.Subscriber != nil {
		errs = append(errs, t.Subscriber.Close())
	}
	if t.Publisher != nil && any(t.Publisher) != any(t.Subscriber) {
		errs = append(errs, t.Publisher.Close())
	}
	return errors.Join(errs...)
}

// Builder is the function signature for creating a transport from config.
// Builders must not block on the network longer than ctx allows.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports.
// This interface allows transports to access only the config they need
// without depending on the full config package.
type Config interface {
	// GetPubSubSystem returns the normalised transport name.
	GetPubSubSystem() string
	GetAppName() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string
	GetRabbitMQExchange() string
	GetRabbitMQExchangeType() string

	// NATS
	GetNATSURL() string
	GetNATSQueueGroup() string

	// JetStream
	GetJetStreamStream() string
	GetJetStreamMaxDeliver() int
	GetJetStreamAckWait() time.Duration

	// Redis
	GetRedisURL() string
	GetRedisConsumerGroup() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// Provisioner is implemented by subscribers that declare broker topology
// (queues, bindings, streams) before consuming.
type Provisioner interface {
	Provision(ctx context.Context, topics []string) error
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
