// Package rabbitmq provides the RabbitMQ (AMQP 0.9.1) transport.
//
// Without an exchange messages go through the default exchange and the
// subscription key is the queue name. With an exchange every subscription
// gets a durable queue named "<app>.<key>" bound with the key, so topic
// exchanges accept "*" and "#" wildcards. Rejected messages are requeued.
package rabbitmq

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/streamflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// DefaultExchangeType is used when an exchange is configured without a type.
const DefaultExchangeType = "topic"

// DefaultPrefetch bounds the unacknowledged deliveries per consumer.
const DefaultPrefetch = 16

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return amqp.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return amqp.NewSubscriber(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build creates a new RabbitMQ transport.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRabbitMQURL()
	if url == "" {
		return transport.Transport{}, fmt.Errorf("rabbitmq: URL is required")
	}
	amqpConfig := NewConfig(url, cfg.GetAppName(), cfg.GetRabbitMQExchange(), cfg.GetRabbitMQExchangeType())

	publisher, err := PublisherFactory(amqpConfig, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("rabbitmq publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(amqpConfig, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("rabbitmq subscriber: %w", err)
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

// NewConfig returns the AMQP topology used by Build.
func NewConfig(url, appName, exchange, exchangeType string) amqp.Config {
	if exchange == "" {
		cfg := amqp.NewDurableQueueConfig(url)
		cfg.Consume.Qos.PrefetchCount = DefaultPrefetch
		return cfg
	}
	if exchangeType == "" {
		exchangeType = DefaultExchangeType
	}

	cfg := amqp.NewDurablePubSubConfig(url, func(topic string) string {
		return QueueName(appName, exchange, topic)
	})
	cfg.Exchange.GenerateName = func(string) string { return exchange }
	cfg.Exchange.Type = exchangeType
	cfg.QueueBind.GenerateRoutingKey = routingKey
	cfg.Publish.GenerateRoutingKey = routingKey
	cfg.Consume.Qos.PrefetchCount = DefaultPrefetch
	return cfg
}

// QueueName is the queue a subscription key consumes from.
func QueueName(appName, exchange, key string) string {
	if exchange == "" || appName == "" {
		return key
	}
	return appName + "." + key
}

func routingKey(topic string) string {
	return topic
}
