// Package streamflow is a broker-agnostic message streaming layer on top of
// Watermill. A Broker owns one transport, selected by Config.PubSubSystem,
// and the subscribers and publishers declared on it. Handlers are plain
// typed functions: Handle, Consume and HandleBatch decode the message body
// with the broker codec, call the function and acknowledge or reject the
// message depending on the returned error. A non-nil result is published to
// the message's reply-to and to every chained publisher.
//
// A minimal setup fills Config, creates a Broker, declares subscribers and
// publishers, and calls Start; Stop drains in-flight handlers and closes the
// transport.
//
// # Transports
//
// Every built-in transport registers itself when this package is imported:
//   - channel: in-memory Go channels, the default
//   - kafka: consumer groups, keyed publishing through transport/kafka
//   - rabbitmq: durable queues bound to a topic exchange
//   - nats: core NATS subjects with queue groups, at-most-once
//   - nats-jetstream: persistent streams with durable pull consumers
//   - redis: pub/sub channels, lists and streams in one key space
//
// Each transport package offers source descriptors that understand its
// wildcard grammar (kafka.Topic, rabbitmq.Queue, nats.Subject,
// jetstream.Subject, redis.Channel, redis.List, redis.Stream) together with
// typed Subscriber and Publisher wrappers.
//
// # Middleware
//
// The default middleware chain covers correlation IDs, structured logging
// and panic recovery. Config toggles add OpenTelemetry tracing, Prometheus
// metrics and retries with exponential backoff. Hooks and JobHooks wrap
// plain callbacks into middleware. The first registered middleware is the
// outermost one.
//
// # Testing
//
// Package streamtest runs a broker in process: publishes reach matching
// subscribers synchronously and every subscriber and publisher records its
// calls.
package streamflow
