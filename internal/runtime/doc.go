/*
Package runtime provides the broker engine behind streamflow.

# Architecture Overview

A Broker owns one transport connection built by a transport.Factory, the
subscribers and publishers declared on it, and the middleware chain that
wraps both directions of message flow. Messages travel through the engine
as envelope.Envelope values; the transport only ever sees watermill
messages.

# Components

## Broker (broker.go)

Declaration (Subscriber, Publisher, IncludeRouter), lifecycle (Start, Stop)
and ad hoc sending (Publish, PublishBatch, Request).

## Subscriber (subscriber.go, handler.go, source.go)

Each subscriber reads from an exclusive feed, runs the middleware chain,
decodes, calls its Handler and settles the message exactly once. Typed
helpers (Handle, Consume, HandleBatch, Raw) adapt plain functions to the
Handler contract. GetOne pulls a single message from the same feed.

## Publisher (publisher.go, rpc.go, producer.go)

Publishers encode values, optionally as batches, and hand envelopes to the
producer. RPC publishes wait on a per broker reply inbox.

## Middleware (middleware.go, hooks.go, telemetry.go, metrics.go, retry.go)

The first registered middleware is the outermost one. Built in stages cover
correlation ids, message logging, panic recovery, OpenTelemetry tracing,
Prometheus metrics, retries and job lifecycle hooks.

## Testing (testmode.go, recorder.go)

TestMode routes publishes in process and attaches a Recorder to every
subscriber and publisher.

# Subpackages

  - codec: payload encoding and struct validation
  - config: broker configuration and STREAMFLOW_* environment loading
  - envelope: the transport independent message view
  - errors: sentinel and typed errors
  - ids: ULID based identifiers
  - jsoncodec: JSON on top of sonic
  - logging: ServiceLogger and the watermill adapter
  - metadata: header maps
  - routing: subscription key patterns
  - transport: transport factory used by the broker
*/
package runtime
