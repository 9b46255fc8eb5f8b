// Package streamtest runs a broker under test. By default the transport is
// never built: publishes are routed in process to every subscriber whose
// source matches the destination, and the full handler pipeline runs
// synchronously before Publish returns. Subscribers and publishers get call
// recorders, reachable through their Mock methods.
package streamtest

import (
	"context"
	"errors"
	"sync"

	"github.com/drblury/streamflow/internal/runtime"
	"github.com/drblury/streamflow/internal/runtime/envelope"
)

// Option configures a TestBroker.
type Option func(*TestBroker)

// WithReal builds the configured transport and runs the subscriber loops as
// usual. Only the recorders are attached.
func WithReal(real bool) Option {
	return func(tb *TestBroker) {
		tb.real = real
	}
}

// TestBroker wraps a broker for tests.
type TestBroker struct {
	broker *runtime.Broker
	real   bool

	mu     sync.Mutex
	detach func()
}

// New wraps b. Declare subscribers and publishers before Start.
func New(b *runtime.Broker, opts ...Option) *TestBroker {
	tb := &TestBroker{broker: b}
	for _, opt := range opts {
		opt(tb)
	}
	return tb
}

// Broker returns the wrapped broker.
func (tb *TestBroker) Broker() *runtime.Broker {
	return tb.broker
}

// Start attaches the recorders and starts the broker.
func (tb *TestBroker) Start(ctx context.Context) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.detach != nil {
		return tb.broker.Start(ctx)
	}
	detach, err := tb.broker.TestMode(tb.real)
	if err != nil {
		return err
	}
	if err := tb.broker.Start(ctx); err != nil {
		detach()
		return err
	}
	tb.detach = detach
	return nil
}

// Close stops the broker and detaches the recorders.
func (tb *TestBroker) Close(ctx context.Context) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	err := tb.broker.Stop(ctx)
	if tb.detach != nil {
		tb.detach()
		tb.detach = nil
	}
	return err
}

// Publish sends value to destination.
func (tb *TestBroker) Publish(ctx context.Context, destination string, value any, opts ...runtime.PublishOption) (*envelope.Envelope, error) {
	return tb.broker.Publish(ctx, destination, value, opts...)
}

// PublishBatch sends values to destination as one batch message.
func (tb *TestBroker) PublishBatch(ctx context.Context, destination string, values []any, opts ...runtime.PublishOption) (*envelope.Envelope, error) {
	return tb.broker.PublishBatch(ctx, destination, values, opts...)
}

// Request publishes value and returns the first handler result as the reply.
func (tb *TestBroker) Request(ctx context.Context, destination string, value any, opts ...runtime.PublishOption) (*envelope.Envelope, error) {
	return tb.broker.Request(ctx, destination, value, opts...)
}

// Run starts tb, calls fn and closes tb. Errors of fn and Close are joined.
func Run(ctx context.Context, tb *TestBroker, fn func(tb *TestBroker) error) error {
	if err := tb.Start(ctx); err != nil {
		return err
	}
	err := fn(tb)
	return errors.Join(err, tb.Close(ctx))
}
