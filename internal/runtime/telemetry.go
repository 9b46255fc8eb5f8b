package runtime

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/streamflow/internal/runtime/envelope"
	metadatapkg "github.com/drblury/streamflow/internal/runtime/metadata"
)

const tracerName = "github.com/drblury/streamflow"

// TracerOption configures the tracing middleware.
type TracerOption func(*tracerMiddleware)

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) TracerOption {
	return func(m *tracerMiddleware) {
		m.provider = tp
	}
}

// WithPropagator overrides the default W3C trace context and baggage propagator.
func WithPropagator(p propagation.TextMapPropagator) TracerOption {
	return func(m *tracerMiddleware) {
		m.propagator = p
	}
}

// TracerMiddleware opens a "create" and a "publish" span when sending and a
// "process" span when consuming. Trace context and baggage travel in message
// headers, so handlers read the producer's baggage from their context.
func TracerMiddleware(opts ...TracerOption) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(b *Broker) (Middleware, error) {
			m := &tracerMiddleware{system: b.System()}
			for _, opt := range opts {
				opt(m)
			}
			if m.provider == nil {
				m.provider = otel.GetTracerProvider()
			}
			if m.propagator == nil {
				m.propagator = propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
			}
			m.tracer = m.provider.Tracer(tracerName)
			return m, nil
		},
	}
}

type tracerMiddleware struct {
	system     string
	provider   trace.TracerProvider
	propagator propagation.TextMapPropagator
	tracer     trace.Tracer
}

func (m *tracerMiddleware) attributes(ctx context.Context, env *envelope.Envelope, op string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("messaging.system", m.system),
		attribute.String("messaging.operation", op),
		attribute.String("messaging.destination.name", env.Destination),
		attribute.String("messaging.message.id", env.MessageID),
		attribute.String("messaging.message.conversation_id", env.CorrelationID),
		attribute.Int("messaging.message.body.size", env.Size()),
	}
	if env.Batch {
		attrs = append(attrs, attribute.Int("messaging.batch.message_count", env.Len()))
	}
	if info, ok := InfoFromContext(ctx); ok && info.Handler != "" {
		attrs = append(attrs, attribute.String("messaging.consumer.name", info.Handler))
	}
	return attrs
}

func (m *tracerMiddleware) Consume(next ConsumeFunc) ConsumeFunc {
	return func(ctx context.Context, env *envelope.Envelope) (any, error) {
		if env.Headers != nil {
			ctx = m.propagator.Extract(ctx, propagation.MapCarrier(env.Headers))
		}
		ctx, span := m.tracer.Start(ctx, env.Destination+" process",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(m.attributes(ctx, env, "process")...),
		)
		defer span.End()

		result, err := next(ctx, env)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if env.Settled() {
			span.SetAttributes(attribute.String("messaging.message.disposition", env.Disposition().String()))
		}
		return result, err
	}
}

func (m *tracerMiddleware) Publish(next PublishFunc) PublishFunc {
	return func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
		ctx, create := m.tracer.Start(ctx, env.Destination+" create",
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(m.attributes(ctx, env, "create")...),
		)
		defer create.End()

		ctx, span := m.tracer.Start(ctx, env.Destination+" publish",
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(m.attributes(ctx, env, "publish")...),
		)
		defer span.End()

		if env.Headers == nil {
			env.Headers = metadatapkg.Metadata{}
		}
		m.propagator.Inject(ctx, propagation.MapCarrier(env.Headers))

		reply, err := next(ctx, env)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			create.SetStatus(codes.Error, err.Error())
		}
		return reply, err
	}
}
