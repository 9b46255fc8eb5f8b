package runtime

import (
	"context"
	"errors"
	"runtime/debug"

	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/drblury/streamflow/internal/runtime/envelope"
	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	idspkg "github.com/drblury/streamflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/streamflow/internal/runtime/logging"
)

// ConsumeFunc processes a received envelope and returns the handler result.
type ConsumeFunc func(ctx context.Context, env *envelope.Envelope) (any, error)

// PublishFunc sends an envelope. In RPC mode it returns the reply, otherwise
// the envelope that was sent.
type PublishFunc func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error)

// Middleware wraps both directions of message flow. The first registered
// middleware is the outermost one.
type Middleware interface {
	Consume(next ConsumeFunc) ConsumeFunc
	Publish(next PublishFunc) PublishFunc
}

// MiddlewareFuncs adapts plain functions to Middleware. Nil fields pass through.
type MiddlewareFuncs struct {
	ConsumeFunc func(next ConsumeFunc) ConsumeFunc
	PublishFunc func(next PublishFunc) PublishFunc
}

func (m MiddlewareFuncs) Consume(next ConsumeFunc) ConsumeFunc {
	if m.ConsumeFunc == nil {
		return next
	}
	return m.ConsumeFunc(next)
}

func (m MiddlewareFuncs) Publish(next PublishFunc) PublishFunc {
	if m.PublishFunc == nil {
		return next
	}
	return m.PublishFunc(next)
}

// MiddlewareBuilder constructs a middleware using the broker it is registered on.
// Returning nil skips the registration.
type MiddlewareBuilder func(*Broker) (Middleware, error)

// MiddlewareRegistration captures how a middleware is registered on a Broker.
type MiddlewareRegistration struct {
	Name       string
	Middleware Middleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the chain NewBroker registers unless disabled.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		RecovererMiddleware(),
	}
}

func composeConsume(mws []Middleware, final ConsumeFunc) ConsumeFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		final = mws[i].Consume(final)
	}
	return final
}

func composePublish(mws []Middleware, final PublishFunc) PublishFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		final = mws[i].Publish(final)
	}
	return final
}

type correlationKey struct{}

// CorrelationIDFromContext returns the correlation id of the message being processed.
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// CorrelationIDMiddleware makes sure every envelope carries a correlation id
// and exposes it to handlers through the context and the context logger.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Builder: func(b *Broker) (Middleware, error) {
			return correlationMiddleware{logger: b.Logger}, nil
		},
	}
}

type correlationMiddleware struct {
	logger loggingpkg.ServiceLogger
}

func (m correlationMiddleware) Consume(next ConsumeFunc) ConsumeFunc {
	return func(ctx context.Context, env *envelope.Envelope) (any, error) {
		if env.CorrelationID == "" {
			env.CorrelationID = idspkg.NewCorrelationID()
		}
		ctx = context.WithValue(ctx, correlationKey{}, env.CorrelationID)
		log := loggingpkg.FromContext(ctx, m.logger)
		ctx = loggingpkg.WithLogger(ctx, log.With(loggingpkg.LogFields{
			loggingpkg.FieldCorrelationID: env.CorrelationID,
		}))
		return next(ctx, env)
	}
}

func (m correlationMiddleware) Publish(next PublishFunc) PublishFunc {
	return func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
		if env.CorrelationID == "" {
			env.CorrelationID = idspkg.NewCorrelationID()
		}
		return next(ctx, env)
	}
}

// LogMessagesMiddleware logs every received and published envelope at debug level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(b *Broker) (Middleware, error) {
			l := logger
			if l == nil {
				l = b.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMiddleware{logger: l}, nil
		},
	}
}

type logMiddleware struct {
	logger loggingpkg.ServiceLogger
}

func envelopeFields(env *envelope.Envelope) loggingpkg.LogFields {
	fields := loggingpkg.LogFields{
		loggingpkg.FieldMessageID:     env.MessageID,
		loggingpkg.FieldCorrelationID: env.CorrelationID,
		loggingpkg.FieldDestination:   env.Destination,
		"content_type":                env.ContentType,
		"headers":                     env.Headers,
	}
	if env.Batch {
		fields["batch_size"] = len(env.Items)
	} else {
		fields["payload"] = string(env.Body)
	}
	return fields
}

func (m logMiddleware) Consume(next ConsumeFunc) ConsumeFunc {
	return func(ctx context.Context, env *envelope.Envelope) (any, error) {
		m.logger.Debug("Received message", envelopeFields(env))
		return next(ctx, env)
	}
}

func (m logMiddleware) Publish(next PublishFunc) PublishFunc {
	return func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
		m.logger.Debug("Publishing message", envelopeFields(env))
		return next(ctx, env)
	}
}

// RecovererMiddleware converts handler panics into middleware.RecoveredPanicError.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: recoverer{},
	}
}

type recoverer struct{}

func (recoverer) Consume(next ConsumeFunc) ConsumeFunc {
	return func(ctx context.Context, env *envelope.Envelope) (result any, err error) {
		defer func() {
			if r := recover(); r != nil {
				result = nil
				err = middleware.RecoveredPanicError{V: r, Stacktrace: string(debug.Stack())}
			}
		}()
		return next(ctx, env)
	}
}

func (recoverer) Publish(next PublishFunc) PublishFunc {
	return next
}

// Use appends broker level middlewares. They wrap every router and
// subscriber level middleware. Use fails once the broker started.
func (b *Broker) Use(mws ...Middleware) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errspkg.ErrBrokerStarted
	}
	for _, mw := range mws {
		if mw != nil {
			b.middlewares = append(b.middlewares, mw)
		}
	}
	return nil
}

// RegisterMiddleware builds and appends the supplied registration.
func (b *Broker) RegisterMiddleware(cfg MiddlewareRegistration) error {
	var mw Middleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(b)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}
	return b.Use(mw)
}

func (b *Broker) brokerMiddlewares() []Middleware {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Middleware(nil), b.middlewares...)
}
