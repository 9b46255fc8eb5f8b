package runtime

import (
	"context"
	"reflect"

	"github.com/drblury/streamflow/internal/runtime/envelope"
	loggingpkg "github.com/drblury/streamflow/internal/runtime/logging"
)

// Handler is the decoded call a subscriber makes for every message.
type Handler interface {
	// Decode turns the envelope into the payload handed to Handle.
	Decode(env *envelope.Envelope) (any, error)
	// Handle processes payload. A non-nil result is published to the reply
	// target and to every chained publisher.
	Handle(ctx context.Context, env *envelope.Envelope, payload any) (any, error)
}

// Message is what typed handlers receive.
type Message[T any] struct {
	Payload  T
	Envelope *envelope.Envelope
	Logger   loggingpkg.ServiceLogger
	Path     map[string]string
}

// Ack settles the message early. The subscriber does not settle it again.
func (m Message[T]) Ack() bool {
	return m.Envelope.Ack()
}

// Nack rejects the message early.
func (m Message[T]) Nack() bool {
	return m.Envelope.Nack()
}

// Header returns a header of the message.
func (m Message[T]) Header(key string) string {
	return m.Envelope.Headers.Get(key)
}

type handlerFunc struct {
	decode func(env *envelope.Envelope) (any, error)
	handle func(ctx context.Context, env *envelope.Envelope, payload any) (any, error)
}

func (h handlerFunc) Decode(env *envelope.Envelope) (any, error) {
	return h.decode(env)
}

func (h handlerFunc) Handle(ctx context.Context, env *envelope.Envelope, payload any) (any, error) {
	return h.handle(ctx, env, payload)
}

func (h handlerFunc) valid() bool {
	return h.decode != nil && h.handle != nil
}

type validatable interface {
	valid() bool
}

func newMessage[T any](ctx context.Context, env *envelope.Envelope, payload any) Message[T] {
	typed, _ := payload.(T)
	return Message[T]{
		Payload:  typed,
		Envelope: env,
		Logger:   loggingpkg.FromContext(ctx, nil),
		Path:     env.Path,
	}
}

// Handle declares a handler decoding the body into T and returning O.
func Handle[T, O any](fn func(ctx context.Context, msg Message[T]) (O, error)) Handler {
	if fn == nil {
		return handlerFunc{}
	}
	return handlerFunc{
		decode: func(env *envelope.Envelope) (any, error) {
			return envelope.As[T](env)
		},
		handle: func(ctx context.Context, env *envelope.Envelope, payload any) (any, error) {
			out, err := fn(ctx, newMessage[T](ctx, env, payload))
			return out, err
		},
	}
}

// Consume declares a handler decoding the body into T without a result.
func Consume[T any](fn func(ctx context.Context, msg Message[T]) error) Handler {
	if fn == nil {
		return handlerFunc{}
	}
	return handlerFunc{
		decode: func(env *envelope.Envelope) (any, error) {
			return envelope.As[T](env)
		},
		handle: func(ctx context.Context, env *envelope.Envelope, payload any) (any, error) {
			return nil, fn(ctx, newMessage[T](ctx, env, payload))
		},
	}
}

// HandleBatch declares a handler receiving every item of a batch decoded into T.
// A single message arrives as a one-element batch.
func HandleBatch[T, O any](fn func(ctx context.Context, msg Message[[]T]) (O, error)) Handler {
	if fn == nil {
		return handlerFunc{}
	}
	return handlerFunc{
		decode: func(env *envelope.Envelope) (any, error) {
			return envelope.AsBatch[T](env)
		},
		handle: func(ctx context.Context, env *envelope.Envelope, payload any) (any, error) {
			out, err := fn(ctx, newMessage[[]T](ctx, env, payload))
			return out, err
		},
	}
}

// Raw declares a handler that works on the envelope itself. The recorded
// payload is the generic decode of the body.
func Raw(fn func(ctx context.Context, env *envelope.Envelope) (any, error)) Handler {
	if fn == nil {
		return handlerFunc{}
	}
	return handlerFunc{
		decode: func(env *envelope.Envelope) (any, error) {
			v, err := env.Decode()
			if err != nil {
				return env.Body, nil
			}
			return v, nil
		},
		handle: func(ctx context.Context, env *envelope.Envelope, _ any) (any, error) {
			return fn(ctx, env)
		},
	}
}

// isNil reports nil interfaces and typed nils (pointers, maps, slices...).
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
