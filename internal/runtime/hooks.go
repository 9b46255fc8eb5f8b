package runtime

import (
	"context"
	"time"

	"github.com/drblury/streamflow/internal/runtime/envelope"
	"github.com/drblury/streamflow/internal/runtime/metadata"
)

// Hooks is a Middleware assembled from optional callbacks.
//
// OnReceive runs before inner stages. When it fails the inner stages and the
// handler are skipped, but the error still reaches AfterProcessed of this and
// every outer stage. AfterProcessed and AfterPublish return the error to
// propagate; returning nil marks the message as handled.
type Hooks struct {
	OnReceive      func(ctx context.Context, env *envelope.Envelope) (context.Context, error)
	AfterProcessed func(ctx context.Context, env *envelope.Envelope, err error) error
	OnPublish      func(ctx context.Context, env *envelope.Envelope) (context.Context, error)
	AfterPublish   func(ctx context.Context, env *envelope.Envelope, err error) error
}

func (h Hooks) Consume(next ConsumeFunc) ConsumeFunc {
	return func(ctx context.Context, env *envelope.Envelope) (any, error) {
		var (
			result any
			err    error
		)
		if h.OnReceive != nil {
			ctx, err = h.OnReceive(ctx, env)
		}
		if err == nil {
			result, err = next(ctx, env)
		}
		if h.AfterProcessed != nil {
			err = h.AfterProcessed(ctx, env, err)
		}
		return result, err
	}
}

func (h Hooks) Publish(next PublishFunc) PublishFunc {
	return func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
		var (
			reply *envelope.Envelope
			err   error
		)
		if h.OnPublish != nil {
			ctx, err = h.OnPublish(ctx, env)
		}
		if err == nil {
			reply, err = next(ctx, env)
		}
		if h.AfterPublish != nil {
			err = h.AfterPublish(ctx, env, err)
		}
		return reply, err
	}
}

// Merge combines two Hooks; the callbacks of h run outside those of other.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnReceive:      chainBefore(h.OnReceive, other.OnReceive),
		AfterProcessed: chainAfter(other.AfterProcessed, h.AfterProcessed),
		OnPublish:      chainBefore(h.OnPublish, other.OnPublish),
		AfterPublish:   chainAfter(other.AfterPublish, h.AfterPublish),
	}
}

func chainBefore(a, b func(context.Context, *envelope.Envelope) (context.Context, error)) func(context.Context, *envelope.Envelope) (context.Context, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx context.Context, env *envelope.Envelope) (context.Context, error) {
		ctx, err := a(ctx, env)
		if err != nil {
			return ctx, err
		}
		return b(ctx, env)
	}
}

func chainAfter(a, b func(context.Context, *envelope.Envelope, error) error) func(context.Context, *envelope.Envelope, error) error {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx context.Context, env *envelope.Envelope, err error) error {
		return b(ctx, env, a(ctx, env, err))
	}
}

// HooksMiddleware registers hooks under name.
func HooksMiddleware(name string, hooks Hooks) MiddlewareRegistration {
	if name == "" {
		name = "hooks"
	}
	return MiddlewareRegistration{Name: name, Middleware: hooks}
}

// JobContext provides information about a job execution to hooks.
type JobContext struct {
	// HandlerName is the name of the subscriber processing the job.
	HandlerName string
	// Destination is the key the message arrived on.
	Destination string
	MessageID   string
	// CorrelationID links the job to the request that caused it.
	CorrelationID string
	Headers       metadata.Metadata
	Context       context.Context
	StartedAt     time.Time
	// Duration is only set in OnJobDone and OnJobError.
	Duration  time.Duration
	BatchSize int
}

// JobHooks defines callbacks for job lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	// OnJobStart is called before the handler is invoked.
	OnJobStart func(ctx JobContext)

	// OnJobDone is called when the handler succeeded or asked for an explicit ack.
	OnJobDone func(ctx JobContext)

	// OnJobError is called when the handler returned an error.
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks, creating a new JobHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainJobHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainJobHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainJobErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainJobHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainJobErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware creates a middleware that invokes the provided hooks
// around every handler call.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "job_hooks",
		Middleware: MiddlewareFuncs{ConsumeFunc: jobHooksConsume(hooks)},
	}
}

func jobHooksConsume(hooks JobHooks) func(ConsumeFunc) ConsumeFunc {
	return func(next ConsumeFunc) ConsumeFunc {
		return func(ctx context.Context, env *envelope.Envelope) (any, error) {
			info, _ := InfoFromContext(ctx)
			job := JobContext{
				HandlerName:   info.Handler,
				Destination:   env.Destination,
				MessageID:     env.MessageID,
				CorrelationID: env.CorrelationID,
				Headers:       env.Headers,
				Context:       ctx,
				StartedAt:     time.Now(),
				BatchSize:     env.Len(),
			}

			if hooks.OnJobStart != nil {
				hooks.OnJobStart(job)
			}

			result, err := next(ctx, env)
			job.Duration = time.Since(job.StartedAt)

			if shouldAck(err) {
				if hooks.OnJobDone != nil {
					hooks.OnJobDone(job)
				}
			} else if hooks.OnJobError != nil {
				hooks.OnJobError(job, err)
			}
			return result, err
		}
	}
}

// LoggingHooks returns pre-built hooks that log job lifecycle events.
func LoggingHooks(logger interface {
	Info(msg string, fields map[string]any)
	Error(msg string, err error, fields map[string]any)
}) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Info("Job started", map[string]any{
				"handler":        ctx.HandlerName,
				"destination":    ctx.Destination,
				"message_id":     ctx.MessageID,
				"correlation_id": ctx.CorrelationID,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", map[string]any{
				"handler":     ctx.HandlerName,
				"destination": ctx.Destination,
				"message_id":  ctx.MessageID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, map[string]any{
				"handler":     ctx.HandlerName,
				"destination": ctx.Destination,
				"message_id":  ctx.MessageID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that report job counts.
func MetricsHooks(onStart, onDone, onError func(handlerName, destination string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.HandlerName, ctx.Destination)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.HandlerName, ctx.Destination)
			}
		},
		OnJobError: func(ctx JobContext, err error) {
			if onError != nil {
				onError(ctx.HandlerName, ctx.Destination)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on job errors.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}
