package runtime

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/drblury/streamflow/internal/runtime/envelope"
	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/streamflow/internal/runtime/logging"
)

// RetryMiddlewareConfig customises the retry middleware behaviour.
// Zero values fall back to the broker configuration, then to the defaults.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 16 * time.Second
	}
	return cfg
}

// RetryMiddleware re-runs the inner chain with exponential backoff.
// Ack/nack signals, setup, encode and decode errors are never retried, and
// neither is a message the handler already settled.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "retry",
		Builder: func(b *Broker) (Middleware, error) {
			c := cfg
			if c.MaxRetries <= 0 {
				c.MaxRetries = b.Conf.RetryMaxRetries
			}
			if c.InitialInterval <= 0 {
				c.InitialInterval = b.Conf.RetryInitialInterval
			}
			if c.MaxInterval <= 0 {
				c.MaxInterval = b.Conf.RetryMaxInterval
			}
			return retryMiddleware{cfg: c.withDefaults(), logger: b.Logger}, nil
		},
	}
}

type retryMiddleware struct {
	cfg    RetryMiddlewareConfig
	logger loggingpkg.ServiceLogger
}

func (m retryMiddleware) retryable(env *envelope.Envelope, err error) bool {
	if errspkg.IsPermanent(err) || env.Settled() {
		return false
	}
	if m.cfg.RetryIf != nil {
		return m.cfg.RetryIf(err)
	}
	return true
}

func (m retryMiddleware) Consume(next ConsumeFunc) ConsumeFunc {
	return func(ctx context.Context, env *envelope.Envelope) (any, error) {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = m.cfg.InitialInterval
		policy.MaxInterval = m.cfg.MaxInterval

		attempt := 0
		return backoff.Retry(ctx, func() (any, error) {
			attempt++
			result, err := next(ctx, env)
			if err != nil && !m.retryable(env, err) {
				return result, backoff.Permanent(err)
			}
			return result, err
		},
			backoff.WithBackOff(policy),
			backoff.WithMaxTries(uint(m.cfg.MaxRetries)+1),
			backoff.WithNotify(func(err error, wait time.Duration) {
				loggingpkg.FromContext(ctx, m.logger).Debug("Retrying message", loggingpkg.LogFields{
					loggingpkg.FieldMessageID: env.MessageID,
					"attempt":                 attempt,
					"wait":                    wait.String(),
					"error":                   err.Error(),
				})
			}),
		)
	}
}

func (retryMiddleware) Publish(next PublishFunc) PublishFunc {
	return next
}
