package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/streamflow/internal/runtime/config"
	"github.com/drblury/streamflow/internal/runtime/envelope"
	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/streamflow/internal/runtime/logging"
)

func testRetry(cfg RetryMiddlewareConfig) retryMiddleware {
	cfg.InitialInterval = time.Millisecond
	cfg.MaxInterval = 2 * time.Millisecond
	return retryMiddleware{cfg: cfg.withDefaults(), logger: loggingpkg.NewNopLogger()}
}

func TestRetryMiddlewareRetriesUntilSuccess(t *testing.T) {
	attempts := 0
	chain := testRetry(RetryMiddlewareConfig{MaxRetries: 3}).Consume(func(context.Context, *envelope.Envelope) (any, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("flaky")
		}
		return "ok", nil
	})

	result, err := chain(context.Background(), envelope.New("orders"))
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, attempts)
}

func TestRetryMiddlewareGivesUp(t *testing.T) {
	attempts := 0
	boom := errors.New("down")
	chain := testRetry(RetryMiddlewareConfig{MaxRetries: 2}).Consume(func(context.Context, *envelope.Envelope) (any, error) {
		attempts++
		return nil, boom
	})

	_, err := chain(context.Background(), envelope.New("orders"))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, attempts)
}

func TestRetryMiddlewareSkipsPermanentErrors(t *testing.T) {
	cases := map[string]error{
		"nack signal":  errspkg.NackMessage(errors.New("bad")),
		"ack signal":   errspkg.AckMessage(nil),
		"setup error":  errspkg.ErrDestinationRequired,
		"decode error": errspkg.NewDecodeError("application/json", nil, errors.New("eof")),
	}
	for name, want := range cases {
		t.Run(name, func(t *testing.T) {
			attempts := 0
			chain := testRetry(RetryMiddlewareConfig{MaxRetries: 5}).Consume(func(context.Context, *envelope.Envelope) (any, error) {
				attempts++
				return nil, want
			})
			_, err := chain(context.Background(), envelope.New("orders"))
			assert.ErrorIs(t, err, want)
			assert.Equal(t, 1, attempts)
		})
	}
}

func TestRetryMiddlewareStopsOnSettledMessage(t *testing.T) {
	attempts := 0
	chain := testRetry(RetryMiddlewareConfig{MaxRetries: 5}).Consume(func(_ context.Context, env *envelope.Envelope) (any, error) {
		attempts++
		env.Nack()
		return nil, errors.New("after nack")
	})
	_, err := chain(context.Background(), envelope.New("orders"))
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryMiddlewareRetryIf(t *testing.T) {
	retryable := errors.New("retryable")
	attempts := 0
	cfg := RetryMiddlewareConfig{MaxRetries: 5, RetryIf: func(err error) bool { return errors.Is(err, retryable) }}
	chain := testRetry(cfg).Consume(func(context.Context, *envelope.Envelope) (any, error) {
		attempts++
		if attempts == 1 {
			return nil, retryable
		}
		return nil, errors.New("fatal")
	})
	_, err := chain(context.Background(), envelope.New("orders"))
	assert.EqualError(t, err, "fatal")
	assert.Equal(t, 2, attempts)
}

func TestRetryMiddlewareUsesBrokerConfig(t *testing.T) {
	b := newTestBroker(t)
	b.Conf.RetryMaxRetries = 7
	b.Conf.RetryInitialInterval = 3 * time.Millisecond

	mw, err := RetryMiddleware(RetryMiddlewareConfig{}).Builder(b)
	require.NoError(t, err)
	cfg := mw.(retryMiddleware).cfg
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, 3*time.Millisecond, cfg.InitialInterval)
	assert.Equal(t, 16*time.Second, cfg.MaxInterval)
}

func TestRetryMiddlewareInBroker(t *testing.T) {
	b := fakeBroker(t, withConf(func(c *configpkg.Config) {
		c.RetryMaxRetries = 2
		c.RetryInitialInterval = time.Millisecond
		c.RetryMaxInterval = time.Millisecond
	}))
	attempts := 0
	sub, err := b.Subscriber(Topic("orders"), Consume(func(context.Context, Message[string]) error {
		attempts++
		if attempts == 1 {
			return errors.New("flaky")
		}
		return nil
	}))
	require.NoError(t, err)
	startBroker(t, b)

	_, err = b.Publish(context.Background(), "orders", "x")
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, uint64(1), sub.Stats().Snapshot().MessagesAcked)
}
