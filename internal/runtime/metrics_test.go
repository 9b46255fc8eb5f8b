package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/streamflow/internal/runtime/config"
	"github.com/drblury/streamflow/internal/runtime/envelope"
	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
)

func metricsBroker(t *testing.T, reg *prometheus.Registry) *Broker {
	t.Helper()
	return fakeBroker(t,
		withConf(func(c *configpkg.Config) { c.MetricsPrefix = "test" }),
		withDeps(func(d *BrokerDependencies) {
			d.Middlewares = []MiddlewareRegistration{MetricsMiddleware(WithRegisterer(reg))}
		}),
	)
}

func TestMetricsMiddlewareCountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	b := metricsBroker(t, reg)

	_, err := b.Subscriber(Topic("orders"), Consume(func(_ context.Context, msg Message[string]) error {
		switch msg.Payload {
		case "fail":
			return errors.New("boom")
		case "reject":
			return errspkg.NackMessage(nil)
		}
		return nil
	}), WithName("orders-handler"))
	require.NoError(t, err)
	startBroker(t, b)

	for _, payload := range []string{"ok", "ok", "fail", "reject"} {
		_, err := b.Publish(context.Background(), "orders", payload)
		require.NoError(t, err)
	}

	m := b.brokerMiddlewares()
	metrics := m[len(m)-1].(*brokerMetrics)
	consumer := []string{"orders", "channel", "orders-handler"}

	assert.Equal(t, float64(4), testutil.ToFloat64(metrics.received.WithLabelValues(consumer...)))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.processed.WithLabelValues(append(consumer, StatusAcked)...)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.processed.WithLabelValues(append(consumer, StatusError)...)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.processed.WithLabelValues(append(consumer, StatusNacked)...)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.processedException.WithLabelValues(append(consumer, "*errors.errorString")...)))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.inProcess.WithLabelValues(consumer...)))
	assert.Equal(t, float64(4), testutil.ToFloat64(metrics.published.WithLabelValues("orders", "channel", "orders", publishSuccess)))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.receivedSize))
}

func TestMetricsMiddlewareUsesPrefix(t *testing.T) {
	reg := prometheus.NewRegistry()
	b := metricsBroker(t, reg)
	startBroker(t, b)

	_, err := b.Publish(context.Background(), "orders", "x")
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "test_published_messages_total")
	assert.Contains(t, names, "test_published_messages_duration_seconds")
}

func TestMetricsMiddlewareReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := newTestBroker(t, withDeps(func(d *BrokerDependencies) {
		d.Middlewares = []MiddlewareRegistration{MetricsMiddleware(WithRegisterer(reg))}
	}))
	second := newTestBroker(t, withDeps(func(d *BrokerDependencies) {
		d.Middlewares = []MiddlewareRegistration{MetricsMiddleware(WithRegisterer(reg))}
	}))

	m1 := first.brokerMiddlewares()
	m2 := second.brokerMiddlewares()
	assert.Same(t, m1[len(m1)-1].(*brokerMetrics).received, m2[len(m2)-1].(*brokerMetrics).received)
}

func TestMetricsMiddlewareCountsPublishErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	b := newTestBroker(t, withDeps(func(d *BrokerDependencies) {
		d.Middlewares = []MiddlewareRegistration{MetricsMiddleware(WithRegisterer(reg))}
	}))
	startBroker(t, b)

	_, err := b.Publish(context.Background(), "nobody", "x", WithRPC(1))
	require.ErrorIs(t, err, errspkg.ErrRPCTimeout)

	m := b.brokerMiddlewares()
	metrics := m[len(m)-1].(*brokerMetrics)
	labels := []string{"orders", "channel", "nobody"}
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.published.WithLabelValues(append(labels, publishError)...)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.publishedException.WithLabelValues(append(labels, "*errors.errorString")...)))
}

func TestMetricsMiddlewareSeesChainedPublishFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	b := metricsBroker(t, reg)
	out, err := b.Publisher("out")
	require.NoError(t, err)
	sub, err := b.Subscriber(Topic("in"), Handle(func(context.Context, Message[string]) (chan int, error) {
		return make(chan int), nil
	}), WithPublishers(out), WithName("forwarder"))
	require.NoError(t, err)
	startBroker(t, b)

	_, err = b.Publish(context.Background(), "in", "x")
	require.NoError(t, err)

	m := b.brokerMiddlewares()
	metrics := m[len(m)-1].(*brokerMetrics)
	consumer := []string{"orders", "channel", "forwarder"}
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.processed.WithLabelValues(append(consumer, StatusAcked)...)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.processed.WithLabelValues(append(consumer, StatusError)...)))
	assert.Equal(t, uint64(1), sub.Stats().Snapshot().MessagesNacked)
}

func TestProcessStatus(t *testing.T) {
	pending := func() *envelope.Envelope { return envelope.New("orders") }

	assert.Equal(t, StatusAcked, processStatus(pending(), nil, false))
	assert.Equal(t, StatusSkipped, processStatus(pending(), nil, true))
	assert.Equal(t, StatusError, processStatus(pending(), errors.New("x"), true))
	assert.Equal(t, StatusAcked, processStatus(pending(), errspkg.AckMessage(nil), false))
	assert.Equal(t, StatusNacked, processStatus(pending(), errspkg.NackMessage(nil), false))

	settled := pending()
	settled.Nack()
	assert.Equal(t, StatusNacked, processStatus(settled, nil, false))
}

func TestExceptionType(t *testing.T) {
	wrapped := errors.Join(errspkg.NewDecodeError("", nil, errors.New("eof")))
	assert.Equal(t, "*errors.joinError", exceptionType(wrapped))
	assert.Equal(t, "*errors.errorString", exceptionType(errspkg.NewDecodeError("", nil, errors.New("eof"))))
}
