package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/streamflow/internal/runtime/envelope"
	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
)

// Processing statuses reported by received_processed_messages_total.
const (
	StatusAcked   = "acked"
	StatusNacked  = "nacked"
	StatusError   = "error"
	StatusSkipped = "skipped"

	publishSuccess = "success"
	publishError   = "error"
)

// MetricsOption configures the metrics middleware.
type MetricsOption func(*metricsOptions)

type metricsOptions struct {
	registerer prometheus.Registerer
	buckets    []float64
	sizes      []float64
}

// WithRegisterer registers the collectors on reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) MetricsOption {
	return func(o *metricsOptions) {
		o.registerer = reg
	}
}

// WithDurationBuckets overrides the processing and publish duration buckets.
func WithDurationBuckets(buckets ...float64) MetricsOption {
	return func(o *metricsOptions) {
		o.buckets = buckets
	}
}

// MetricsMiddleware exports Prometheus counters, gauges and histograms for
// received and published messages. Collectors are shared between brokers
// registering on the same registry with the same prefix.
func MetricsMiddleware(opts ...MetricsOption) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(b *Broker) (Middleware, error) {
			o := metricsOptions{
				registerer: prometheus.DefaultRegisterer,
				buckets:    prometheus.DefBuckets,
				sizes:      prometheus.ExponentialBuckets(16, 4, 10),
			}
			for _, opt := range opts {
				opt(&o)
			}
			m, err := newBrokerMetrics(b.Conf.Prefix(), o)
			if err != nil {
				return nil, err
			}
			m.appName = b.Conf.AppName
			m.system = b.System()
			return m, nil
		},
	}
}

type brokerMetrics struct {
	appName string
	system  string

	received           *prometheus.CounterVec
	receivedSize       *prometheus.HistogramVec
	inProcess          *prometheus.GaugeVec
	processed          *prometheus.CounterVec
	processedDuration  *prometheus.HistogramVec
	processedException *prometheus.CounterVec
	published          *prometheus.CounterVec
	publishedDuration  *prometheus.HistogramVec
	publishedException *prometheus.CounterVec
}

func newBrokerMetrics(namespace string, o metricsOptions) (*brokerMetrics, error) {
	consumer := []string{"app_name", "broker", "handler"}
	producer := []string{"app_name", "broker", "destination"}

	m := &brokerMetrics{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "received_messages_total",
			Help: "Count of messages received by subscribers.",
		}, consumer),
		receivedSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "received_messages_size_bytes",
			Help: "Size of received message bodies.", Buckets: o.sizes,
		}, consumer),
		inProcess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "received_messages_in_process",
			Help: "Messages currently being processed.",
		}, consumer),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "received_processed_messages_total",
			Help: "Count of processed messages by outcome.",
		}, append(consumer, "status")),
		processedDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "received_processed_messages_duration_seconds",
			Help: "Time spent processing a message.", Buckets: o.buckets,
		}, consumer),
		processedException: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "received_processed_messages_exceptions_total",
			Help: "Count of errors raised while processing.",
		}, append(consumer, "exception_type")),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "published_messages_total",
			Help: "Count of published messages by outcome.",
		}, append(producer, "status")),
		publishedDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "published_messages_duration_seconds",
			Help: "Time spent publishing a message.", Buckets: o.buckets,
		}, producer),
		publishedException: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "published_messages_exceptions_total",
			Help: "Count of errors raised while publishing.",
		}, append(producer, "exception_type")),
	}

	var err error
	if m.received, err = register(o.registerer, m.received); err != nil {
		return nil, err
	}
	if m.receivedSize, err = register(o.registerer, m.receivedSize); err != nil {
		return nil, err
	}
	if m.inProcess, err = register(o.registerer, m.inProcess); err != nil {
		return nil, err
	}
	if m.processed, err = register(o.registerer, m.processed); err != nil {
		return nil, err
	}
	if m.processedDuration, err = register(o.registerer, m.processedDuration); err != nil {
		return nil, err
	}
	if m.processedException, err = register(o.registerer, m.processedException); err != nil {
		return nil, err
	}
	if m.published, err = register(o.registerer, m.published); err != nil {
		return nil, err
	}
	if m.publishedDuration, err = register(o.registerer, m.publishedDuration); err != nil {
		return nil, err
	}
	if m.publishedException, err = register(o.registerer, m.publishedException); err != nil {
		return nil, err
	}
	return m, nil
}

// register returns the already registered collector when an identical one exists.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *brokerMetrics) Consume(next ConsumeFunc) ConsumeFunc {
	return func(ctx context.Context, env *envelope.Envelope) (any, error) {
		info, _ := InfoFromContext(ctx)
		handler := info.Handler
		if handler == "" {
			handler = env.Destination
		}
		labels := prometheus.Labels{"app_name": m.appName, "broker": m.system, "handler": handler}

		m.received.With(labels).Inc()
		m.receivedSize.With(labels).Observe(float64(env.Size()))
		gauge := m.inProcess.With(labels)
		gauge.Inc()
		defer gauge.Dec()

		start := time.Now()
		result, err := next(ctx, env)
		m.processedDuration.With(labels).Observe(time.Since(start).Seconds())

		m.processed.MustCurryWith(labels).WithLabelValues(processStatus(env, err, info.NoAck)).Inc()
		if err != nil && !errspkg.IsControlSignal(err) {
			m.processedException.MustCurryWith(labels).WithLabelValues(exceptionType(err)).Inc()
		}
		return result, err
	}
}

func (m *brokerMetrics) Publish(next PublishFunc) PublishFunc {
	return func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
		labels := prometheus.Labels{"app_name": m.appName, "broker": m.system, "destination": env.Destination}

		start := time.Now()
		reply, err := next(ctx, env)
		m.publishedDuration.With(labels).Observe(time.Since(start).Seconds())

		status := publishSuccess
		if err != nil {
			status = publishError
			m.publishedException.MustCurryWith(labels).WithLabelValues(exceptionType(err)).Inc()
		}
		m.published.MustCurryWith(labels).WithLabelValues(status).Inc()
		return reply, err
	}
}

// processStatus maps the outcome of the chain to a status label. A manual
// settlement inside the handler wins over the returned error.
func processStatus(env *envelope.Envelope, err error, noAck bool) string {
	switch env.Disposition() {
	case envelope.Acked:
		return StatusAcked
	case envelope.Nacked:
		return StatusNacked
	}
	var sig *errspkg.AckSignal
	switch {
	case errors.As(err, &sig) && sig.Ack:
		return StatusAcked
	case errors.As(err, &sig):
		return StatusNacked
	case err != nil:
		return StatusError
	case noAck:
		return StatusSkipped
	}
	return StatusAcked
}

func exceptionType(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return fmt.Sprintf("%T", err)
		}
		err = next
	}
}
