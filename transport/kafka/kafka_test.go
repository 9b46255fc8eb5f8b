package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/streamflow/internal/runtime"
	"github.com/drblury/streamflow/internal/runtime/config"
	"github.com/drblury/streamflow/transport"
)

func swapFactories(t *testing.T) {
	t.Helper()
	originalPubFactory := PublisherFactory
	originalSubFactory := SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = originalPubFactory
		SubscriberFactory = originalSubFactory
	})
}

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "kafka", caps.Name)
	assert.True(t, caps.Persistent)
	assert.True(t, caps.SupportsReliableDelivery())
	assert.False(t, caps.SupportsWildcards)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.KafkaCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	t.Run("creates transport with mocked factories", func(t *testing.T) {
		swapFactories(t)
		mockPub := &mockPublisher{}
		mockSub := &mockSubscriber{}

		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
			assert.Equal(t, "orders", cfg.OverwriteSaramaConfig.ClientID)
			return mockPub, nil
		}
		SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
			assert.Equal(t, "test-group", cfg.ConsumerGroup)
			assert.Equal(t, NackResendSleep, cfg.NackResendSleep)
			assert.Equal(t, sarama.OffsetOldest, cfg.OverwriteSaramaConfig.Consumer.Offsets.Initial)
			return mockSub, nil
		}

		cfg := &config.Config{AppName: "orders", KafkaBrokers: []string{"localhost:9092"}, KafkaConsumerGroup: "test-group"}
		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})

		require.NoError(t, err)
		assert.Equal(t, mockPub, tr.Publisher)
		assert.Equal(t, mockSub, tr.Subscriber)
	})

	t.Run("consumer group defaults to app name", func(t *testing.T) {
		swapFactories(t)
		PublisherFactory = func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
			return &mockPublisher{}, nil
		}
		var group string
		SubscriberFactory = func(cfg kafka.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
			group = cfg.ConsumerGroup
			return &mockSubscriber{}, nil
		}

		_, err := Build(context.Background(), &config.Config{AppName: "billing", KafkaBrokers: []string{"k:9092"}}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, "billing", group)
	})

	t.Run("requires brokers", func(t *testing.T) {
		_, err := Build(context.Background(), &config.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "no brokers")
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		swapFactories(t)
		PublisherFactory = func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		_, err := Build(context.Background(), &config.Config{KafkaBrokers: []string{"k:9092"}}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("closes publisher when subscriber factory fails", func(t *testing.T) {
		swapFactories(t)
		pub := &mockPublisher{}
		PublisherFactory = func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
			return pub, nil
		}
		SubscriberFactory = func(kafka.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		_, err := Build(context.Background(), &config.Config{KafkaBrokers: []string{"k:9092"}}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.closed)
	})
}

func TestPartitionKey(t *testing.T) {
	msg := message.NewMessage("msg-1", nil)
	key, err := partitionKey("orders", msg)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", key)

	msg.Metadata.Set(HeaderPartitionKey, "customer-7")
	key, err = partitionKey("orders", msg)
	require.NoError(t, err)
	assert.Equal(t, "customer-7", key)
}

func TestPublishKeyed(t *testing.T) {
	swapFactories(t)
	pub := &mockPublisher{}
	PublisherFactory = func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return pub, nil
	}
	SubscriberFactory = func(kafka.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
		return &mockSubscriber{}, nil
	}

	b, err := runtime.NewBroker(&config.Config{
		PubSubSystem:    "kafka",
		AppName:         "orders",
		KafkaBrokers:    []string{"k:9092"},
		GracefulTimeout: time.Second,
	}, nil, runtime.BrokerDependencies{})
	require.NoError(t, err)

	_, err = Subscribe(b, Topic("orders.created"), runtime.Consume(func(context.Context, runtime.Message[string]) error { return nil }))
	require.NoError(t, err)
	out, err := NewPublisher(b, "orders.created")
	require.NoError(t, err)

	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	_, err = out.PublishKeyed(context.Background(), "customer-7", "created")
	require.NoError(t, err)

	require.Len(t, pub.published, 1)
	assert.Equal(t, "orders.created", pub.topics[0])
	assert.Equal(t, "customer-7", pub.published[0].Metadata.Get(HeaderPartitionKey))
}

type mockPublisher struct {
	topics    []string
	published []*message.Message
	closed    bool
}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		m.topics = append(m.topics, topic)
		m.published = append(m.published, msg)
	}
	return nil
}

func (m *mockPublisher) Close() error {
	m.closed = true
	return nil
}

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }
