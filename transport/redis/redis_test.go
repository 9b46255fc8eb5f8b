package redis

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/streamflow/internal/runtime"
	"github.com/drblury/streamflow/internal/runtime/config"
	"github.com/drblury/streamflow/internal/runtime/metadata"
	"github.com/drblury/streamflow/transport"
)

type streamFakes struct {
	pub    *mockPublisher
	sub    *mockSubscriber
	subCfg redisstream.SubscriberConfig
}

func swapStreamFactories(t *testing.T) *streamFakes {
	t.Helper()
	originalPub := StreamPublisherFactory
	originalSub := StreamSubscriberFactory
	t.Cleanup(func() {
		StreamPublisherFactory = originalPub
		StreamSubscriberFactory = originalSub
	})

	fakes := &streamFakes{pub: &mockPublisher{}, sub: &mockSubscriber{}}
	StreamPublisherFactory = func(redisstream.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return fakes.pub, nil
	}
	StreamSubscriberFactory = func(cfg redisstream.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		fakes.subCfg = cfg
		return fakes.sub, nil
	}
	return fakes
}

func newTestTransport(t *testing.T) (*Transport, *miniredis.Miniredis) {
	t.Helper()
	swapStreamFactories(t)
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	tr, err := New(client, Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr, mr
}

func receive(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-ch:
		require.NotNil(t, msg)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
		return nil
	}
}

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "redis", caps.Name)
	assert.True(t, caps.SupportsWildcards)
	assert.True(t, caps.SupportsBatching)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.RedisCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	t.Run("requires URL", func(t *testing.T) {
		_, err := Build(context.Background(), &config.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "URL is required")
	})

	t.Run("rejects invalid URL", func(t *testing.T) {
		_, err := Build(context.Background(), &config.Config{RedisURL: "http://nope"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "redis client")
	})

	t.Run("consumer group defaults to app name", func(t *testing.T) {
		fakes := swapStreamFactories(t)
		mr := miniredis.RunT(t)

		tr, err := Build(context.Background(), &config.Config{
			AppName:  "orders",
			RedisURL: "redis://" + mr.Addr(),
		}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Same(t, tr.Publisher, tr.Subscriber)
		assert.Equal(t, "orders", fakes.subCfg.ConsumerGroup)
		assert.NotEmpty(t, fakes.subCfg.Consumer)
		assert.NoError(t, tr.Close())
		assert.True(t, fakes.pub.closed)
	})

	t.Run("configured consumer group wins", func(t *testing.T) {
		fakes := swapStreamFactories(t)
		mr := miniredis.RunT(t)

		tr, err := Build(context.Background(), &config.Config{
			AppName:            "orders",
			RedisURL:           "redis://" + mr.Addr(),
			RedisConsumerGroup: "billing",
		}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, "billing", fakes.subCfg.ConsumerGroup)
		assert.NoError(t, tr.Close())
	})

	t.Run("fails when server is unreachable", func(t *testing.T) {
		swapStreamFactories(t)
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		_, err := Build(context.Background(), &config.Config{RedisURL: "redis://" + addr}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "redis ping")
	})
}

func TestListPublishAppends(t *testing.T) {
	tr, mr := newTestTransport(t)

	first := message.NewMessage("1", []byte("a"))
	first.Metadata.Set("tenant", "acme")
	require.NoError(t, tr.Publish("list:jobs", first, message.NewMessage("2", []byte("b"))))

	items, err := mr.List("jobs")
	require.NoError(t, err)
	require.Len(t, items, 2)

	decoded := decode(items[0])
	assert.Equal(t, "1", decoded.UUID)
	assert.Equal(t, "acme", decoded.Metadata.Get("tenant"))
	assert.Equal(t, []byte("a"), []byte(decoded.Payload))
}

func TestListSubscribe(t *testing.T) {
	tr, mr := newTestTransport(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := tr.Subscribe(ctx, "list:jobs")
	require.NoError(t, err)

	require.NoError(t, tr.Publish("list:jobs", message.NewMessage("1", []byte("a"))))
	msg := receive(t, msgs)
	assert.Equal(t, "1", msg.UUID)
	msg.Ack()

	t.Run("nack pushes back to the head", func(t *testing.T) {
		require.NoError(t, tr.Publish("list:jobs", message.NewMessage("2", []byte("b"))))
		msg := receive(t, msgs)
		assert.Equal(t, "2", msg.UUID)
		msg.Nack()

		redelivered := receive(t, msgs)
		assert.Equal(t, "2", redelivered.UUID)
		redelivered.Ack()
	})

	t.Run("raw values are delivered as bodies", func(t *testing.T) {
		_, err := mr.Push("jobs", "plain")
		require.NoError(t, err)

		msg := receive(t, msgs)
		assert.Equal(t, "plain", string(msg.Payload))
		assert.Equal(t, "list:jobs", msg.Metadata.Get(metadata.Destination))
		assert.NotEmpty(t, msg.UUID)
		msg.Ack()
	})
}

func TestListUnsettledOnClose(t *testing.T) {
	tr, mr := newTestTransport(t)

	msgs, err := tr.Subscribe(context.Background(), "list:jobs")
	require.NoError(t, err)
	require.NoError(t, tr.Publish("list:jobs", message.NewMessage("1", []byte("a"))))
	receive(t, msgs)

	require.NoError(t, tr.Close())

	items, err := mr.List("jobs")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "1", decode(items[0]).UUID)
}

func TestChannelSubscribe(t *testing.T) {
	tr, mr := newTestTransport(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	t.Run("exact", func(t *testing.T) {
		msgs, err := tr.Subscribe(ctx, "greetings")
		require.NoError(t, err)

		require.NoError(t, tr.Publish("greetings", message.NewMessage("1", []byte("hi"))))
		msg := receive(t, msgs)
		assert.Equal(t, "1", msg.UUID)
		assert.Equal(t, "hi", string(msg.Payload))
	})

	t.Run("pattern", func(t *testing.T) {
		msgs, err := tr.Subscribe(ctx, "test.*")
		require.NoError(t, err)

		mr.Publish("test.name", "raw")
		msg := receive(t, msgs)
		assert.Equal(t, "raw", string(msg.Payload))
		assert.Equal(t, "test.name", msg.Metadata.Get(metadata.Destination))
	})

	t.Run("channel scheme is the default mode", func(t *testing.T) {
		msgs, err := tr.Subscribe(ctx, "channel:alerts")
		require.NoError(t, err)

		require.NoError(t, tr.Publish("alerts", message.NewMessage("3", []byte("x"))))
		assert.Equal(t, "3", receive(t, msgs).UUID)
	})
}

func TestStreamRouting(t *testing.T) {
	fakes := swapStreamFactories(t)
	mr := miniredis.RunT(t)
	tr, err := New(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), Config{ConsumerGroup: "g"}, nil)
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Publish("stream:events", message.NewMessage("1", nil)))
	assert.Equal(t, []string{"events"}, fakes.pub.topics)

	_, err = tr.Subscribe(context.Background(), "stream:events")
	require.NoError(t, err)
	assert.Equal(t, []string{"events"}, fakes.sub.topics)
	assert.Equal(t, DefaultNackResendSleep, fakes.subCfg.NackResendSleep)
}

func TestClosedTransport(t *testing.T) {
	tr, _ := newTestTransport(t)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	assert.Error(t, tr.Publish("jobs", message.NewMessage("1", nil)))
	_, err := tr.Subscribe(context.Background(), "jobs")
	assert.Error(t, err)
}

func TestSources(t *testing.T) {
	ch := Channel("test.{path}")
	assert.Equal(t, "test.*", ch.Topic())
	path, ok := ch.Match("test.name")
	require.True(t, ok)
	assert.Equal(t, "name", path["path"])
	_, ok = ch.Match("other.name")
	assert.False(t, ok)

	list := List("q", runtime.WithSourceBatch(10, time.Second))
	assert.Equal(t, "list:q", list.Topic())
	_, ok = list.Match(ListKey("q"))
	assert.True(t, ok)
	_, ok = list.Match("q")
	assert.False(t, ok)
	size, wait := list.BatchSize()
	assert.Equal(t, 10, size)
	assert.Equal(t, time.Second, wait)

	assert.Equal(t, "stream:events", Stream("events").Topic())
	assert.Equal(t, "stream:events", StreamKey("events"))
}

func TestSubscribeThroughBroker(t *testing.T) {
	swapStreamFactories(t)
	mr := miniredis.RunT(t)

	b, err := runtime.NewBroker(&config.Config{
		PubSubSystem:    "redis",
		AppName:         "jobs",
		RedisURL:        "redis://" + mr.Addr(),
		GracefulTimeout: time.Second,
	}, nil, runtime.BrokerDependencies{})
	require.NoError(t, err)

	received := make(chan []string, 1)
	sub, err := Subscribe(b, List("q", runtime.WithSourceBatch(10, 50*time.Millisecond)),
		runtime.HandleBatch(func(_ context.Context, msg runtime.Message[[]string]) (any, error) {
			received <- msg.Payload
			return nil, nil
		}))
	require.NoError(t, err)
	assert.Equal(t, SchemeList, sub.Mode())
	assert.True(t, sub.Capabilities().SupportsNack)

	pub, err := NewPublisher(b, ListKey("q"))
	require.NoError(t, err)

	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	_, err = pub.Publish(context.Background(), "x")
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, []string{"x"}, got)
	case <-time.After(3 * time.Second):
		t.Fatal("batch not delivered")
	}
}

func TestNoAckListSubscriberConsumes(t *testing.T) {
	swapStreamFactories(t)
	mr := miniredis.RunT(t)

	b, err := runtime.NewBroker(&config.Config{
		PubSubSystem:    "redis",
		AppName:         "jobs",
		RedisURL:        "redis://" + mr.Addr(),
		GracefulTimeout: time.Second,
	}, nil, runtime.BrokerDependencies{})
	require.NoError(t, err)

	handled := make(chan string, 3)
	_, err = Subscribe(b, List("q"), runtime.Consume(func(_ context.Context, msg runtime.Message[string]) error {
		handled <- msg.Payload
		return nil
	}), runtime.NoAck())
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))

	for _, v := range []string{"a", "b", "c"} {
		_, err := mr.Push("q", v)
		require.NoError(t, err)
	}
	for range 3 {
		select {
		case <-handled:
		case <-time.After(3 * time.Second):
			t.Fatal("message not delivered")
		}
	}
	assert.False(t, mr.Exists("q"))

	require.NoError(t, b.Stop(context.Background()))
	assert.False(t, mr.Exists("q"), "released messages must not be pushed back on stop")
}

func TestChannelSubscriberCapabilities(t *testing.T) {
	b, err := runtime.NewBroker(&config.Config{AppName: "t"}, nil, runtime.BrokerDependencies{})
	require.NoError(t, err)

	sub, err := Subscribe(b, Channel("alerts.*"), runtime.Consume(func(context.Context, runtime.Message[string]) error { return nil }))
	require.NoError(t, err)
	assert.Equal(t, SchemeChannel, sub.Mode())
	caps := sub.Capabilities()
	assert.False(t, caps.SupportsNack)
	assert.False(t, caps.Persistent)
	assert.Equal(t, "dropped", caps.NackBehavior)
}

type mockPublisher struct {
	topics []string
	closed bool
}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error {
	m.topics = append(m.topics, topic)
	return nil
}

func (m *mockPublisher) Close() error {
	m.closed = true
	return nil
}

type mockSubscriber struct {
	topics []string
}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	m.topics = append(m.topics, topic)
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }
