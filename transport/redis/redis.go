// Package redis provides the Redis transport. One key space offers three
// delivery modes, selected by a scheme prefix on the destination:
//
//	"orders" or "channel:orders"  PUBLISH / (P)SUBSCRIBE, at-most-once
//	"list:jobs"                   RPUSH / BLPOP, a rejected message is pushed back to the head
//	"stream:events"               XADD / XREADGROUP, acknowledged with XACK
//
// Channel and list messages carry a JSON document with the message id,
// headers and body. Payloads that are not such a document are delivered
// as raw bodies, so plain Redis producers interoperate.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	goredis "github.com/redis/go-redis/v9"

	"github.com/drblury/streamflow/internal/runtime/jsoncodec"
	"github.com/drblury/streamflow/internal/runtime/metadata"
	"github.com/drblury/streamflow/internal/runtime/routing"
	"github.com/drblury/streamflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "redis"

// Delivery modes.
const (
	SchemeChannel = "channel"
	SchemeList    = "list"
	SchemeStream  = "stream"
)

const (
	// DefaultBlockTime bounds a single BLPOP.
	DefaultBlockTime = time.Second

	// DefaultNackResendSleep is the pause before a rejected stream entry is redelivered.
	DefaultNackResendSleep = 100 * time.Millisecond
)

// ClientFactory allows overriding the client creation for testing.
var ClientFactory = func(url string) (goredis.UniversalClient, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(opts), nil
}

// StreamPublisherFactory allows overriding the stream publisher creation for testing.
var StreamPublisherFactory = func(cfg redisstream.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return redisstream.NewPublisher(cfg, logger)
}

// StreamSubscriberFactory allows overriding the stream subscriber creation for testing.
var StreamSubscriberFactory = func(cfg redisstream.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return redisstream.NewSubscriber(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RedisCapabilities)
}

// Build creates a new Redis transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRedisURL()
	if url == "" {
		return transport.Transport{}, fmt.Errorf("redis: URL is required")
	}
	client, err := ClientFactory(url)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("redis client: %w", err)
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return transport.Transport{}, fmt.Errorf("redis ping: %w", err)
	}

	group := cfg.GetRedisConsumerGroup()
	if group == "" {
		group = cfg.GetAppName()
	}
	t, err := New(client, Config{ConsumerGroup: group}, logger)
	if err != nil {
		_ = client.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RedisCapabilities
}

// Config holds Redis-specific configuration.
type Config struct {
	// ConsumerGroup is the stream consumer group. Empty reads streams without a group.
	ConsumerGroup string

	// Consumer names this process within the group. Defaults to a unique id.
	Consumer string

	// BlockTime bounds a single BLPOP.
	BlockTime time.Duration

	// NackResendSleep is the pause before a rejected stream entry is redelivered.
	NackResendSleep time.Duration
}

func (c Config) withDefaults() Config {
	if c.Consumer == "" {
		c.Consumer = watermill.NewShortUUID()
	}
	if c.BlockTime <= 0 {
		c.BlockTime = DefaultBlockTime
	}
	if c.NackResendSleep <= 0 {
		c.NackResendSleep = DefaultNackResendSleep
	}
	return c
}

// Transport implements Publisher and Subscriber over one Redis client.
type Transport struct {
	client    goredis.UniversalClient
	streamPub message.Publisher
	streamSub message.Subscriber
	config    Config
	logger    watermill.LoggerAdapter

	wg        sync.WaitGroup
	closing   chan struct{}
	closeOnce sync.Once
}

// New wraps client. The transport owns the client and closes it on Close.
func New(client goredis.UniversalClient, cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	cfg = cfg.withDefaults()
	marshaller := redisstream.DefaultMarshallerUnmarshaller{}

	streamPub, err := StreamPublisherFactory(redisstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaller,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("redis stream publisher: %w", err)
	}
	streamSub, err := StreamSubscriberFactory(redisstream.SubscriberConfig{
		Client:          client,
		Unmarshaller:    marshaller,
		ConsumerGroup:   cfg.ConsumerGroup,
		Consumer:        cfg.Consumer,
		NackResendSleep: cfg.NackResendSleep,
	}, logger)
	if err != nil {
		_ = streamPub.Close()
		return nil, fmt.Errorf("redis stream subscriber: %w", err)
	}

	return &Transport{
		client:    client,
		streamPub: streamPub,
		streamSub: streamSub,
		config:    cfg,
		logger:    logger,
		closing:   make(chan struct{}),
	}, nil
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closing:
		return true
	default:
		return false
	}
}

// Publish routes messages by the scheme of topic.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return fmt.Errorf("transport is closed")
	}
	if len(messages) == 0 {
		return nil
	}
	scheme, key := routing.SplitScheme(topic)
	if scheme == SchemeStream {
		return t.streamPub.Publish(key, messages...)
	}

	ctx := messages[0].Context()
	values := make([]any, 0, len(messages))
	for _, msg := range messages {
		data, err := encode(msg)
		if err != nil {
			return err
		}
		values = append(values, data)
	}

	if scheme == SchemeList {
		if err := t.client.RPush(ctx, key, values...).Err(); err != nil {
			return fmt.Errorf("rpush %s: %w", key, err)
		}
		return nil
	}
	for _, v := range values {
		if err := t.client.Publish(ctx, key, v).Err(); err != nil {
			return fmt.Errorf("publish %s: %w", key, err)
		}
	}
	return nil
}

// Subscribe routes by the scheme of topic. Channel keys containing glob
// characters are pattern subscriptions.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, fmt.Errorf("transport is closed")
	}
	scheme, key := routing.SplitScheme(topic)
	switch scheme {
	case SchemeStream:
		return t.streamSub.Subscribe(ctx, key)
	case SchemeList:
		output := make(chan *message.Message)
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.popList(ctx, key, output)
		}()
		return output, nil
	}

	var ps *goredis.PubSub
	if isPattern(key) {
		ps = t.client.PSubscribe(ctx, key)
	} else {
		ps = t.client.Subscribe(ctx, key)
	}
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", key, err)
	}
	output := make(chan *message.Message)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.relay(ctx, ps, output)
	}()
	return output, nil
}

// scope returns a context that is also cancelled when the transport closes.
func (t *Transport) scope(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-t.closing:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (t *Transport) relay(ctx context.Context, ps *goredis.PubSub, output chan<- *message.Message) {
	ctx, cancel := t.scope(ctx)
	defer cancel()
	defer close(output)
	defer func() { _ = ps.Close() }()

	feed := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-feed:
			if !ok {
				return
			}
			msg := decode(raw.Payload)
			if msg.Metadata.Get(metadata.Destination) == "" {
				msg.Metadata.Set(metadata.Destination, raw.Channel)
			}
			select {
			case output <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (t *Transport) popList(ctx context.Context, key string, output chan<- *message.Message) {
	ctx, cancel := t.scope(ctx)
	defer cancel()
	defer close(output)

	for {
		if ctx.Err() != nil {
			return
		}
		res, err := t.client.BLPop(ctx, t.config.BlockTime, key).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) || ctx.Err() != nil {
				continue
			}
			t.logger.Error("Failed to pop list", err, watermill.LogFields{"key": key})
			select {
			case <-ctx.Done():
			case <-time.After(t.config.BlockTime):
			}
			continue
		}
		raw := res[1]
		msg := decode(raw)
		if msg.Metadata.Get(metadata.Destination) == "" {
			msg.Metadata.Set(metadata.Destination, routing.JoinScheme(SchemeList, key))
		}
		select {
		case output <- msg:
			t.wg.Add(1)
			go func() {
				defer t.wg.Done()
				t.settleList(key, raw, msg)
			}()
		case <-ctx.Done():
			t.pushBack(key, raw)
			return
		}
	}
}

// settleList pushes rejected messages back to the head of the list. A
// message still unsettled when the transport closes is pushed back too.
func (t *Transport) settleList(key, raw string, msg *message.Message) {
	select {
	case <-msg.Acked():
	case <-msg.Nacked():
		t.pushBack(key, raw)
	case <-t.closing:
		select {
		case <-msg.Acked():
		default:
			t.pushBack(key, raw)
		}
	}
}

func (t *Transport) pushBack(key, raw string) {
	if err := t.client.LPush(context.Background(), key, raw).Err(); err != nil {
		t.logger.Error("Failed to push message back", err, watermill.LogFields{"key": key})
	}
}

// Close stops every subscription and closes the client.
func (t *Transport) Close() error {
	var errs []error
	t.closeOnce.Do(func() {
		close(t.closing)
		errs = append(errs, t.streamSub.Close(), t.streamPub.Close())
		t.wg.Wait()
		if err := t.client.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

// GetCapabilities returns the Redis transport capabilities.
func (t *Transport) GetCapabilities() transport.Capabilities {
	return transport.RedisCapabilities
}

func isPattern(key string) bool {
	return strings.ContainsAny(key, "*?[")
}

type wireMessage struct {
	UUID     string            `json:"uuid"`
	Metadata map[string]string `json:"metadata"`
	Payload  []byte            `json:"payload"`
}

func encode(msg *message.Message) (string, error) {
	data, err := jsoncodec.Marshal(wireMessage{
		UUID:     msg.UUID,
		Metadata: msg.Metadata,
		Payload:  msg.Payload,
	})
	if err != nil {
		return "", fmt.Errorf("encode message %s: %w", msg.UUID, err)
	}
	return string(data), nil
}

func decode(raw string) *message.Message {
	var wire wireMessage
	if err := jsoncodec.Unmarshal([]byte(raw), &wire); err != nil || wire.UUID == "" {
		return message.NewMessage(watermill.NewULID(), []byte(raw))
	}
	msg := message.NewMessage(wire.UUID, wire.Payload)
	for k, v := range wire.Metadata {
		msg.Metadata.Set(k, v)
	}
	return msg
}
