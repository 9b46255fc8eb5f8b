// Package jetstream provides the NATS JetStream transport.
//
// Every destination is stored as a subject of one stream ("<stream>.<dest>").
// Subscriptions are durable pull consumers named after the application, so
// instances of one application share the work. A rejected message is sent
// back with Nak and redelivered until MaxDeliver is reached.
//
// Destinations with the "kv:" or "object:" scheme address key-value buckets
// and object stores instead of the stream, see SchemeKV.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/streamflow/internal/runtime/routing"
	"github.com/drblury/streamflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultStreamName is the stream used when none is configured.
	DefaultStreamName = "STREAMFLOW"

	// DefaultMaxDeliver is the default max delivery attempts.
	DefaultMaxDeliver = 5

	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second

	// DefaultFetchBatch is the number of messages pulled per request.
	DefaultFetchBatch = 16

	// DefaultMaxAge bounds how long the stream keeps messages.
	DefaultMaxAge = 7 * 24 * time.Hour

	// InboxInactiveThreshold removes reply inbox consumers that nobody
	// pulls from anymore.
	InboxInactiveThreshold = 5 * time.Minute

	fetchWait = time.Second

	replyInboxPrefix = "streamflow.reply."
)

// Connect allows overriding the NATS connection for testing.
var Connect = func(url string, options ...nats.Option) (*nats.Conn, error) {
	return nats.Connect(url, options...)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Build creates a new NATS JetStream transport.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{
		URL:        cfg.GetNATSURL(),
		StreamName: cfg.GetJetStreamStream(),
		MaxDeliver: cfg.GetJetStreamMaxDeliver(),
		AckWait:    cfg.GetJetStreamAckWait(),
		Durable:    cfg.GetAppName(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds NATS JetStream-specific configuration.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// StreamName is the stream holding every destination.
	StreamName string

	// Durable prefixes consumer names. Usually the application name.
	Durable string

	// MaxDeliver is the maximum number of delivery attempts.
	MaxDeliver int

	// AckWait is the duration to wait for acknowledgment.
	AckWait time.Duration

	// FetchBatch is the number of messages pulled per request.
	FetchBatch int

	// Replicas is the number of stream replicas (for clustering).
	Replicas int

	// MaxAge bounds how long the stream keeps messages.
	MaxAge time.Duration

	// RetentionPolicy: "limits" (default), "interest", or "workqueue"
	RetentionPolicy string
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.FetchBatch <= 0 {
		c.FetchBatch = DefaultFetchBatch
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	return c
}

// streamContext is the part of nats.JetStreamContext the transport uses.
type streamContext interface {
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	UpdateConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// fetcher is a pull subscription.
type fetcher interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
	Unsubscribe() error
}

// Transport implements Publisher and Subscriber for NATS JetStream.
type Transport struct {
	js     streamContext
	config Config
	logger watermill.LoggerAdapter

	pull func(subject, durable string) (fetcher, error)
	ack  func(*nats.Msg) error
	nak  func(*nats.Msg) error
	shut func()

	buckets buckets

	subscriptions []fetcher
	watchers      []func() error
	subMu         sync.Mutex
	wg            sync.WaitGroup

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
}

// New connects to NATS. The stream is declared by Provision.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats-jetstream: URL is required")
	}
	options := []nats.Option{nats.RetryOnFailedConnect(true), nats.MaxReconnects(-1)}
	if cfg.Durable != "" {
		options = append(options, nats.Name(cfg.Durable))
	}
	nc, err := Connect(cfg.URL, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	t := newTransport(cfg, js, logger)
	t.pull = func(subject, durable string) (fetcher, error) {
		return js.PullSubscribe(subject, durable, nats.Bind(t.config.StreamName, durable))
	}
	t.buckets = natsBuckets{js: js}
	t.shut = nc.Close
	return t, nil
}

func newTransport(cfg Config, js streamContext, logger watermill.LoggerAdapter) *Transport {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Transport{
		js:         js,
		config:     cfg.withDefaults(),
		logger:     logger,
		ack:        func(m *nats.Msg) error { return m.Ack() },
		nak:        func(m *nats.Msg) error { return m.Nak() },
		shut:       func() {},
		closedChan: make(chan struct{}),
	}
}

// Provision declares the stream and a durable consumer per stream topic.
func (t *Transport) Provision(ctx context.Context, topics []string) error {
	if err := t.ensureStream(ctx); err != nil {
		return err
	}
	for _, topic := range topics {
		if scheme, _ := routing.SplitScheme(topic); isBucketScheme(scheme) {
			continue
		}
		if err := t.ensureConsumer(ctx, topic); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) streamConfig() *nats.StreamConfig {
	streamCfg := &nats.StreamConfig{
		Name:     t.config.StreamName,
		Subjects: []string{t.config.StreamName + ".>"},
		MaxAge:   t.config.MaxAge,
		Replicas: t.config.Replicas,
	}
	switch t.config.RetentionPolicy {
	case "interest":
		streamCfg.Retention = nats.InterestPolicy
	case "workqueue":
		streamCfg.Retention = nats.WorkQueuePolicy
	default:
		streamCfg.Retention = nats.LimitsPolicy
	}
	return streamCfg
}

func (t *Transport) ensureStream(ctx context.Context) error {
	streamCfg := t.streamConfig()
	_, err := t.js.AddStream(streamCfg, nats.Context(ctx))
	if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		_, err = t.js.UpdateStream(streamCfg, nats.Context(ctx))
	}
	if err != nil {
		return fmt.Errorf("declare stream %s: %w", t.config.StreamName, err)
	}
	return nil
}

func (t *Transport) consumerConfig(topic string) *nats.ConsumerConfig {
	consumerCfg := &nats.ConsumerConfig{
		Durable:       t.ConsumerName(topic),
		FilterSubject: t.Subject(topic),
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    t.config.MaxDeliver,
		AckWait:       t.config.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if strings.HasPrefix(topic, replyInboxPrefix) {
		consumerCfg.InactiveThreshold = InboxInactiveThreshold
	}
	return consumerCfg
}

func (t *Transport) ensureConsumer(ctx context.Context, topic string) error {
	consumerCfg := t.consumerConfig(topic)
	_, err := t.js.AddConsumer(t.config.StreamName, consumerCfg, nats.Context(ctx))
	if errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
		_, err = t.js.UpdateConsumer(t.config.StreamName, consumerCfg, nats.Context(ctx))
	}
	if err != nil {
		return fmt.Errorf("declare consumer %s: %w", consumerCfg.Durable, err)
	}
	return nil
}

// Subject maps a destination onto the stream subject space.
func (t *Transport) Subject(topic string) string {
	return t.config.StreamName + "." + topic
}

// ConsumerName is the durable consumer of topic. Wildcards are spelled out
// because consumer names cannot contain them.
func (t *Transport) ConsumerName(topic string) string {
	name := consumerNameReplacer.Replace(topic)
	if t.config.Durable == "" {
		return name
	}
	return consumerNameReplacer.Replace(t.config.Durable) + "_" + name
}

var consumerNameReplacer = strings.NewReplacer(".", "_", "*", "any", ">", "all", " ", "_", "/", "_", "\\", "_")

func (t *Transport) isClosed() bool {
	t.closedMu.RLock()
	defer t.closedMu.RUnlock()
	return t.closed
}

// Publish stores messages in the stream. The message id doubles as the
// JetStream deduplication id.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return fmt.Errorf("transport is closed")
	}
	if scheme, dest := routing.SplitScheme(topic); isBucketScheme(scheme) {
		return t.putBucket(scheme, dest, messages)
	}
	subject := t.Subject(topic)
	for _, msg := range messages {
		natsMsg := toNATS(subject, msg)
		var opts []nats.PubOpt
		if _, ok := msg.Context().Deadline(); ok {
			opts = append(opts, nats.Context(msg.Context()))
		}
		if _, err := t.js.PublishMsg(natsMsg, opts...); err != nil {
			return fmt.Errorf("failed to publish to JetStream: %w", err)
		}
	}
	return nil
}

// Subscribe pulls from the durable consumer of topic until ctx is done or
// the transport is closed.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, fmt.Errorf("transport is closed")
	}
	if scheme, dest := routing.SplitScheme(topic); isBucketScheme(scheme) {
		return t.watchBucket(ctx, scheme, dest)
	}
	if err := t.ensureConsumer(ctx, topic); err != nil {
		return nil, err
	}
	sub, err := t.pull(t.Subject(topic), t.ConsumerName(topic))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	t.subMu.Lock()
	t.subscriptions = append(t.subscriptions, sub)
	t.subMu.Unlock()

	output := make(chan *message.Message)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.fetchMessages(ctx, sub, output, topic)
	}()
	return output, nil
}

func (t *Transport) fetchMessages(ctx context.Context, sub fetcher, output chan<- *message.Message, topic string) {
	defer close(output)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closedChan:
			return
		default:
		}

		msgs, err := sub.Fetch(t.config.FetchBatch, nats.MaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			t.logger.Error("Failed to fetch messages", err, watermill.LogFields{"topic": topic})
			select {
			case <-ctx.Done():
				return
			case <-t.closedChan:
				return
			case <-time.After(fetchWait):
			}
			continue
		}

		for i, natsMsg := range msgs {
			wmMsg := fromNATS(natsMsg)
			select {
			case output <- wmMsg:
				t.wg.Add(1)
				go func() {
					defer t.wg.Done()
					t.settle(ctx, natsMsg, wmMsg)
				}()
			case <-ctx.Done():
				t.release(msgs[i:])
				return
			case <-t.closedChan:
				t.release(msgs[i:])
				return
			}
		}
	}
}

func (t *Transport) putBucket(scheme, dest string, messages []*message.Message) error {
	if t.buckets == nil {
		return fmt.Errorf("%s: no NATS connection", scheme)
	}
	for _, msg := range messages {
		var err error
		if scheme == SchemeObject {
			name := msg.Metadata.Get(ObjectHeader)
			if name == "" {
				name = msg.UUID
			}
			err = t.buckets.PutObject(dest, name, msg.Payload)
		} else {
			bucket, key, ok := strings.Cut(dest, ".")
			if !ok || key == "" {
				return fmt.Errorf("kv destination %q has no key", dest)
			}
			err = t.buckets.PutKV(bucket, key, msg.Payload)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// watchBucket forwards the puts seen by a bucket watch. The messages need no
// acknowledgement.
func (t *Transport) watchBucket(ctx context.Context, scheme, dest string) (<-chan *message.Message, error) {
	if t.buckets == nil {
		return nil, fmt.Errorf("%s: no NATS connection", scheme)
	}
	var (
		updates <-chan bucketUpdate
		stop    func() error
		err     error
	)
	if scheme == SchemeObject {
		updates, stop, err = t.buckets.WatchObjects(dest)
	} else {
		updates, stop, err = t.buckets.WatchKV(splitBucket(dest))
	}
	if err != nil {
		return nil, err
	}

	t.subMu.Lock()
	t.watchers = append(t.watchers, stop)
	t.subMu.Unlock()

	output := make(chan *message.Message)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(output)
		defer func() { _ = stop() }()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.closedChan:
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				select {
				case output <- update.message(scheme):
				case <-ctx.Done():
					return
				case <-t.closedChan:
					return
				}
			}
		}
	}()
	return output, nil
}

// settle mirrors the watermill acknowledgement onto the JetStream message.
func (t *Transport) settle(ctx context.Context, natsMsg *nats.Msg, wmMsg *message.Message) {
	select {
	case <-wmMsg.Acked():
		if err := t.ack(natsMsg); err != nil {
			t.logger.Error("Failed to ack", err, watermill.LogFields{"message_uuid": wmMsg.UUID})
		}
	case <-wmMsg.Nacked():
		if err := t.nak(natsMsg); err != nil {
			t.logger.Error("Failed to nak", err, watermill.LogFields{"message_uuid": wmMsg.UUID})
		}
	case <-ctx.Done():
	case <-t.closedChan:
	}
}

// release hands undelivered messages back for immediate redelivery.
func (t *Transport) release(msgs []*nats.Msg) {
	for _, m := range msgs {
		if err := t.nak(m); err != nil {
			t.logger.Debug("Failed to release message", watermill.LogFields{"error": err.Error()})
		}
	}
}

func toNATS(subject string, msg *message.Message) *nats.Msg {
	headers := nats.Header{}
	for k, v := range msg.Metadata {
		headers.Set(k, v)
	}
	headers.Set(nats.MsgIdHdr, msg.UUID)
	return &nats.Msg{
		Subject: subject,
		Data:    msg.Payload,
		Header:  headers,
	}
}

func fromNATS(natsMsg *nats.Msg) *message.Message {
	msgID := natsMsg.Header.Get(nats.MsgIdHdr)
	if msgID == "" {
		msgID = watermill.NewULID()
	}
	wmMsg := message.NewMessage(msgID, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if k == nats.MsgIdHdr || len(v) == 0 {
			continue
		}
		wmMsg.Metadata.Set(k, v[0])
	}
	return wmMsg
}

// Close stops every pull loop and closes the connection.
func (t *Transport) Close() error {
	t.closedMu.Lock()
	if t.closed {
		t.closedMu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closedChan)
	t.closedMu.Unlock()

	t.wg.Wait()

	var errs []error
	t.subMu.Lock()
	for _, sub := range t.subscriptions {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			errs = append(errs, err)
		}
	}
	t.subscriptions = nil
	for _, stop := range t.watchers {
		if err := stop(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			errs = append(errs, err)
		}
	}
	t.watchers = nil
	t.subMu.Unlock()

	t.shut()
	return errors.Join(errs...)
}

// GetCapabilities returns the JetStream transport capabilities.
func (t *Transport) GetCapabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}
