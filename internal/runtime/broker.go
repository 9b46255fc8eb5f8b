package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/streamflow/internal/runtime/codec"
	configpkg "github.com/drblury/streamflow/internal/runtime/config"
	"github.com/drblury/streamflow/internal/runtime/envelope"
	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/streamflow/internal/runtime/logging"
	transportpkg "github.com/drblury/streamflow/internal/runtime/transport"
)

// localFeedBuffer bounds the in-process feed of pull subscribers in fake mode.
const localFeedBuffer = 1024

// BrokerDependencies holds the optional collaborators of a Broker.
// Leave fields nil to use the defaults.
type BrokerDependencies struct {
	TransportFactory          transportpkg.Factory
	Codec                     codec.Codec
	Validator                 codec.Validator          // Used by the default codec; ignored when Codec is set.
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	ErrorClassifier           ErrorClassifier
}

// Broker owns the transport, the declared subscribers and publishers and
// their lifecycle.
type Broker struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	codec      codec.Codec
	factory    transportpkg.Factory
	classifier ErrorClassifier
	rpc        *replyRouter
	resources  *resourceSampler

	mu          sync.Mutex
	started     bool
	middlewares []Middleware
	subscribers []*Subscriber
	publishers  []*Publisher
	transport   *transportpkg.Transport
	producer    Producer
	testing     bool
	fake        bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewBroker validates conf and registers the configured middleware chain.
// It never connects; Start does.
func NewBroker(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps BrokerDependencies) (*Broker, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	if log == nil {
		log = loggingpkg.NewNopLogger()
	}
	log = log.With(loggingpkg.LogFields{loggingpkg.FieldBroker: conf.System()})

	b := &Broker{
		Conf:       conf,
		Logger:     log,
		codec:      deps.Codec,
		factory:    deps.TransportFactory,
		classifier: deps.ErrorClassifier,
	}
	if b.codec == nil {
		validator := deps.Validator
		if validator == nil {
			validator = codec.NewStructValidator()
		}
		b.codec = codec.New(codec.WithValidator(validator))
	}
	if b.factory == nil {
		b.factory = transportpkg.DefaultFactory()
	}
	if b.classifier == nil {
		b.classifier = defaultErrorClassifier
	}
	b.rpc = newReplyRouter(b.codec, log)
	b.resources = newResourceSampler()

	if err := b.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}

	log.Debug("Created broker", loggingpkg.LogFields{"config": conf.String()})
	return b, nil
}

func (b *Broker) registerConfiguredMiddlewares(deps BrokerDependencies) error {
	var registrations []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		registrations = append(registrations, DefaultMiddlewares()...)
	}
	if b.Conf.TracingEnabled {
		registrations = append(registrations, TracerMiddleware())
	}
	if b.Conf.MetricsEnabled {
		registrations = append(registrations, MetricsMiddleware())
	}
	if b.Conf.RetryMaxRetries > 0 {
		registrations = append(registrations, RetryMiddleware(RetryMiddlewareConfig{}))
	}
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := b.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

// System is the normalised transport name.
func (b *Broker) System() string {
	return b.Conf.System()
}

// Codec returns the codec shared by every subscriber and publisher.
func (b *Broker) Codec() codec.Codec {
	return b.codec
}

func (b *Broker) isStarted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

// Subscriber declares a subscriber. A nil handler declares a pull-only
// subscriber served by GetOne.
func (b *Broker) Subscriber(source Source, handler Handler, opts ...SubscriberOption) (*Subscriber, error) {
	sub, err := newSubscriber(source, handler, opts...)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil, errspkg.ErrBrokerStarted
	}
	b.trackSubscriberLocked(sub)
	return sub, nil
}

// Publisher declares a publisher for destination.
func (b *Broker) Publisher(destination string, opts ...PublisherOption) (*Publisher, error) {
	if destination == "" {
		return nil, errspkg.ErrDestinationRequired
	}
	pub := newPublisher(destination, opts...)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trackPublisherLocked(pub)
	return pub, nil
}

func (b *Broker) trackSubscriberLocked(sub *Subscriber) {
	sub.broker = b
	if b.testing {
		sub.setRecorder(NewRecorder())
	}
	b.subscribers = append(b.subscribers, sub)
}

func (b *Broker) trackPublisherLocked(pub *Publisher) {
	pub.broker = b
	if b.testing {
		pub.setRecorder(NewRecorder())
	}
	b.publishers = append(b.publishers, pub)
}

// IncludeRouter merges the declarations of r. Subscription keys and publisher
// destinations are prefixed and router middlewares wrap every declaration.
func (b *Broker) IncludeRouter(r *Router, opts ...RouterOption) error {
	var outer routerOptions
	for _, opt := range opts {
		opt(&outer)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errspkg.ErrBrokerStarted
	}
	subs, pubs, err := r.take(outer)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		b.trackSubscriberLocked(sub)
	}
	for _, pub := range pubs {
		b.trackPublisherLocked(pub)
	}
	return nil
}

// Subscribers returns the declared subscribers.
func (b *Broker) Subscribers() []*Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Subscriber(nil), b.subscribers...)
}

// Publishers returns the declared publishers.
func (b *Broker) Publishers() []*Publisher {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Publisher(nil), b.publishers...)
}

// Handlers returns a snapshot of every subscriber and its statistics.
func (b *Broker) Handlers() []HandlerInfo {
	subs := b.Subscribers()
	infos := make([]HandlerInfo, 0, len(subs))
	for _, sub := range subs {
		infos = append(infos, sub.Info())
	}
	return infos
}

// Publish sends value to destination through an ad hoc publisher.
func (b *Broker) Publish(ctx context.Context, destination string, value any, opts ...PublishOption) (*envelope.Envelope, error) {
	pub := newPublisher(destination)
	pub.broker = b
	return pub.Publish(ctx, value, opts...)
}

// PublishBatch sends values as one batch message.
func (b *Broker) PublishBatch(ctx context.Context, destination string, values []any, opts ...PublishOption) (*envelope.Envelope, error) {
	pub := newPublisher(destination, AsBatch())
	pub.broker = b
	return pub.Publish(ctx, values, opts...)
}

// Request publishes value and waits for the reply using the configured RPC timeout.
func (b *Broker) Request(ctx context.Context, destination string, value any, opts ...PublishOption) (*envelope.Envelope, error) {
	return b.Publish(ctx, destination, value, append(opts, WithRPC(0))...)
}

func (b *Broker) currentProducer() Producer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.producer
}

func (b *Broker) send(ctx context.Context, env *envelope.Envelope, po publishOptions, mws []Middleware) (*envelope.Envelope, error) {
	producer := b.currentProducer()
	if producer == nil {
		return nil, errspkg.ErrNotStarted
	}
	ctx = withInfo(ctx, MessageInfo{
		Action:         ActionPublish,
		System:         b.System(),
		Destination:    env.Destination,
		PayloadSize:    env.Size(),
		MessageID:      env.MessageID,
		ConversationID: env.CorrelationID,
		BatchSize:      env.Len(),
	})

	final := func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
		if !po.rpc {
			return env, producer.Publish(ctx, env)
		}
		timeout := po.rpcTimeout
		if timeout <= 0 {
			timeout = b.Conf.RPCWait()
		}
		return b.rpc.request(ctx, producer, env, timeout)
	}
	chain := composePublish(append(b.brokerMiddlewares(), mws...), final)
	return chain(ctx, env)
}

// Start connects the transport, provisions topology and starts every
// subscriber loop. Calling Start twice returns ErrAlreadyStarted.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return errspkg.ErrAlreadyStarted
	}
	b.started = true
	fake := b.fake
	subs := append([]*Subscriber(nil), b.subscribers...)
	b.mu.Unlock()

	if fake {
		for _, sub := range subs {
			sub.openLocal(localFeedBuffer)
		}
		b.rpc.attach(nil)
		b.Logger.Info("Broker started in process", loggingpkg.LogFields{"subscribers": len(subs)})
		return nil
	}

	if err := b.startTransport(ctx, subs); err != nil {
		b.mu.Lock()
		b.started = false
		b.mu.Unlock()
		return err
	}
	b.Logger.Info("Broker started", loggingpkg.LogFields{"subscribers": len(subs)})
	return nil
}

func (b *Broker) startTransport(ctx context.Context, subs []*Subscriber) error {
	tr, err := b.factory.Build(ctx, b.Conf, loggingpkg.NewWatermillAdapter(b.Logger))
	if err != nil {
		return fmt.Errorf("build %s transport: %w", b.System(), err)
	}
	if err := provision(ctx, tr, subs); err != nil {
		return errors.Join(err, tr.Close())
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	feeds := make([]<-chan *message.Message, len(subs))
	for i, sub := range subs {
		feed, err := tr.Subscriber.Subscribe(loopCtx, sub.source.Topic())
		if err != nil {
			cancel()
			return errors.Join(fmt.Errorf("subscribe %s: %w", sub.source.Topic(), err), tr.Close())
		}
		feeds[i] = feed
	}

	b.mu.Lock()
	b.transport = &tr
	b.cancel = cancel
	b.producer = transportProducer{publisher: tr.Publisher}
	b.mu.Unlock()
	b.rpc.attach(tr.Subscriber.Subscribe)

	for i, sub := range subs {
		sub.open(feeds[i])
		if sub.handler == nil {
			continue
		}
		b.wg.Add(1)
		go func(sub *Subscriber, feed <-chan *message.Message) {
			defer b.wg.Done()
			sub.run(loopCtx, feed)
		}(sub, feeds[i])
	}
	return nil
}

func provision(ctx context.Context, tr transportpkg.Transport, subs []*Subscriber) error {
	topics := make([]string, 0, len(subs))
	for _, sub := range subs {
		topics = append(topics, sub.source.Topic())
	}
	if init, ok := tr.Subscriber.(message.SubscribeInitializer); ok {
		for _, topic := range topics {
			if err := init.SubscribeInitialize(topic); err != nil {
				return fmt.Errorf("initialize %s: %w", topic, err)
			}
		}
	}
	if p, ok := tr.Subscriber.(transportpkg.Provisioner); ok {
		if err := p.Provision(ctx, topics); err != nil {
			return fmt.Errorf("provision topology: %w", err)
		}
	}
	return nil
}

// Stop cancels every loop, waits for in-flight handlers up to the graceful
// timeout and closes the transport. Stop is idempotent.
func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	cancel := b.cancel
	b.cancel = nil
	tr := b.transport
	b.transport = nil
	if !b.fake {
		b.producer = nil
	}
	subs := append([]*Subscriber(nil), b.subscribers...)
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var errs []error
	if err := b.waitLoops(ctx); err != nil {
		errs = append(errs, err)
	}
	b.rpc.close()
	for _, sub := range subs {
		sub.close()
	}
	if tr != nil {
		if err := tr.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}
	b.Logger.Info("Broker stopped", nil)
	return errors.Join(errs...)
}

func (b *Broker) waitLoops(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(b.Conf.Graceful())
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("streamflow: handlers still running after %s", b.Conf.Graceful())
	case <-ctx.Done():
		return ctx.Err()
	}
}
