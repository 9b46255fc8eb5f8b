package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/streamflow/internal/runtime/envelope"
	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/streamflow/internal/runtime/logging"
)

// DefaultGetOneTimeout is used by GetOne when no timeout is given.
const DefaultGetOneTimeout = 5 * time.Second

// SubscriberState tracks the lifecycle of a subscriber loop.
type SubscriberState int

const (
	StateCreated SubscriberState = iota
	StateStarted
	StateReceiving
	StateProcessing
	StateStopped
)

func (s SubscriberState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateReceiving:
		return "receiving"
	case StateProcessing:
		return "processing"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// SubscriberOption configures a subscriber at declaration.
type SubscriberOption func(*subscriberOptions)

type subscriberOptions struct {
	name        string
	noAck       bool
	batchMax    int
	batchWait   time.Duration
	middlewares []Middleware
	publishers  []*Publisher
}

// WithName overrides the handler name used in logs, metrics and stats.
func WithName(name string) SubscriberOption {
	return func(o *subscriberOptions) {
		o.name = name
	}
}

// NoAck leaves acknowledgement to the handler. A message the handler did not
// settle by the time it returns is released to the transport as consumed,
// without counting as acked: delivery is at-most-once.
func NoAck() SubscriberOption {
	return func(o *subscriberOptions) {
		o.noAck = true
	}
}

// WithBatch gathers up to size messages within wait into one handler call.
// Transports that deliver the next message only after the previous one was
// settled yield batches of one.
func WithBatch(size int, wait time.Duration) SubscriberOption {
	return func(o *subscriberOptions) {
		o.batchMax = size
		o.batchWait = wait
	}
}

// WithSubscriberMiddlewares adds middlewares that only wrap this subscriber.
func WithSubscriberMiddlewares(mws ...Middleware) SubscriberOption {
	return func(o *subscriberOptions) {
		o.middlewares = append(o.middlewares, mws...)
	}
}

// WithPublishers chains publishers receiving every non-nil handler result.
func WithPublishers(pubs ...*Publisher) SubscriberOption {
	return func(o *subscriberOptions) {
		o.publishers = append(o.publishers, pubs...)
	}
}

// Subscriber binds a Source to a Handler.
type Subscriber struct {
	broker  *Broker
	source  Source
	handler Handler
	opts    subscriberOptions
	// outer middlewares inherited from the routers the subscriber was included through
	routerMws []Middleware
	stats     *HandlerStats

	mu       sync.Mutex
	state    SubscriberState
	feed     <-chan *message.Message
	local    chan *message.Message
	recorder *Recorder
}

func newSubscriber(source Source, handler Handler, opts ...SubscriberOption) (*Subscriber, error) {
	if source == nil || source.Key() == "" {
		return nil, errspkg.ErrSourceRequired
	}
	if v, ok := handler.(validatable); ok && !v.valid() {
		return nil, errspkg.ErrHandlerRequired
	}
	s := &Subscriber{
		source:  source,
		handler: handler,
		stats:   newHandlerStats(),
	}
	for _, opt := range opts {
		opt(&s.opts)
	}
	if bs, ok := source.(BatchSource); ok && s.opts.batchMax == 0 {
		s.opts.batchMax, s.opts.batchWait = bs.BatchSize()
	}
	return s, nil
}

// Name identifies the subscriber in logs, metrics and stats.
func (s *Subscriber) Name() string {
	if s.opts.name != "" {
		return s.opts.name
	}
	return s.source.Key()
}

func (s *Subscriber) Source() Source {
	return s.source
}

func (s *Subscriber) Stats() *HandlerStats {
	return s.stats
}

func (s *Subscriber) State() SubscriberState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscriber) setState(state SubscriberState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// Batch reports whether the handler receives batch envelopes.
func (s *Subscriber) Batch() bool {
	return s.opts.batchMax > 0
}

// Mock returns the recorder attached by a test harness, nil otherwise.
func (s *Subscriber) Mock() *Recorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recorder
}

func (s *Subscriber) setRecorder(r *Recorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorder = r
}

// PublishTo chains more publishers. It fails once the broker started.
func (s *Subscriber) PublishTo(pubs ...*Publisher) error {
	if s.broker != nil && s.broker.isStarted() {
		return errspkg.ErrBrokerStarted
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.publishers = append(s.opts.publishers, pubs...)
	return nil
}

func (s *Subscriber) chained() []*Publisher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Publisher(nil), s.opts.publishers...)
}

// Info describes the subscriber for Broker.Handlers.
func (s *Subscriber) Info() HandlerInfo {
	info := HandlerInfo{
		Name:   s.Name(),
		Source: s.source.Key(),
		Batch:  s.Batch(),
		NoAck:  s.opts.noAck,
		Stats:  s.stats,
	}
	for _, p := range s.chained() {
		info.Publishes = append(info.Publishes, p.Destination())
	}
	return info
}

func (s *Subscriber) logger() loggingpkg.ServiceLogger {
	return s.broker.Logger.With(loggingpkg.LogFields{
		loggingpkg.FieldHandler:     s.Name(),
		loggingpkg.FieldDestination: s.source.Key(),
	})
}

func (s *Subscriber) middlewares() []Middleware {
	mws := s.broker.brokerMiddlewares()
	mws = append(mws, s.routerMws...)
	return append(mws, s.opts.middlewares...)
}

func (s *Subscriber) open(feed <-chan *message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feed = feed
	s.state = StateStarted
}

// openLocal gives the subscriber an in-process feed filled by enqueue.
func (s *Subscriber) openLocal(buffer int) {
	local := make(chan *message.Message, buffer)
	s.mu.Lock()
	s.local = local
	s.mu.Unlock()
	s.open(local)
}

func (s *Subscriber) enqueue(msg *message.Message) bool {
	s.mu.Lock()
	local := s.local
	s.mu.Unlock()
	if local == nil {
		return false
	}
	select {
	case local <- msg:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feed = nil
	s.local = nil
	s.state = StateStopped
}

func (s *Subscriber) currentFeed() <-chan *message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feed
}

// run consumes the feed until ctx is cancelled or the feed is closed.
// Handlers run on a context that is not cancelled with the loop, so a
// message being processed when Stop is called completes.
func (s *Subscriber) run(ctx context.Context, feed <-chan *message.Message) {
	handlerCtx := context.WithoutCancel(ctx)
	for {
		s.setState(StateReceiving)
		msgs := s.receive(ctx, feed)
		if len(msgs) == 0 {
			return
		}
		s.setState(StateProcessing)
		s.consume(handlerCtx, msgs)
	}
}

// receive waits for the first message and, in batch mode, gathers more
// until the batch is full or the batch wait elapsed.
func (s *Subscriber) receive(ctx context.Context, feed <-chan *message.Message) []*message.Message {
	var first *message.Message
	select {
	case msg, ok := <-feed:
		if !ok {
			return nil
		}
		first = msg
	case <-ctx.Done():
		return nil
	}
	msgs := []*message.Message{first}
	if !s.Batch() || s.opts.batchMax == 1 {
		return msgs
	}

	wait := time.NewTimer(s.opts.batchWait)
	defer wait.Stop()
	for len(msgs) < s.opts.batchMax {
		select {
		case msg, ok := <-feed:
			if !ok {
				return msgs
			}
			msgs = append(msgs, msg)
		case <-wait.C:
			return msgs
		case <-ctx.Done():
			return msgs
		}
	}
	return msgs
}

func (s *Subscriber) envelope(msgs []*message.Message) (*envelope.Envelope, error) {
	var (
		env *envelope.Envelope
		err error
	)
	if s.Batch() {
		env, err = envelope.FromWatermillBatch(msgs, s.broker.codec)
	} else {
		env, err = envelope.FromWatermill(msgs[0], s.broker.codec)
	}
	if err != nil {
		return nil, err
	}
	if env.Destination == "" {
		env.Destination = s.source.Key()
	}
	if path, ok := s.source.Match(env.Destination); ok {
		env.Path = path
	}
	return env, nil
}

func (s *Subscriber) consume(ctx context.Context, msgs []*message.Message) {
	env, err := s.envelope(msgs)
	if err != nil {
		s.logger().Error("Rejecting malformed message", err, nil)
		for _, msg := range msgs {
			msg.Nack()
		}
		return
	}
	s.process(ctx, env)
}

// Deliver runs the full pipeline for msg synchronously.
func (s *Subscriber) Deliver(ctx context.Context, msg *message.Message) {
	s.consume(ctx, []*message.Message{msg})
}

func (s *Subscriber) messageInfo(env *envelope.Envelope) MessageInfo {
	return MessageInfo{
		Action:         ActionProcess,
		System:         s.broker.System(),
		Destination:    env.Destination,
		Handler:        s.Name(),
		PayloadSize:    env.Size(),
		MessageID:      env.MessageID,
		ConversationID: env.CorrelationID,
		BatchSize:      env.Len(),
		NoAck:          s.opts.noAck,
	}
}

func (s *Subscriber) process(ctx context.Context, env *envelope.Envelope) {
	log := s.logger()
	ctx = withInfo(ctx, s.messageInfo(env))
	ctx = loggingpkg.WithLogger(ctx, log)

	start := time.Now()
	s.stats.onMessageStart()

	chain := composeConsume(s.middlewares(), s.handle)
	_, err := chain(ctx, env)
	s.settle(env, err)
	s.stats.onMessageFinish(time.Since(start), env.Disposition(), err, s.broker.classifier)

	if err != nil && !errspkg.IsControlSignal(err) {
		log.Error("Handler failed", err, loggingpkg.LogFields{
			loggingpkg.FieldMessageID:     env.MessageID,
			loggingpkg.FieldCorrelationID: env.CorrelationID,
		})
	}
}

// handle is the innermost stage: decode, run the handler and forward a
// non-nil result. Forwarding runs on the middleware context, so publishes
// are children of the process span and their errors are seen by every stage.
func (s *Subscriber) handle(ctx context.Context, env *envelope.Envelope) (any, error) {
	result, err := s.invoke(ctx, env)
	if err != nil || isNil(result) {
		return result, err
	}
	return result, s.publishResult(ctx, env, result)
}

func (s *Subscriber) invoke(ctx context.Context, env *envelope.Envelope) (any, error) {
	payload, err := s.handler.Decode(env)
	if err != nil {
		return nil, err
	}
	if rec := s.Mock(); rec != nil {
		rec.Record(payload)
	}
	return s.handler.Handle(ctx, env, payload)
}

func (s *Subscriber) settle(env *envelope.Envelope, err error) {
	if env.Settled() {
		return
	}
	if s.opts.noAck {
		env.Release()
		return
	}
	if shouldAck(err) {
		env.Ack()
		return
	}
	env.Nack()
}

// shouldAck is true for success and for an explicit AckMessage signal.
func shouldAck(err error) bool {
	if err == nil {
		return true
	}
	var sig *errspkg.AckSignal
	return errors.As(err, &sig) && sig.Ack
}

func (s *Subscriber) publishResult(ctx context.Context, env *envelope.Envelope, result any) error {
	var errs []error
	if env.ReplyTo != "" {
		_, err := s.broker.Publish(ctx, env.ReplyTo, result, WithCorrelationID(env.CorrelationID))
		errs = append(errs, err)
	}
	for _, pub := range s.chained() {
		_, err := pub.Publish(ctx, result, WithCorrelationID(env.CorrelationID))
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// GetOne pulls a single message from the subscription. It returns nil, nil
// when nothing arrived within timeout. The envelope is decoded through the
// middleware chain but not settled; the caller acks or nacks it.
func (s *Subscriber) GetOne(ctx context.Context, timeout time.Duration) (*envelope.Envelope, error) {
	if timeout <= 0 {
		timeout = DefaultGetOneTimeout
	}
	feed := s.currentFeed()
	if feed == nil {
		return nil, errspkg.ErrNotStarted
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msgs := s.receive(waitCtx, feed)
	if len(msgs) == 0 {
		return nil, nil
	}

	env, err := s.envelope(msgs)
	if err != nil {
		return nil, err
	}
	decode := func(ctx context.Context, env *envelope.Envelope) (any, error) {
		payload, err := env.Decode()
		if err != nil {
			return nil, err
		}
		if rec := s.Mock(); rec != nil {
			rec.Record(payload)
		}
		return payload, nil
	}
	ctx = withInfo(context.WithoutCancel(ctx), s.messageInfo(env))
	if _, err := composeConsume(s.middlewares(), decode)(ctx, env); err != nil {
		return env, err
	}
	return env, nil
}
