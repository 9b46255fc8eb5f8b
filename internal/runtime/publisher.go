package runtime

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/drblury/streamflow/internal/runtime/envelope"
	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/streamflow/internal/runtime/metadata"
	"github.com/drblury/streamflow/internal/runtime/routing"
)

// PublisherOption configures a publisher at declaration.
type PublisherOption func(*publisherOptions)

type publisherOptions struct {
	batch       bool
	headers     metadatapkg.Metadata
	middlewares []Middleware
}

// AsBatch sends every published value as a batch. Slices and arrays are
// spread into items; any other value becomes a one-element batch.
func AsBatch() PublisherOption {
	return func(o *publisherOptions) {
		o.batch = true
	}
}

// WithDefaultHeaders sets headers sent with every message.
func WithDefaultHeaders(headers metadatapkg.Metadata) PublisherOption {
	return func(o *publisherOptions) {
		o.headers = o.headers.WithAll(headers)
	}
}

// WithPublisherMiddlewares adds middlewares that only wrap this publisher.
func WithPublisherMiddlewares(mws ...Middleware) PublisherOption {
	return func(o *publisherOptions) {
		o.middlewares = append(o.middlewares, mws...)
	}
}

// PublishOption tunes a single publish call.
type PublishOption func(*publishOptions)

type publishOptions struct {
	headers       metadatapkg.Metadata
	correlationID string
	messageID     string
	replyTo       string
	contentType   string
	rpc           bool
	rpcTimeout    time.Duration
}

func newPublishOptions(opts []PublishOption) publishOptions {
	var po publishOptions
	for _, opt := range opts {
		opt(&po)
	}
	return po
}

// WithHeaders adds headers to the message.
func WithHeaders(headers metadatapkg.Metadata) PublishOption {
	return func(o *publishOptions) {
		o.headers = o.headers.WithAll(headers)
	}
}

// WithHeader adds a single header to the message.
func WithHeader(key, value string) PublishOption {
	return func(o *publishOptions) {
		o.headers = o.headers.With(key, value)
	}
}

// WithCorrelationID overrides the generated correlation id.
func WithCorrelationID(id string) PublishOption {
	return func(o *publishOptions) {
		o.correlationID = id
	}
}

// WithMessageID overrides the generated message id.
func WithMessageID(id string) PublishOption {
	return func(o *publishOptions) {
		o.messageID = id
	}
}

// WithReplyTo asks the consumer to publish its result to dest.
func WithReplyTo(dest string) PublishOption {
	return func(o *publishOptions) {
		o.replyTo = dest
	}
}

// WithContentType overrides the content type chosen by the codec.
func WithContentType(contentType string) PublishOption {
	return func(o *publishOptions) {
		o.contentType = contentType
	}
}

// WithRPC waits for the consumer's reply. A zero timeout uses the configured
// RPC timeout. It cannot be combined with WithReplyTo.
func WithRPC(timeout time.Duration) PublishOption {
	return func(o *publishOptions) {
		o.rpc = true
		o.rpcTimeout = timeout
	}
}

// Publisher sends values to one destination.
type Publisher struct {
	broker      *Broker
	destination string
	opts        publisherOptions
	routerMws   []Middleware

	mu       sync.Mutex
	recorder *Recorder
}

func newPublisher(destination string, opts ...PublisherOption) *Publisher {
	p := &Publisher{destination: destination}
	for _, opt := range opts {
		opt(&p.opts)
	}
	return p
}

// Destination is the key messages are sent to.
func (p *Publisher) Destination() string {
	return p.destination
}

// Batch reports whether values are sent as batches.
func (p *Publisher) Batch() bool {
	return p.opts.batch
}

func (p *Publisher) withPrefix(prefix string) {
	if prefix != "" && p.destination != "" {
		p.destination = routing.Prefix(prefix, p.destination)
	}
}

// Mock returns the recorder attached by a test harness, nil otherwise.
func (p *Publisher) Mock() *Recorder {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recorder
}

func (p *Publisher) setRecorder(r *Recorder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recorder = r
}

func (p *Publisher) middlewares() []Middleware {
	mws := append([]Middleware(nil), p.routerMws...)
	return append(mws, p.opts.middlewares...)
}

// Publish encodes value and sends it. In RPC mode the reply envelope is
// returned, otherwise the envelope that was sent.
func (p *Publisher) Publish(ctx context.Context, value any, opts ...PublishOption) (*envelope.Envelope, error) {
	po := newPublishOptions(opts)
	if po.rpc && po.replyTo != "" {
		return nil, errspkg.ErrRPCWithReplyTo
	}
	if p.destination == "" {
		return nil, errspkg.ErrDestinationRequired
	}
	if p.broker == nil {
		return nil, errspkg.ErrDetached
	}

	env, recorded, err := p.build(value, po)
	if err != nil {
		return nil, err
	}
	if rec := p.Mock(); rec != nil {
		rec.Record(recorded)
	}
	return p.broker.send(ctx, env, po, p.middlewares())
}

func (p *Publisher) build(value any, po publishOptions) (*envelope.Envelope, any, error) {
	headers := p.opts.headers.WithAll(po.headers)
	if err := headers.Validate(); err != nil {
		return nil, nil, errspkg.NewEncodeError(headers, err)
	}

	c := p.broker.codec
	env := envelope.New(p.destination).WithCodec(c)
	env.Headers = headers
	env.ReplyTo = po.replyTo
	if po.correlationID != "" {
		env.CorrelationID = po.correlationID
	}
	if po.messageID != "" {
		env.MessageID = po.messageID
	}

	if !p.opts.batch {
		body, contentType, err := c.Encode(value)
		if err != nil {
			return nil, nil, err
		}
		env.Body = body
		env.ContentType = contentType
		if po.contentType != "" {
			env.ContentType = po.contentType
		}
		return env, value, nil
	}

	values := spread(value)
	env.Batch = true
	env.Items = make([]envelope.Item, 0, len(values))
	for _, v := range values {
		body, contentType, err := c.Encode(v)
		if err != nil {
			return nil, nil, err
		}
		if po.contentType != "" {
			contentType = po.contentType
		}
		item := envelope.Item{Body: body, Headers: metadatapkg.Metadata{}}
		if contentType != "" {
			item.Headers[metadatapkg.ContentType] = contentType
		}
		env.Items = append(env.Items, item)
	}
	return env, values, nil
}

// spread turns slices and arrays (except byte slices) into their elements.
func spread(value any) []any {
	if value == nil {
		return []any{nil}
	}
	if _, ok := value.([]byte); ok {
		return []any{value}
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{value}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}
