package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/streamflow/internal/runtime/codec"
	"github.com/drblury/streamflow/internal/runtime/envelope"
	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	idspkg "github.com/drblury/streamflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/streamflow/internal/runtime/logging"
)

// replyRouter correlates replies arriving on the broker inbox with pending
// requests.
type replyRouter struct {
	inbox  string
	codec  codec.Codec
	logger loggingpkg.ServiceLogger

	mu         sync.Mutex
	pending    map[string]chan *envelope.Envelope
	subscribe  func(ctx context.Context, topic string) (<-chan *message.Message, error)
	subscribed bool
	cancel     context.CancelFunc
}

func newReplyRouter(c codec.Codec, logger loggingpkg.ServiceLogger) *replyRouter {
	return &replyRouter{
		inbox:   idspkg.ReplyInbox(""),
		codec:   c,
		logger:  logger,
		pending: make(map[string]chan *envelope.Envelope),
	}
}

// attach makes the router listen on the inbox through subscribe on first use.
// A nil subscribe means replies are delivered in process.
func (r *replyRouter) attach(subscribe func(ctx context.Context, topic string) (<-chan *message.Message, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribe = subscribe
}

func (r *replyRouter) owns(dest string) bool {
	return dest == r.inbox
}

func (r *replyRouter) address() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.subscribed || r.subscribe == nil {
		return r.inbox, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	feed, err := r.subscribe(ctx, r.inbox)
	if err != nil {
		cancel()
		return "", fmt.Errorf("subscribe reply inbox: %w", err)
	}
	r.subscribed = true
	r.cancel = cancel
	go r.listen(feed)
	return r.inbox, nil
}

func (r *replyRouter) listen(feed <-chan *message.Message) {
	for msg := range feed {
		env, err := envelope.FromWatermill(msg, r.codec)
		msg.Ack()
		if err != nil {
			r.logger.Error("Dropping malformed reply", err, loggingpkg.LogFields{loggingpkg.FieldMessageID: msg.UUID})
			continue
		}
		r.deliver(env)
	}
}

func (r *replyRouter) register(correlationID string) (chan *envelope.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pending[correlationID]; exists {
		return nil, fmt.Errorf("streamflow: request %s already pending", correlationID)
	}
	ch := make(chan *envelope.Envelope, 1)
	r.pending[correlationID] = ch
	return ch, nil
}

func (r *replyRouter) deregister(correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, correlationID)
}

// deliver hands env to the request waiting for its correlation id.
func (r *replyRouter) deliver(env *envelope.Envelope) bool {
	r.mu.Lock()
	ch, ok := r.pending[env.CorrelationID]
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("Dropping reply without pending request", loggingpkg.LogFields{
			loggingpkg.FieldCorrelationID: env.CorrelationID,
		})
		return false
	}
	select {
	case ch <- env:
		return true
	default:
		return false
	}
}

func (r *replyRouter) request(ctx context.Context, producer Producer, env *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error) {
	inbox, err := r.address()
	if err != nil {
		return nil, err
	}
	env.ReplyTo = inbox

	replies, err := r.register(env.CorrelationID)
	if err != nil {
		return nil, err
	}
	defer r.deregister(env.CorrelationID)

	if err := producer.Publish(ctx, env); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replies:
		return reply, nil
	case <-timer.C:
		return nil, errspkg.ErrRPCTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *replyRouter) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.subscribed = false
	r.subscribe = nil
}
