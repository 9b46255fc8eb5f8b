package runtime

import (
	"context"
	"errors"

	"github.com/drblury/streamflow/internal/runtime/envelope"
	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
)

var errTestModeAttached = errors.New("streamflow: a test harness is already attached")

// TestMode attaches recorders to every subscriber and publisher. Unless real
// is set, the transport is never built and publishes are routed in process
// to every subscriber whose source matches the destination. The returned
// function detaches the harness.
func (b *Broker) TestMode(real bool) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil, errspkg.ErrBrokerStarted
	}
	if b.testing {
		return nil, errTestModeAttached
	}
	b.testing = true
	b.fake = !real
	for _, sub := range b.subscribers {
		sub.setRecorder(NewRecorder())
	}
	for _, pub := range b.publishers {
		pub.setRecorder(NewRecorder())
	}
	if b.fake {
		b.producer = localProducer{broker: b}
	}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, sub := range b.subscribers {
			sub.setRecorder(nil)
		}
		for _, pub := range b.publishers {
			pub.setRecorder(nil)
		}
		if b.fake && !b.started {
			b.producer = nil
		}
		b.testing = false
		b.fake = false
	}, nil
}

// localProducer routes envelopes to matching subscribers synchronously.
type localProducer struct {
	broker *Broker
}

func (p localProducer) Publish(ctx context.Context, env *envelope.Envelope) error {
	b := p.broker
	if !b.isStarted() {
		return errspkg.ErrNotStarted
	}
	msg, err := env.ToWatermill()
	if err != nil {
		return err
	}

	if b.rpc.owns(env.Destination) {
		reply, err := envelope.FromWatermill(msg, b.codec)
		if err != nil {
			return err
		}
		b.rpc.deliver(reply)
		return nil
	}

	// An in-process request is answered by the first handler. A handler
	// without result still completes the request with an empty reply.
	awaitingReply := b.rpc.owns(env.ReplyTo)

	ctx = context.WithoutCancel(ctx)
	for _, sub := range b.Subscribers() {
		if _, ok := sub.source.Match(env.Destination); !ok {
			continue
		}
		if sub.handler == nil {
			if !sub.enqueue(msg.Copy()) {
				b.Logger.Debug("Dropping message for full pull subscriber", nil)
			}
			continue
		}
		sub.Deliver(ctx, msg.Copy())
		if awaitingReply {
			b.rpc.deliver(env.Derive(env.ReplyTo).WithCodec(b.codec))
			awaitingReply = false
		}
	}
	return nil
}
