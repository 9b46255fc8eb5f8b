package runtime

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/streamflow/internal/runtime/envelope"
)

// Producer performs the final send of an encoded envelope.
type Producer interface {
	Publish(ctx context.Context, env *envelope.Envelope) error
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc func(ctx context.Context, env *envelope.Envelope) error

func (f ProducerFunc) Publish(ctx context.Context, env *envelope.Envelope) error {
	return f(ctx, env)
}

type transportProducer struct {
	publisher message.Publisher
}

func (p transportProducer) Publish(ctx context.Context, env *envelope.Envelope) error {
	msg, err := env.ToWatermill()
	if err != nil {
		return err
	}
	msg.SetContext(ctx)
	if err := p.publisher.Publish(env.Destination, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", env.Destination, err)
	}
	return nil
}
