package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/streamflow/internal/runtime/config"
	loggingpkg "github.com/drblury/streamflow/internal/runtime/logging"
	transportpkg "github.com/drblury/streamflow/internal/runtime/transport"
)

type order struct {
	ID     string  `json:"id" validate:"required"`
	Amount float64 `json:"amount"`
}

type receipt struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

func channelFactory() transportpkg.Factory {
	return transportpkg.FactoryFunc(func(_ context.Context, _ *configpkg.Config, logger watermill.LoggerAdapter) (transportpkg.Transport, error) {
		ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, logger)
		return transportpkg.Transport{Publisher: ps, Subscriber: ps}, nil
	})
}

type brokerOption func(*configpkg.Config, *BrokerDependencies)

func withDeps(fn func(*BrokerDependencies)) brokerOption {
	return func(_ *configpkg.Config, deps *BrokerDependencies) {
		fn(deps)
	}
}

func withConf(fn func(*configpkg.Config)) brokerOption {
	return func(conf *configpkg.Config, _ *BrokerDependencies) {
		fn(conf)
	}
}

func newTestBroker(t *testing.T, opts ...brokerOption) *Broker {
	t.Helper()
	conf := &configpkg.Config{
		AppName:         "orders",
		GracefulTimeout: time.Second,
		RPCTimeout:      time.Second,
	}
	deps := BrokerDependencies{TransportFactory: channelFactory()}
	for _, opt := range opts {
		opt(conf, &deps)
	}
	b, err := NewBroker(conf, loggingpkg.NewNopLogger(), deps)
	require.NoError(t, err)
	return b
}

// fakeBroker returns a broker in in-process test mode. Start must be called
// by the test after declaring subscribers.
func fakeBroker(t *testing.T, opts ...brokerOption) *Broker {
	t.Helper()
	b := newTestBroker(t, opts...)
	restore, err := b.TestMode(false)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = b.Stop(context.Background())
		restore()
	})
	return b
}

func startBroker(t *testing.T, b *Broker) {
	t.Helper()
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() {
		_ = b.Stop(context.Background())
	})
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler")
	}
}
