package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/streamflow/internal/runtime/envelope"
	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/streamflow/internal/runtime/logging"
)

func TestRequestInProcess(t *testing.T) {
	b := fakeBroker(t)
	_, err := b.Subscriber(Topic("orders"), Handle(func(_ context.Context, msg Message[order]) (receipt, error) {
		return receipt{OrderID: msg.Payload.ID, Status: "accepted"}, nil
	}))
	require.NoError(t, err)
	startBroker(t, b)

	reply, err := b.Request(context.Background(), "orders", order{ID: "1"})
	require.NoError(t, err)

	got, err := envelope.As[receipt](reply)
	require.NoError(t, err)
	assert.Equal(t, receipt{OrderID: "1", Status: "accepted"}, got)
	assert.Empty(t, b.rpc.pending)
}

func TestRequestThroughPublisher(t *testing.T) {
	b := fakeBroker(t)
	_, err := b.Subscriber(Topic("echo"), Raw(func(_ context.Context, env *envelope.Envelope) (any, error) {
		return env.Body, nil
	}))
	require.NoError(t, err)
	pub, err := b.Publisher("echo")
	require.NoError(t, err)
	startBroker(t, b)

	reply, err := pub.Publish(context.Background(), "ping", WithRPC(time.Second))
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), reply.Body)
}

func TestRequestInProcessWithoutResult(t *testing.T) {
	b := fakeBroker(t)
	calls := 0
	_, err := b.Subscriber(Topic("ping"), Consume(func(context.Context, Message[string]) error {
		calls++
		return nil
	}))
	require.NoError(t, err)
	startBroker(t, b)

	start := time.Now()
	reply, err := b.Publish(context.Background(), "ping", "x", WithRPC(time.Minute), WithCorrelationID("c-1"))
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Empty(t, reply.Body)
	assert.Equal(t, "c-1", reply.CorrelationID)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, b.rpc.pending)
}

func TestRequestInProcessFirstHandlerWins(t *testing.T) {
	b := fakeBroker(t)
	_, err := b.Subscriber(Topic("ping"), Consume(func(context.Context, Message[string]) error {
		return nil
	}))
	require.NoError(t, err)
	second := 0
	_, err = b.Subscriber(Topic("ping"), Handle(func(context.Context, Message[string]) (string, error) {
		second++
		return "pong", nil
	}))
	require.NoError(t, err)
	startBroker(t, b)

	reply, err := b.Request(context.Background(), "ping", "x")
	require.NoError(t, err)
	assert.Empty(t, reply.Body)
	assert.Equal(t, 1, second)
}

func TestRequestTimesOutWithoutConsumer(t *testing.T) {
	b := fakeBroker(t)
	startBroker(t, b)

	start := time.Now()
	_, err := b.Publish(context.Background(), "nobody", "ping", WithRPC(20*time.Millisecond))
	require.ErrorIs(t, err, errspkg.ErrRPCTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, b.rpc.pending)
}

func TestRequestRespectsContext(t *testing.T) {
	b := fakeBroker(t)
	startBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := b.Publish(ctx, "nobody", "ping", WithRPC(time.Minute))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReplyRouterRejectsDuplicateRequests(t *testing.T) {
	r := newReplyRouter(nil, loggingpkg.NewNopLogger())
	_, err := r.register("corr")
	require.NoError(t, err)
	_, err = r.register("corr")
	assert.Error(t, err)

	r.deregister("corr")
	_, err = r.register("corr")
	assert.NoError(t, err)
}

func TestReplyRouterDropsUnknownReplies(t *testing.T) {
	r := newReplyRouter(nil, loggingpkg.NewNopLogger())
	env := envelope.New(r.inbox)
	env.CorrelationID = "unknown"
	assert.False(t, r.deliver(env))

	ch, err := r.register("known")
	require.NoError(t, err)
	env.CorrelationID = "known"
	assert.True(t, r.deliver(env))
	assert.Same(t, env, <-ch)
}

func TestReplyRouterOwnsInbox(t *testing.T) {
	r := newReplyRouter(nil, loggingpkg.NewNopLogger())
	assert.True(t, r.owns(r.inbox))
	assert.False(t, r.owns("orders"))

	addr, err := r.address()
	require.NoError(t, err)
	assert.Equal(t, r.inbox, addr)
}
