package runtime

import "context"

// Action tags what a middleware invocation is doing with a message.
type Action string

const (
	ActionCreate  Action = "CREATE"
	ActionPublish Action = "PUBLISH"
	ActionProcess Action = "PROCESS"
)

// MessageInfo is the instrumentation view of the message in flight.
type MessageInfo struct {
	Action         Action
	System         string
	Destination    string
	Handler        string
	PayloadSize    int
	MessageID      string
	ConversationID string
	BatchSize      int
	NoAck          bool
}

type infoKey struct{}

func withInfo(ctx context.Context, info MessageInfo) context.Context {
	return context.WithValue(ctx, infoKey{}, info)
}

// InfoFromContext returns the MessageInfo attached by the subscriber or publisher.
func InfoFromContext(ctx context.Context) (MessageInfo, bool) {
	info, ok := ctx.Value(infoKey{}).(MessageInfo)
	return info, ok
}
